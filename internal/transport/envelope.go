package transport

import "encoding/json"

// Envelope is the wire format of every message carried over the control-
// plane connection: an event name and an opaque JSON payload, the client-
// side mirror of the teacher's SilenceEvent carried over its own
// WebSocketHub.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func newEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: data}, nil
}

// Outbound event names (agent -> server).
const (
	EventDeviceRegister        = "device:register"
	EventDeviceUpdateNetwork   = "device:update-network"
	EventDeviceUpdateSystem    = "device:update-system"
	EventDeviceStatus          = "device:status"
	EventDeviceHeartbeat       = "device:heartbeat"
	EventOperationStart        = "device:operation_start"
	EventOperationProgress     = "device:operation_progress"
	EventCommandResult         = "command:result"
	EventBatchDeviceStatus     = "batch:device_status"
	EventBatchDeviceProgress   = "batch:device_progress"
	EventDeployPathUpdated     = "deployPathUpdated"
)

// Inbound event names (server -> agent).
const (
	EventDeviceRegistered    = "device:registered"
	EventDeviceCommand       = "device:command"
	EventCmdUpgrade          = "cmd:upgrade"
	EventCmdRollback         = "cmd:rollback"
	EventCmdStatus           = "cmd:status"
	EventGetCurrentVersion   = "getCurrentVersion"
	EventGetDeployPath       = "getDeployPath"
	EventDeviceHeartbeatAck  = "device:heartbeat_ack"
	EventConfigDeployPath    = "config:deploy-path"
	EventConfigRefreshNet    = "config:refresh-network"
)

// Device status values carried on device:status.
const (
	DeviceStatusRegistered     = "registered"
	DeviceStatusUpgrading      = "upgrading"
	DeviceStatusUpgradeSuccess = "upgrade_success"
	DeviceStatusUpgradeFailed  = "upgrade_failed"
	DeviceStatusRollingBack    = "rolling_back"
	DeviceStatusRollbackOK     = "rollback_success"
	DeviceStatusRollbackFailed = "rollback_failed"
	DeviceStatusOffline        = "offline"
)
