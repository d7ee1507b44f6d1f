// Package transport implements the persistent, bidirectional control-plane
// connection: connect/reconnect lifecycle, heartbeat, command dispatch and
// response correlation, mirroring the teacher's WebSocketHub from the
// opposite end of the same gorilla/websocket protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/version"
)

// errNotConnected is returned by sendEnvelope when no connection is live.
var errNotConnected = errors.New("transport: not connected")

const (
	heartbeatInterval = 30 * time.Second
	wifiProbeTimeout  = 3 * time.Second
)

// VersionLookup resolves {project} -> (version record, deploy path, found).
type VersionLookup func(project string) (version.Record, string, bool)

// Config parameterizes a Client.
type Config struct {
	ServerURL           string
	DialTimeout         time.Duration
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration
	ReconnectJitter     time.Duration
	ReconnectMaxAttempt int

	DeviceID          string
	DeviceName        string
	PreferConfigName  bool
	InstanceID        string
	AgentVersion      string

	FrontendDeployPath   string
	BackendDeployPath    string
	MaxHistoricalBackups int
}

// Client is the agent-side control-plane connection.
type Client struct {
	cfg    Config
	logger *slog.Logger

	dialer *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn
	state  ConnState

	reconnector *Reconnector

	opMu sync.Mutex
	op   OperationStatus

	bus           *progress.Bus
	fetcher       PackageFetcher
	deployer      Deployer
	rollbacker    RollbackRunner
	versionLookup VersionLookup

	deviceID             string
	maxHistoricalBackups int

	registerGroup singleflight.Group
	networkGroup  singleflight.Group

	send func(event string, payload interface{}) error

	shutdownOnce sync.Once
	closed       chan struct{}
}

// NewClient builds a Client. The returned value still needs its
// Fetcher/Deployer/Rollbacker/Bus/VersionLookup collaborators set before
// Run is called; agent wiring assigns them via WireCollaborators.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:                  cfg,
		logger:               logger,
		dialer:               &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		state:                StateDisconnected,
		op:                   OperationIdle,
		deviceID:             cfg.DeviceID,
		maxHistoricalBackups: cfg.MaxHistoricalBackups,
		reconnector:          NewReconnector(cfg.ReconnectBase, cfg.ReconnectMax, cfg.ReconnectJitter, cfg.ReconnectMaxAttempt),
		closed:               make(chan struct{}),
	}
	c.send = c.sendEnvelope
	return c
}

func (c *Client) defaultDeployPath(project string) string {
	if project == "backend" {
		return c.cfg.BackendDeployPath
	}
	return c.cfg.FrontendDeployPath
}

func (c *Client) currentOperation() OperationStatus {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.op
}

// tryBeginOperation enforces §4.7's mutual exclusion: only one upgrade or
// rollback may be in flight at a time.
func (c *Client) tryBeginOperation(next OperationStatus) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.op != OperationIdle {
		return false
	}
	c.op = next
	return true
}

func (c *Client) endOperation() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.op = OperationIdle
}

func (c *Client) setState(s ConnState) {
	c.connMu.Lock()
	c.state = s
	c.connMu.Unlock()
}

// State returns the current connection lifecycle state.
func (c *Client) State() ConnState {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

// Run drives the connect/reconnect loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.setState(StateConnecting)
		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("control-plane connect failed", "error", err)
		}

		c.setState(StateReconnectingWait)
		delay := c.reconnector.Next()
		c.logger.Info("scheduling reconnect", "delay", delay, "attempt", c.reconnector.Attempt())

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectOnce dials the server, runs the read pump and heartbeat until the
// connection drops, then returns.
func (c *Client) connectOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.state = StateConnectedUnregistered
	c.connMu.Unlock()

	c.reconnector.Reset()
	c.register()

	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go c.heartbeatLoop(hbCtx)

	go func() {
		<-hbCtx.Done()
		_ = conn.Close()
	}()

	return c.readPump(conn)
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			c.conn = nil
			c.connMu.Unlock()
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed envelope", "error", err)
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) sendEnvelope(event string, payload interface{}) error {
	env, err := newEnvelope(event, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errNotConnected
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) handleEnvelope(env Envelope) {
	switch env.Event {
	case EventDeviceRegistered:
		c.setState(StateConnectedRegistered)
		go c.updateNetworkInfo()
	case EventDeviceCommand:
		var cmd genericCommand
		_ = json.Unmarshal(env.Payload, &cmd)
		c.dispatchCommand(cmd.Command, cmd.args(), cmd.id())
	case EventCmdUpgrade, EventCmdRollback, EventCmdStatus, EventGetCurrentVersion, EventGetDeployPath:
		var cmd genericCommand
		_ = json.Unmarshal(env.Payload, &cmd)
		c.dispatchCommand(env.Event, env.Payload, cmd.id())
	case EventDeviceHeartbeatAck:
		c.logger.Debug("heartbeat ack received")
	case EventConfigDeployPath:
		var p struct {
			DeployPath string `json:"deployPath"`
		}
		_ = json.Unmarshal(env.Payload, &p)
		go c.updateSystemInfo(p.DeployPath)
	case EventConfigRefreshNet:
		go c.updateNetworkInfo()
	default:
		c.logger.Debug("unhandled control-plane event", "event", env.Event)
	}
}

// register sends device:register. Concurrent callers while a registration
// is already in flight join the same pending call instead of sending a
// duplicate payload.
func (c *Client) register() {
	_, _, _ = c.registerGroup.Do("register", func() (interface{}, error) {
		payload := RegistrationPayload{
			DeviceID:   c.deviceID,
			DeviceName: resolveDeviceName(c.cfg.DeviceName, c.cfg.PreferConfigName, c.cfg.InstanceID),
			System: SystemInfo{
				Platform:  runtime.GOOS,
				OSVersion: runtime.GOOS,
				Arch:      runtime.GOARCH,
			},
			Agent:     AgentInfo{AgentVersion: c.cfg.AgentVersion},
			Network:   discoverNetworkInfo(),
			Timestamp: time.Now().UnixMilli(),
		}
		err := c.send(EventDeviceRegister, payload)
		return nil, err
	})
}

// updateNetworkInfo rediscovers and pushes network info. Concurrent
// callers join the same pending call.
func (c *Client) updateNetworkInfo() {
	_, _, _ = c.networkGroup.Do("network", func() (interface{}, error) {
		info := discoverNetworkInfo()
		err := c.send(EventDeviceUpdateNetwork, map[string]interface{}{
			"deviceId":  c.deviceID,
			"network":   info,
			"timestamp": time.Now().UnixMilli(),
		})
		return nil, err
	})
}

// updateSystemInfo pushes a one-shot system-info update, optionally bound
// to a deploy path reported by a server-driven config:deploy-path event.
func (c *Client) updateSystemInfo(deployPath string) {
	payload := map[string]interface{}{
		"deviceId": c.deviceID,
		"agent":    AgentInfo{AgentVersion: c.cfg.AgentVersion},
		"system":   SystemInfo{Platform: runtime.GOOS, OSVersion: runtime.GOOS, Arch: runtime.GOARCH},
	}
	if deployPath != "" {
		payload["deployPath"] = deployPath
	}
	_ = c.send(EventDeviceUpdateSystem, payload)
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.send(EventDeviceHeartbeat, map[string]interface{}{
				"deviceId":  c.deviceID,
				"timestamp": time.Now().UnixMilli(),
				"health":    map[string]interface{}{"uptimeSeconds": int(time.Since(start).Seconds())},
			})
		}
	}
}

// Shutdown best-effort announces offline status (capped at 1s total) then
// closes the connection. Safe to call multiple times.
func (c *Client) Shutdown(ctx context.Context) {
	c.shutdownOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()

		done := make(chan struct{})
		go func() {
			_ = c.send(EventDeviceStatus, map[string]interface{}{
				"deviceId":  c.deviceID,
				"status":    DeviceStatusOffline,
				"timestamp": time.Now().UnixMilli(),
			})
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
		}

		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
			c.conn = nil
		}
		c.state = StateDisconnected
		c.connMu.Unlock()

		close(c.closed)
	})
}

// NotifyDeployPathUpdated emits the generic deployPathUpdated notification
// sent after every successful deploy or rollback.
func (c *Client) NotifyDeployPathUpdated(project, deployPath, version string) {
	_ = c.send(EventDeployPathUpdated, map[string]interface{}{
		"deviceId":   c.deviceID,
		"project":    project,
		"deployPath": deployPath,
		"version":    version,
		"timestamp":  time.Now().UnixMilli(),
	})
}

// WireCollaborators assigns the fetcher/deploy/rollback/bus/version
// collaborators. Must be called before Run.
func (c *Client) WireCollaborators(fetcher PackageFetcher, deployer Deployer, rollbacker RollbackRunner, bus *progress.Bus, versionLookup VersionLookup) {
	c.fetcher = fetcher
	c.deployer = deployer
	c.rollbacker = rollbacker
	c.bus = bus
	c.versionLookup = versionLookup
}
