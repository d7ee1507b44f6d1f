package transport

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/zenvor/remote-upgrader/internal/deploy"
	"github.com/zenvor/remote-upgrader/internal/fetcher"
	"github.com/zenvor/remote-upgrader/internal/progress"
	"github.com/zenvor/remote-upgrader/internal/rollback"
)

// PackageFetcher downloads and verifies upgrade packages. Implemented by
// *fetcher.Fetcher.
type PackageFetcher interface {
	Info(project, fileName string) (*fetcher.Metadata, error)
	Download(meta *fetcher.Metadata, progress fetcher.ProgressSink) fetcher.DownloadResult
}

// Deployer runs the extract/deploy sequence. Implemented by
// *deploy.Engine.
type Deployer interface {
	Deploy(opts deploy.Options) deploy.Result
}

// RollbackRunner runs the rollback sequence. Implemented by
// *rollback.Engine.
type RollbackRunner interface {
	Rollback(opts rollback.Options) rollback.Result
}

type upgradeParams struct {
	Project        string   `json:"project"`
	FileName       string   `json:"fileName"`
	Version        string   `json:"version"`
	DeployPath     string   `json:"deployPath,omitempty"`
	PreservedPaths []string `json:"preservedPaths,omitempty"`
	FileMD5        string   `json:"fileMD5,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	BatchTaskID    string   `json:"batchTaskId,omitempty"`
}

type rollbackParams struct {
	Project        string   `json:"project"`
	TargetVersion  string   `json:"targetVersion,omitempty"`
	PreservedPaths []string `json:"preservedPaths,omitempty"`
	SessionID      string   `json:"sessionId,omitempty"`
	BatchTaskID    string   `json:"batchTaskId,omitempty"`
}

type getCurrentVersionParams struct {
	Project string `json:"project"`
}

// genericCommand is the device:command carrier envelope.
type genericCommand struct {
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"messageId"`
	CommandID string          `json:"commandId"`
}

func (c *genericCommand) args() json.RawMessage {
	if len(c.Params) > 0 {
		return c.Params
	}
	return c.Data
}

func (c *genericCommand) id() string {
	if c.CommandID != "" {
		return c.CommandID
	}
	return c.MessageID
}

// commandResult is the payload shared by command:result and response:<id>.
type commandResult struct {
	CommandID string      `json:"commandId"`
	DeviceID  string      `json:"deviceId"`
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// dispatchCommand routes a decoded command name to its handler, enforcing
// operation-idle preconditions and replying via sendCommandResult.
//
// cmd:upgrade and cmd:rollback run in their own goroutine: they block for
// the entire download+deploy (or restore) sequence, and the read pump
// that calls dispatchCommand must stay live to read cmd:status and
// getCurrentVersion, which are allowed to run concurrently with an
// in-flight operation, and to read the next command at all.
func (c *Client) dispatchCommand(name string, args json.RawMessage, commandID string) {
	switch name {
	case EventCmdUpgrade:
		var p upgradeParams
		_ = json.Unmarshal(args, &p)
		go c.handleUpgrade(p, commandID)
	case EventCmdRollback:
		var p rollbackParams
		_ = json.Unmarshal(args, &p)
		go c.handleRollback(p, commandID)
	case EventCmdStatus:
		c.handleStatus(commandID)
	case EventGetCurrentVersion:
		var p getCurrentVersionParams
		_ = json.Unmarshal(args, &p)
		c.handleGetCurrentVersion(p, commandID)
	case EventGetDeployPath:
		c.sendCommandResult(commandID, false, "getDeployPath 已废弃", nil)
	default:
		c.sendCommandResult(commandID, false, "不支持的命令", nil)
	}
}

// rejectionReason names the operation actually in flight, for the
// exclusivity-rejection message — a rollback rejecting a new command
// must not claim an upgrade is running, and vice versa.
func (c *Client) rejectionReason() string {
	switch c.currentOperation() {
	case OperationRollingBack:
		return "正在执行回滚，请稍后再试"
	default:
		return "正在执行升级，请稍后再试"
	}
}

func (c *Client) handleUpgrade(p upgradeParams, commandID string) {
	if !c.tryBeginOperation(OperationUpgrading) {
		reason := c.rejectionReason()
		c.sendCommandResult(commandID, false, reason, nil)
		if p.BatchTaskID != "" {
			c.sendBatchStatus(p.BatchTaskID, "rejected", reason)
		}
		return
	}
	defer c.endOperation()

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.emitStatus(DeviceStatusUpgrading)
	c.emitOperationStart(sessionID, "upgrade", p.Project)
	if c.bus != nil {
		c.registerProgressForwarding(sessionID)
		defer c.bus.Remove(sessionID)
	}

	meta := &fetcher.Metadata{Project: p.Project, FileName: p.FileName, FileMD5: p.FileMD5}
	if meta.FileMD5 == "" && c.fetcher != nil {
		if info, err := c.fetcher.Info(p.Project, p.FileName); err == nil && info != nil {
			meta = info
		}
	}

	download := c.fetcher.Download(meta, func(received, total int64) {
		if total <= 0 {
			return
		}
		pct := int(received * 100 / total)
		c.emitBatchProgress(p.BatchTaskID, pct, "downloading", "正在下载安装包")
	})
	if !download.Success {
		c.finishUpgrade(commandID, p, sessionID, false, download.Error)
		return
	}

	result := c.deployer.Deploy(deploy.Options{
		Project:              p.Project,
		PackagePath:          download.FilePath,
		Version:              p.Version,
		DeployPathOverride:   p.DeployPath,
		DefaultDeployPath:    c.defaultDeployPath(p.Project),
		PreservedPaths:       p.PreservedPaths,
		SessionID:            sessionID,
		MaxHistoricalBackups: c.maxHistoricalBackups,
	})
	c.finishUpgrade(commandID, p, sessionID, result.Success, result.Error)
}

func (c *Client) finishUpgrade(commandID string, p upgradeParams, sessionID string, success bool, errMsg string) {
	status := DeviceStatusUpgradeSuccess
	message := "升级成功"
	if !success {
		status = DeviceStatusUpgradeFailed
		message = errMsg
	}
	c.emitStatus(status)
	c.sendCommandResult(commandID, success, message, map[string]interface{}{"project": p.Project, "sessionId": sessionID})
	if p.BatchTaskID != "" {
		c.sendBatchStatus(p.BatchTaskID, status, message)
	}
}

func (c *Client) handleRollback(p rollbackParams, commandID string) {
	if !c.tryBeginOperation(OperationRollingBack) {
		reason := c.rejectionReason()
		c.sendCommandResult(commandID, false, reason, nil)
		if p.BatchTaskID != "" {
			c.sendBatchStatus(p.BatchTaskID, "rejected", reason)
		}
		return
	}
	defer c.endOperation()

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.emitStatus(DeviceStatusRollingBack)
	c.emitOperationStart(sessionID, "rollback", p.Project)
	if c.bus != nil {
		c.registerProgressForwarding(sessionID)
		defer c.bus.Remove(sessionID)
	}

	result := c.rollbacker.Rollback(rollback.Options{
		Project:           p.Project,
		TargetVersion:     p.TargetVersion,
		DefaultDeployPath: c.defaultDeployPath(p.Project),
		PreservedPaths:    p.PreservedPaths,
		SessionID:         sessionID,
	})

	status := DeviceStatusRollbackOK
	message := "回滚成功"
	if !result.Success {
		status = DeviceStatusRollbackFailed
		message = result.Error
	}
	c.emitStatus(status)
	c.sendCommandResult(commandID, result.Success, message, map[string]interface{}{"project": p.Project, "version": result.Version})
	if p.BatchTaskID != "" {
		c.sendBatchStatus(p.BatchTaskID, status, message)
	}
}

func (c *Client) handleStatus(commandID string) {
	c.sendCommandResult(commandID, true, "", map[string]interface{}{
		"currentOperationStatus": string(c.currentOperation()),
		"deviceId":               c.deviceID,
	})
}

func (c *Client) handleGetCurrentVersion(p getCurrentVersionParams, commandID string) {
	if c.versionLookup == nil {
		c.sendCommandResult(commandID, false, "版本信息不可用", nil)
		return
	}
	rec, deployPath, ok := c.versionLookup(p.Project)
	if !ok {
		c.sendCommandResult(commandID, false, "未找到版本信息", nil)
		return
	}
	c.sendCommandResult(commandID, true, "", map[string]interface{}{
		"version":    rec,
		"deployPath": deployPath,
	})
}

// sendCommandResult emits the legacy command:result event and, when the
// command id begins with "cmd_", the specific response:<id> event.
func (c *Client) sendCommandResult(commandID string, success bool, message string, data interface{}) {
	result := commandResult{
		CommandID: commandID,
		DeviceID:  c.deviceID,
		Success:   success,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	_ = c.send(EventCommandResult, result)
	if len(commandID) >= 4 && commandID[:4] == "cmd_" {
		_ = c.send("response:"+commandID, result)
	}
}

func (c *Client) sendBatchStatus(batchTaskID, status, message string) {
	if batchTaskID == "" {
		return
	}
	_ = c.send(EventBatchDeviceStatus, map[string]interface{}{
		"batchTaskId": batchTaskID,
		"deviceId":    c.deviceID,
		"status":      status,
		"message":     message,
		"timestamp":   time.Now().UnixMilli(),
	})
}

func (c *Client) emitBatchProgress(batchTaskID string, pct int, step, message string) {
	if batchTaskID == "" {
		return
	}
	_ = c.send(EventBatchDeviceProgress, map[string]interface{}{
		"batchTaskId": batchTaskID,
		"deviceId":    c.deviceID,
		"progress":    pct,
		"step":        step,
		"message":     message,
		"timestamp":   time.Now().UnixMilli(),
	})
}

func (c *Client) emitOperationStart(sessionID, operationType, project string) {
	_ = c.send(EventOperationStart, map[string]interface{}{
		"deviceId":      c.deviceID,
		"sessionId":     sessionID,
		"operationType": operationType,
		"project":       project,
		"timestamp":     time.Now().UnixMilli(),
	})
}

func (c *Client) emitStatus(status string) {
	_ = c.send(EventDeviceStatus, map[string]interface{}{
		"deviceId":  c.deviceID,
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	})
}

// registerProgressForwarding forwards every progress.Bus event for
// sessionID on to the server as device:operation_progress.
func (c *Client) registerProgressForwarding(sessionID string) {
	c.bus.Register(sessionID, func(e progress.Event) {
		_ = c.send(EventOperationProgress, map[string]interface{}{
			"deviceId":  e.DeviceID,
			"sessionId": e.SessionID,
			"step":      string(e.Step),
			"progress":  e.Progress,
			"message":   e.Message,
			"status":    string(e.Status),
			"error":     e.Error,
			"timestamp": e.Timestamp.UnixMilli(),
		})
	})
}
