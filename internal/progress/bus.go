// Package progress implements the session-keyed progress bus: a single
// producer (the operation handler) reports progress to a single consumer
// (the transport) keyed by sessionId. It is not persistent and is not
// designed for multicast — that's the realtime event bus's job in the
// teacher repo this agent descends from, reduced here to the one-callback-
// per-session contract the upgrade/rollback engines actually need.
package progress

import (
	"sync"
	"time"
)

// Step is one of the closed set of progress steps an operation passes
// through.
type Step string

const (
	StepConnecting Step = "CONNECTING"
	StepPreparing  Step = "PREPARING"
	StepBackup     Step = "BACKUP"
	StepDownload   Step = "DOWNLOADING"
	StepExtracting Step = "EXTRACTING"
	StepDeploying  Step = "DEPLOYING"
	StepVerifying  Step = "VERIFYING"
	StepCleaning   Step = "CLEANING"
	StepCompleted  Step = "COMPLETED"
	StepFailed     Step = "FAILED"
)

// Status is the session-level status derived from an emitted error.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Event is one progress update for a session.
type Event struct {
	SessionID string
	DeviceID  string
	Step      Step
	Progress  int
	Message   string
	Status    Status
	Error     string
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// Callback receives progress events for a single session.
type Callback func(Event)

// Bus is an in-process, session-keyed progress relay.
type Bus struct {
	mu        sync.RWMutex
	callbacks map[string]Callback
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{callbacks: make(map[string]Callback)}
}

// Register associates callback with sessionId. Callers must register
// before an operation begins.
func (b *Bus) Register(sessionID string, callback Callback) {
	if sessionID == "" || callback == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks[sessionID] = callback
}

// Remove unregisters sessionId. Callers must remove on completion or error,
// including early-exit paths, so the map never outlives its operation.
func (b *Bus) Remove(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.callbacks, sessionID)
}

// Emit clamps progress to [0, 100], derives status from the presence of
// errMsg (error) or a StepCompleted step (completed), otherwise running,
// unless metadata["status"] overrides it, stamps the current time,
// and invokes the registered callback synchronously. A session with no
// registered callback makes Emit a no-op.
func (b *Bus) Emit(sessionID, deviceID string, step Step, progress int, message string, errMsg string, metadata map[string]interface{}) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	status := StatusRunning
	if errMsg != "" {
		status = StatusError
	} else if step == StepCompleted {
		status = StatusCompleted
	}
	if metadata != nil {
		if override, ok := metadata["status"].(string); ok && override != "" {
			status = Status(override)
		}
	}

	event := Event{
		SessionID: sessionID,
		DeviceID:  deviceID,
		Step:      step,
		Progress:  progress,
		Message:   message,
		Status:    status,
		Error:     errMsg,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	cb, ok := b.callbacks[sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	cb(event)
}

// ActiveSessions returns the currently registered session ids, primarily
// for diagnostics.
func (b *Bus) ActiveSessions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.callbacks))
	for id := range b.callbacks {
		ids = append(ids, id)
	}
	return ids
}
