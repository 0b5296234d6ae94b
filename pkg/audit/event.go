// Package audit provides an append-only trail of mutating operations:
// flow runs, configuration changes, direct device commands, and
// connection lifecycle events.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event represents one auditable operation against a device.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     string            `json:"actor"`
	Device    string            `json:"device"`
	Operation string            `json:"operation"`
	FlowID    string            `json:"flow_id,omitempty"`
	SensorID  string            `json:"sensor_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	ClientIP  string            `json:"client_ip,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// Well-known operation names. Handlers are free to use others;
// these cover the daemon's own lifecycle events.
const (
	OpDeviceConnect    = "device.connect"
	OpDeviceDisconnect = "device.disconnect"
	OpDeviceRebind     = "device.rebind"
	OpDeviceTap        = "device.tap"
	OpDeviceScreenshot = "device.screenshot"
	OpFlowRun          = "flow.run"
	OpFlowCancel       = "flow.cancel"
	OpCommandReplay    = "command.replay"
)

// Actor names used by the daemon itself. API handlers record the
// remote client address instead.
const (
	ActorDaemon    = "daemon"
	ActorScheduler = "scheduler"
	ActorReplay    = "replay"
)

// Filter defines criteria for querying audit events.
type Filter struct {
	Device      string
	Actor       string
	Operation   string
	FlowID      string
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event stamped with the current time.
func NewEvent(actor, device, operation string) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Actor:     actor,
		Device:    device,
		Operation: operation,
	}
}

// WithFlow sets the flow id.
func (e *Event) WithFlow(flowID string) *Event {
	e.FlowID = flowID
	return e
}

// WithSensor sets the sensor id.
func (e *Event) WithSensor(sensorID string) *Event {
	e.SensorID = sensorID
	return e
}

// WithDetail attaches one key/value pair of context.
func (e *Event) WithDetail(key, value string) *Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string)
	}
	e.Detail[key] = value
	return e
}

// WithSuccess marks the event as successful.
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed.
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration.
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}

// WithRequest records the originating HTTP request.
func (e *Event) WithRequest(clientIP, requestID string) *Event {
	e.ClientIP = clientIP
	e.RequestID = requestID
	return e
}
