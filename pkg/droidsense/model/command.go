package model

import "time"

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandProcessing CommandStatus = "processing"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandExpired    CommandStatus = "expired"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandExpired
}

// Command queue defaults.
const (
	DefaultCommandTTL        = time.Hour
	DefaultCommandMaxRetries = 3
)

// CommandType identifies what a queued command does when replayed.
type CommandType string

const (
	CommandExecuteFlow   CommandType = "execute_flow"
	CommandExecuteAction CommandType = "execute_action"
	CommandLaunchApp     CommandType = "launch_app"
	CommandCaptureSensor CommandType = "capture_sensor"
	CommandShell         CommandType = "shell"
)

// QueuedCommand is a durable command deferred while its target device was
// offline, replayed by the connection monitor on reconnect.
type QueuedCommand struct {
	CommandID      string            `json:"command_id"`
	TargetStableID string            `json:"target_stable_id"`
	CommandType    CommandType       `json:"command_type"`
	Payload        map[string]string `json:"payload,omitempty"`
	Priority       int               `json:"priority"` // 0..3, higher first
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	Status         CommandStatus     `json:"status"`
	RetryCount     int               `json:"retry_count"`
	MaxRetries     int               `json:"max_retries"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ProcessingAt   time.Time         `json:"processing_at,omitempty"`
}

// Expired reports whether the command's TTL has elapsed at t. A command whose
// expiry equals t counts as expired.
func (c *QueuedCommand) Expired(t time.Time) bool {
	return !c.ExpiresAt.After(t)
}
