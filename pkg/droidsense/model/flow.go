package model

import (
	"time"

	"github.com/droidsense/droidsense/pkg/util"
)

// Priority orders flows within a device's queue. Higher values dequeue first.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering of a priority. Unknown values rank as
// normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// StepType is the discriminator for flow steps.
type StepType string

const (
	StepLaunchApp      StepType = "launch_app"
	StepTap            StepType = "tap"
	StepSwipe          StepType = "swipe"
	StepKeyevent       StepType = "keyevent"
	StepText           StepType = "text"
	StepGoBack         StepType = "go_back"
	StepGoHome         StepType = "go_home"
	StepWait           StepType = "wait"
	StepCaptureSensors StepType = "capture_sensors"
	StepExecuteAction  StepType = "execute_action"
	StepAssertScreen   StepType = "assert_screen"
	StepAssertElement  StepType = "assert_element"
)

// Step is one tagged instruction within a flow. Type selects which fields are
// meaningful; the wire format keeps the discriminator string.
type Step struct {
	Type       StepType    `json:"type"`
	Name       string      `json:"name,omitempty"`
	Package    string      `json:"package,omitempty"`
	X          int         `json:"x,omitempty"`
	Y          int         `json:"y,omitempty"`
	X2         int         `json:"x2,omitempty"`
	Y2         int         `json:"y2,omitempty"`
	DurationMs int         `json:"duration_ms,omitempty"`
	Keycode    int         `json:"keycode,omitempty"`
	Text       string      `json:"text,omitempty"`
	WaitMs     int         `json:"wait_ms,omitempty"`
	SensorIDs  []string    `json:"sensor_ids,omitempty"`
	ActionID   string      `json:"action_id,omitempty"`
	Activity   string      `json:"activity,omitempty"`
	Element    *ElementRef `json:"element,omitempty"`
	// Element is re-resolved via the smart finder before tap when set.
	TargetElement *ElementRef `json:"target_element,omitempty"`
}

// Flow is an ordered program of UI steps targeting one device.
type Flow struct {
	FlowID                string           `json:"flow_id"`
	DeviceID              string           `json:"device_id"`
	StableDeviceID        string           `json:"stable_device_id"`
	Name                  string           `json:"name"`
	Enabled               bool             `json:"enabled"`
	Priority              Priority         `json:"priority"`
	UpdateIntervalSeconds int              `json:"update_interval_seconds"`
	StopOnError           *bool            `json:"stop_on_error,omitempty"` // nil = stop
	Navigation            *NavigationBlock `json:"navigation,omitempty"`
	Steps                 []Step           `json:"steps"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// StopsOnError reports whether a step failure aborts the rest of the flow.
// Default is to stop.
func (f *Flow) StopsOnError() bool {
	if f.StopOnError == nil {
		return true
	}
	return *f.StopOnError
}

func validStepType(t StepType) bool {
	switch t {
	case StepLaunchApp, StepTap, StepSwipe, StepKeyevent, StepText,
		StepGoBack, StepGoHome, StepWait, StepCaptureSensors,
		StepExecuteAction, StepAssertScreen, StepAssertElement:
		return true
	}
	return false
}

// Validate checks flow invariants.
func (f *Flow) Validate() error {
	var v util.ValidationBuilder
	v.Add(f.FlowID != "", "flow_id is required")
	v.Add(f.StableDeviceID != "", "stable_device_id is required")
	v.Add(len(f.Steps) > 0, "flow requires at least one step")
	if f.UpdateIntervalSeconds != 0 {
		v.Add(f.UpdateIntervalSeconds >= MinUpdateInterval,
			"update_interval_seconds must be at least 5")
		v.Add(f.UpdateIntervalSeconds <= MaxUpdateInterval,
			"update_interval_seconds must be at most 3600")
	}
	switch f.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		v.AddErrorf("unknown priority %q", f.Priority)
	}
	for i, s := range f.Steps {
		if !validStepType(s.Type) {
			v.AddErrorf("steps[%d]: unknown step type %q", i, s.Type)
			continue
		}
		switch s.Type {
		case StepLaunchApp:
			if s.Package == "" {
				v.AddErrorf("steps[%d]: launch_app requires package", i)
			}
		case StepCaptureSensors:
			if len(s.SensorIDs) == 0 {
				v.AddErrorf("steps[%d]: capture_sensors requires sensor_ids", i)
			}
		case StepExecuteAction:
			if s.ActionID == "" {
				v.AddErrorf("steps[%d]: execute_action requires action_id", i)
			}
		case StepAssertScreen:
			if s.Activity == "" {
				v.AddErrorf("steps[%d]: assert_screen requires activity", i)
			}
		case StepAssertElement:
			if s.Element == nil {
				v.AddErrorf("steps[%d]: assert_element requires element", i)
			}
		case StepWait:
			if s.WaitMs <= 0 {
				v.AddErrorf("steps[%d]: wait requires wait_ms > 0", i)
			}
		}
	}
	if f.Navigation != nil {
		if err := f.Navigation.Validate(); err != nil {
			v.AddErrorf("navigation: %v", err)
		}
	}
	return v.Build()
}

// FlowStepLog records the outcome of one executed step.
type FlowStepLog struct {
	Index      int       `json:"index"`
	Type       StepType  `json:"type"`
	Name       string    `json:"name,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Details    string    `json:"details,omitempty"`
}

// FlowExecutionResult is the terminal outcome of one flow run.
type FlowExecutionResult struct {
	FlowID          string        `json:"flow_id"`
	ExecutionID     string        `json:"execution_id"`
	StableDeviceID  string        `json:"stable_device_id"`
	Success         bool          `json:"success"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	ExecutedSteps   int           `json:"executed_steps"`
	TotalSteps      int           `json:"total_steps"`
	StepLogs        []FlowStepLog `json:"step_logs,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
}
