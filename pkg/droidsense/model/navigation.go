package model

import "github.com/droidsense/droidsense/pkg/util"

// Navigation block bounds.
const (
	MinNavigationAttempts = 1
	MaxNavigationAttempts = 10
	MinNavigationTimeout  = 1
	MaxNavigationTimeout  = 60
)

// NavStep is one atomic instruction of a navigation sequence: tap, swipe,
// wait, keyevent, or text.
type NavStep struct {
	Type       string `json:"type"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	X2         int    `json:"x2,omitempty"`
	Y2         int    `json:"y2,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Keycode    int    `json:"keycode,omitempty"`
	Text       string `json:"text,omitempty"`
	WaitMs     int    `json:"wait_ms,omitempty"`
}

// NavigationBlock describes how to reach the screen a sensor, action, or flow
// needs before it can run.
type NavigationBlock struct {
	TargetApp                 string      `json:"target_app,omitempty"`
	PrerequisiteActionIDs     []string    `json:"prerequisite_action_ids,omitempty"`
	NavigationSequence        []NavStep   `json:"navigation_sequence,omitempty"`
	ValidationElement         *ElementRef `json:"validation_element,omitempty"`
	ReturnHomeAfter           bool        `json:"return_home_after,omitempty"`
	MaxNavigationAttempts     int         `json:"max_navigation_attempts,omitempty"`
	NavigationTimeoutSeconds  int         `json:"navigation_timeout_seconds,omitempty"`
}

// Attempts returns the configured attempt count clamped to the valid range,
// defaulting to 3 when unset.
func (n *NavigationBlock) Attempts() int {
	if n == nil || n.MaxNavigationAttempts == 0 {
		return 3
	}
	return n.MaxNavigationAttempts
}

// TimeoutSeconds returns the configured timeout, defaulting to 10 when unset.
func (n *NavigationBlock) TimeoutSeconds() int {
	if n == nil || n.NavigationTimeoutSeconds == 0 {
		return 10
	}
	return n.NavigationTimeoutSeconds
}

// Validate checks navigation block bounds.
func (n *NavigationBlock) Validate() error {
	var v util.ValidationBuilder
	if n.MaxNavigationAttempts != 0 {
		v.Add(n.MaxNavigationAttempts >= MinNavigationAttempts &&
			n.MaxNavigationAttempts <= MaxNavigationAttempts,
			"max_navigation_attempts must be in [1,10]")
	}
	if n.NavigationTimeoutSeconds != 0 {
		v.Add(n.NavigationTimeoutSeconds >= MinNavigationTimeout &&
			n.NavigationTimeoutSeconds <= MaxNavigationTimeout,
			"navigation_timeout_seconds must be in [1,60]")
	}
	for i, s := range n.NavigationSequence {
		switch s.Type {
		case "tap", "swipe", "wait", "keyevent", "text":
		default:
			v.AddErrorf("navigation_sequence[%d]: unknown step type %q", i, s.Type)
		}
	}
	return v.Build()
}
