package model

import (
	"time"

	"github.com/droidsense/droidsense/pkg/util"
)

// ActionKind is the discriminator for action parameters.
type ActionKind string

const (
	ActionTap       ActionKind = "tap"
	ActionSwipe     ActionKind = "swipe"
	ActionText      ActionKind = "text"
	ActionKeyevent  ActionKind = "keyevent"
	ActionLaunchApp ActionKind = "launch_app"
	ActionDelay     ActionKind = "delay"
	ActionMacro     ActionKind = "macro"
)

// MaxMacroChildren bounds the child list of a macro action.
const MaxMacroChildren = 50

// ActionParams holds the kind-dependent parameters of an action. Only the
// fields for the action's kind are meaningful.
type ActionParams struct {
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	X2         int    `json:"x2,omitempty"`
	Y2         int    `json:"y2,omitempty"`
	DurationMs int    `json:"duration_ms,omitempty"`
	Text       string `json:"text,omitempty"`
	Keycode    int    `json:"keycode,omitempty"`
	Package    string `json:"package,omitempty"`
	DelayMs    int    `json:"delay_ms,omitempty"`
}

// MacroChild is one child descriptor inside a macro action.
type MacroChild struct {
	Kind   ActionKind   `json:"kind"`
	Params ActionParams `json:"params"`
}

// Action is a stored, user-authored device interaction.
type Action struct {
	ActionID       string           `json:"action_id"`
	DeviceID       string           `json:"device_id"`
	StableDeviceID string           `json:"stable_device_id"`
	Name           string           `json:"name,omitempty"`
	Kind           ActionKind       `json:"kind"`
	Params         ActionParams     `json:"params"`
	Children       []MacroChild     `json:"children,omitempty"`
	StopOnError    bool             `json:"stop_on_error,omitempty"`
	Enabled        bool             `json:"enabled"`
	Navigation     *NavigationBlock `json:"navigation,omitempty"`
	ExecutionCount int              `json:"execution_count"`
	LastResult     string           `json:"last_result,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func validKind(k ActionKind) bool {
	switch k {
	case ActionTap, ActionSwipe, ActionText, ActionKeyevent,
		ActionLaunchApp, ActionDelay, ActionMacro:
		return true
	}
	return false
}

// Validate checks action invariants, including kind-dependent parameters.
func (a *Action) Validate() error {
	var v util.ValidationBuilder
	v.Add(a.ActionID != "", "action_id is required")
	v.Add(a.StableDeviceID != "", "stable_device_id is required")
	v.Add(validKind(a.Kind), "unknown action kind")

	switch a.Kind {
	case ActionTap:
		v.Add(a.Params.X >= 0 && a.Params.Y >= 0, "tap coordinates must be non-negative")
	case ActionSwipe:
		v.Add(a.Params.DurationMs >= 0, "swipe duration must be non-negative")
	case ActionText:
		v.Add(a.Params.Text != "", "text action requires text")
	case ActionKeyevent:
		v.Add(a.Params.Keycode > 0, "keyevent requires a keycode")
	case ActionLaunchApp:
		v.Add(a.Params.Package != "", "launch_app requires a package")
	case ActionDelay:
		v.Add(a.Params.DelayMs > 0, "delay requires delay_ms > 0")
	case ActionMacro:
		v.Add(len(a.Children) > 0, "macro requires at least one child")
		v.Add(len(a.Children) <= MaxMacroChildren, "macro exceeds 50 children")
		for i, c := range a.Children {
			if c.Kind == ActionMacro {
				v.AddErrorf("children[%d]: macros cannot nest", i)
			} else if !validKind(c.Kind) {
				v.AddErrorf("children[%d]: unknown action kind", i)
			}
		}
	}

	if a.Navigation != nil {
		if err := a.Navigation.Validate(); err != nil {
			v.AddErrorf("navigation: %v", err)
		}
	}
	return v.Build()
}
