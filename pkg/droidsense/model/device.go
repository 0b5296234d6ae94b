// Package model defines the core data model for droidsense: devices, sensors,
// actions, flows, queued commands, and execution results. Types here are pure
// data with validation; behavior lives in the owning packages.
package model

import "time"

// DeviceState is the tracked connection state of a device.
type DeviceState string

const (
	DeviceOnline  DeviceState = "online"
	DeviceOffline DeviceState = "offline"
)

// ConnectionHistoryLimit bounds the per-device connection history.
const ConnectionHistoryLimit = 10

// Device is the tracked (not persisted) runtime record for one Android
// device. StableID is the hardware serial; CurrentConnection is the volatile
// transport address (host:port or USB serial).
type Device struct {
	StableID          string      `json:"stable_id"`
	CurrentConnection string      `json:"current_connection"`
	Model             string      `json:"model,omitempty"`
	Manufacturer      string      `json:"manufacturer,omitempty"`
	LastSeen          time.Time   `json:"last_seen"`
	ConnectionHistory []string    `json:"connection_history,omitempty"`
	State             DeviceState `json:"state"`
	RetryCount        int         `json:"retry_count"`
	RetryDelaySeconds int         `json:"retry_delay_seconds"`
}

// Bounds is a screen rectangle in pixels.
type Bounds struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// CenterX returns the horizontal center of the rectangle.
func (b Bounds) CenterX() int { return b.X + b.W/2 }

// CenterY returns the vertical center of the rectangle.
func (b Bounds) CenterY() int { return b.Y + b.H/2 }

// UIElement is one parsed node of a device UI hierarchy dump.
type UIElement struct {
	Text        string `json:"text,omitempty"`
	ResourceID  string `json:"resource_id,omitempty"`
	Class       string `json:"class,omitempty"`
	ContentDesc string `json:"content_desc,omitempty"`
	Bounds      Bounds `json:"bounds"`
	Clickable   bool   `json:"clickable,omitempty"`
	Focusable   bool   `json:"focusable,omitempty"`
	Scrollable  bool   `json:"scrollable,omitempty"`
	Path        string `json:"path,omitempty"`
	ParentPath  string `json:"parent_path,omitempty"`
}
