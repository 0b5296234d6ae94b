package model

import (
	"time"

	"github.com/droidsense/droidsense/pkg/util"
)

// SensorType distinguishes numeric sensors from binary (on/off) sensors.
type SensorType string

const (
	SensorScalar SensorType = "scalar"
	SensorBinary SensorType = "binary"
)

// Sensor update interval bounds in seconds.
const (
	MinUpdateInterval = 5
	MaxUpdateInterval = 3600
)

// Known device classes for broker discovery. The zero value means a generic
// sensor.
var DeviceClasses = []string{
	"battery", "temperature", "humidity", "power", "energy", "current",
	"voltage", "illuminance", "signal_strength", "timestamp", "duration",
	"data_size", "monetary", "none",
}

// ElementRef locates a sensor's source element on screen. Captured fields are
// the recognition hints used by the smart element finder; any subset may be
// set.
type ElementRef struct {
	ResourceID string  `json:"resource_id,omitempty"`
	Text       string  `json:"text,omitempty"`
	Class      string  `json:"class,omitempty"`
	Path       string  `json:"path,omitempty"`
	Bounds     *Bounds `json:"bounds,omitempty"`
}

// ExtractionStep is one step of an extraction pipeline. Method is the
// discriminator: exact, regex, numeric, before, after, between, jq.
type ExtractionStep struct {
	Method  string `json:"method"`
	Pattern string `json:"pattern,omitempty"` // regex pattern or jq expression
	Text    string `json:"text,omitempty"`    // before/after substring
	Start   string `json:"start,omitempty"`   // between start marker
	End     string `json:"end,omitempty"`     // between end marker
}

// ExtractionRule is either a single step or an ordered pipeline. Fallback is
// returned when any step yields nothing.
type ExtractionRule struct {
	ExtractionStep
	Pipeline       []ExtractionStep `json:"pipeline,omitempty"`
	ExtractNumeric bool             `json:"extract_numeric,omitempty"`
	RemoveUnit     bool             `json:"remove_unit,omitempty"`
	Fallback       string           `json:"fallback,omitempty"`
}

// Sensor captures one on-screen value and publishes it as a broker entity.
// Persisted under sensors_<stable_id>.json, keyed by SensorID.
type Sensor struct {
	SensorID              string           `json:"sensor_id"`
	DeviceID              string           `json:"device_id"`
	StableDeviceID        string           `json:"stable_device_id"`
	FriendlyName          string           `json:"friendly_name"`
	SensorType            SensorType       `json:"sensor_type"`
	DeviceClass           string           `json:"device_class,omitempty"`
	Unit                  string           `json:"unit,omitempty"`
	StateClass            string           `json:"state_class,omitempty"`
	Source                ElementRef       `json:"source"`
	Extraction            ExtractionRule   `json:"extraction"`
	UpdateIntervalSeconds int              `json:"update_interval_seconds"`
	Navigation            *NavigationBlock `json:"navigation,omitempty"`
	Enabled               bool             `json:"enabled"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Validate checks sensor invariants.
func (s *Sensor) Validate() error {
	var v util.ValidationBuilder
	v.Add(s.SensorID != "", "sensor_id is required")
	v.Add(s.StableDeviceID != "", "stable_device_id is required")
	v.Add(s.SensorType == SensorScalar || s.SensorType == SensorBinary,
		"sensor_type must be scalar or binary")
	v.Add(s.UpdateIntervalSeconds >= MinUpdateInterval,
		"update_interval_seconds must be at least 5")
	v.Add(s.UpdateIntervalSeconds <= MaxUpdateInterval,
		"update_interval_seconds must be at most 3600")
	if s.SensorType == SensorBinary {
		v.Add(s.StateClass == "", "binary sensors must not set state_class")
	}
	if s.Navigation != nil {
		if err := s.Navigation.Validate(); err != nil {
			v.AddErrorf("navigation: %v", err)
		}
	}
	return v.Build()
}
