package model

import "time"

// AlertSeverity tiers performance alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityError    AlertSeverity = "error"
	SeverityCritical AlertSeverity = "critical"
)

// PerformanceAlert is emitted by the performance monitor when an execution
// metric crosses a threshold.
type PerformanceAlert struct {
	StableDeviceID  string        `json:"stable_device_id"`
	Severity        AlertSeverity `json:"severity"`
	Message         string        `json:"message"`
	Recommendations []string      `json:"recommendations,omitempty"`
	MetricName      string        `json:"metric_name"`
	MetricValue     float64       `json:"metric_value"`
	FlowID          string        `json:"flow_id,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}
