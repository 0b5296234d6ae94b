// Package monitor hosts the two long-running watchdogs: the connection
// monitor that probes devices and recovers lost ones, and the performance
// monitor that turns execution metrics into tiered alerts.
package monitor

import (
	"sort"
	"sync"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/broker"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Performance monitor bounds and thresholds.
const (
	MaxExecutionHistory = 100
	MaxAlertHistory     = 50
	AlertCooldown       = 5 * time.Minute

	QueueDepthWarning  = 5
	QueueDepthCritical = 10

	IntervalRatioWarning = 0.5

	FailureRateWindow   = 20
	FailureRateWarning  = 0.2
	FailureRateCritical = 0.5
)

// QueueDepthFunc reports a device's current scheduler queue depth.
type QueueDepthFunc func(stableID string) int

// DeviceMetrics is the snapshot GetMetrics returns.
type DeviceMetrics struct {
	QueueDepth         int                      `json:"queue_depth"`
	TotalExecutions    int                      `json:"total_executions"`
	SuccessRate        float64                  `json:"success_rate"`
	RecentSuccessRate  float64                  `json:"recent_success_rate"`
	AvgExecutionTimeMs float64                  `json:"avg_execution_time_ms"`
	SlowestFlows       []FlowTiming             `json:"slowest_flows,omitempty"`
	RecentAlerts       []model.PerformanceAlert `json:"recent_alerts,omitempty"`
}

// FlowTiming is one flow's average execution time.
type FlowTiming struct {
	FlowID    string  `json:"flow_id"`
	AvgTimeMs float64 `json:"avg_time_ms"`
	Runs      int     `json:"runs"`
}

type executionRecord struct {
	flowID   string
	success  bool
	timeMs   int64
	interval int
}

type deviceHistory struct {
	executions []executionRecord
	alerts     []model.PerformanceAlert
	lastAlert  map[string]time.Time // metric name -> last alert time
}

// PerformanceMonitor keeps bounded per-device execution history and raises
// alerts when thresholds are crossed. At most one alert per metric per
// device per cooldown window.
type PerformanceMonitor struct {
	mu         sync.Mutex
	devices    map[string]*deviceHistory
	queueDepth QueueDepthFunc
	broker     broker.Publisher
	now        func() time.Time
}

// NewPerformanceMonitor creates a monitor. queueDepth may be nil when no
// scheduler is attached (queue-depth alerts are then skipped).
func NewPerformanceMonitor(queueDepth QueueDepthFunc, pub broker.Publisher) *PerformanceMonitor {
	if pub == nil {
		pub = broker.Nop{}
	}
	return &PerformanceMonitor{
		devices:    make(map[string]*deviceHistory),
		queueDepth: queueDepth,
		broker:     pub,
		now:        time.Now,
	}
}

func (m *PerformanceMonitor) device(stableID string) *deviceHistory {
	h, ok := m.devices[stableID]
	if !ok {
		h = &deviceHistory{lastAlert: make(map[string]time.Time)}
		m.devices[stableID] = h
	}
	return h
}

// RecordExecution folds one finished flow run into the device history and
// evaluates the alert rules. flowInterval is the flow's configured update
// interval in seconds; zero skips the ratio rule.
func (m *PerformanceMonitor) RecordExecution(stableID string, result *model.FlowExecutionResult, flowInterval int) []model.PerformanceAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.device(stableID)
	h.executions = append(h.executions, executionRecord{
		flowID:   result.FlowID,
		success:  result.Success,
		timeMs:   result.ExecutionTimeMs,
		interval: flowInterval,
	})
	if len(h.executions) > MaxExecutionHistory {
		h.executions = h.executions[len(h.executions)-MaxExecutionHistory:]
	}

	var fired []model.PerformanceAlert
	for _, alert := range m.evaluate(stableID, h, result, flowInterval) {
		if !m.shouldFire(h, alert.MetricName) {
			continue
		}
		h.lastAlert[alert.MetricName] = m.now()
		h.alerts = append(h.alerts, alert)
		if len(h.alerts) > MaxAlertHistory {
			h.alerts = h.alerts[len(h.alerts)-MaxAlertHistory:]
		}
		fired = append(fired, alert)

		util.WithDevice(stableID).Warnf("Performance alert [%s] %s: %s",
			alert.Severity, alert.MetricName, alert.Message)
		if alert.Severity == model.SeverityError || alert.Severity == model.SeverityCritical {
			if err := m.broker.PublishAlert(&alert); err != nil {
				util.WithDevice(stableID).Warnf("Alert publish failed: %v", err)
			}
		}
	}
	return fired
}

// shouldFire enforces the per-metric cooldown.
func (m *PerformanceMonitor) shouldFire(h *deviceHistory, metric string) bool {
	last, ok := h.lastAlert[metric]
	return !ok || m.now().Sub(last) >= AlertCooldown
}

func (m *PerformanceMonitor) evaluate(stableID string, h *deviceHistory, result *model.FlowExecutionResult, flowInterval int) []model.PerformanceAlert {
	var alerts []model.PerformanceAlert
	ts := m.now()

	if m.queueDepth != nil {
		depth := m.queueDepth(stableID)
		if depth >= QueueDepthWarning {
			severity := model.SeverityWarning
			if depth >= QueueDepthCritical {
				severity = model.SeverityCritical
			}
			alerts = append(alerts, model.PerformanceAlert{
				StableDeviceID: stableID,
				Severity:       severity,
				Message:        "flow queue is backing up",
				MetricName:     "queue_depth",
				MetricValue:    float64(depth),
				Timestamp:      ts,
				Recommendations: []string{
					"increase flow update intervals",
					"disable low-value flows on this device",
				},
			})
		}
	}

	if flowInterval > 0 {
		ratio := float64(result.ExecutionTimeMs) / 1000 / float64(flowInterval)
		if ratio > IntervalRatioWarning {
			alerts = append(alerts, model.PerformanceAlert{
				StableDeviceID: stableID,
				Severity:       model.SeverityWarning,
				Message:        "flow run time approaches its update interval",
				MetricName:     "interval_ratio",
				MetricValue:    ratio,
				FlowID:         result.FlowID,
				Timestamp:      ts,
				Recommendations: []string{
					"raise update_interval_seconds",
					"trim slow navigation or wait steps",
				},
			})
		}
	}

	if rate, ok := recentFailureRate(h.executions); ok && rate >= FailureRateWarning {
		severity := model.SeverityWarning
		if rate >= FailureRateCritical {
			severity = model.SeverityCritical
		}
		alerts = append(alerts, model.PerformanceAlert{
			StableDeviceID: stableID,
			Severity:       severity,
			Message:        "recent flow executions are failing",
			MetricName:     "failure_rate",
			MetricValue:    rate,
			Timestamp:      ts,
			Recommendations: []string{
				"check device connectivity and screen state",
				"re-record failing element references",
			},
		})
	}

	return alerts
}

// recentFailureRate looks at the last 20 executions; fewer than a full
// window still reports over what exists.
func recentFailureRate(executions []executionRecord) (float64, bool) {
	if len(executions) == 0 {
		return 0, false
	}
	window := executions
	if len(window) > FailureRateWindow {
		window = window[len(window)-FailureRateWindow:]
	}
	failed := 0
	for _, e := range window {
		if !e.success {
			failed++
		}
	}
	return float64(failed) / float64(len(window)), true
}

// GetMetrics returns the device's current metric snapshot.
func (m *PerformanceMonitor) GetMetrics(stableID string) DeviceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.device(stableID)
	metrics := DeviceMetrics{TotalExecutions: len(h.executions)}
	if m.queueDepth != nil {
		metrics.QueueDepth = m.queueDepth(stableID)
	}

	if len(h.executions) > 0 {
		ok := 0
		var totalMs int64
		byFlow := make(map[string]*FlowTiming)
		var flowTotal = make(map[string]int64)
		for _, e := range h.executions {
			if e.success {
				ok++
			}
			totalMs += e.timeMs
			t, exists := byFlow[e.flowID]
			if !exists {
				t = &FlowTiming{FlowID: e.flowID}
				byFlow[e.flowID] = t
			}
			t.Runs++
			flowTotal[e.flowID] += e.timeMs
		}
		metrics.SuccessRate = float64(ok) / float64(len(h.executions))
		metrics.AvgExecutionTimeMs = float64(totalMs) / float64(len(h.executions))

		recent := h.executions
		if len(recent) > FailureRateWindow {
			recent = recent[len(recent)-FailureRateWindow:]
		}
		recentOK := 0
		for _, e := range recent {
			if e.success {
				recentOK++
			}
		}
		metrics.RecentSuccessRate = float64(recentOK) / float64(len(recent))

		for id, t := range byFlow {
			t.AvgTimeMs = float64(flowTotal[id]) / float64(t.Runs)
			metrics.SlowestFlows = append(metrics.SlowestFlows, *t)
		}
		sort.Slice(metrics.SlowestFlows, func(i, j int) bool {
			return metrics.SlowestFlows[i].AvgTimeMs > metrics.SlowestFlows[j].AvgTimeMs
		})
		if len(metrics.SlowestFlows) > 5 {
			metrics.SlowestFlows = metrics.SlowestFlows[:5]
		}
	}

	if n := len(h.alerts); n > 0 {
		start := n - 5
		if start < 0 {
			start = 0
		}
		metrics.RecentAlerts = append(metrics.RecentAlerts, h.alerts[start:]...)
	}
	return metrics
}
