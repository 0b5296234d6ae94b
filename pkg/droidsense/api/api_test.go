package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/droidsense/droidsense/pkg/audit"
	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/monitor"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
	"github.com/droidsense/droidsense/pkg/util"
)

const (
	dev   = "R9YT50J4S9D"
	connA = "192.168.1.2:46747"
)

type fakeScheduler struct {
	enqueued   []string
	enqueueErr error
	pending    map[string]bool
	depth      int
}

func (f *fakeScheduler) Enqueue(fl *model.Flow) error {
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.enqueued = append(f.enqueued, fl.FlowID)
	f.depth++
	return nil
}

func (f *fakeScheduler) Cancel(flowID string) bool { return f.pending[flowID] }

func (f *fakeScheduler) GetQueueDepth(string) int { return f.depth }

func (f *fakeScheduler) Running(string) (string, bool) { return "", false }

type fakeMetrics struct{}

func (fakeMetrics) GetMetrics(string) monitor.DeviceMetrics {
	return monitor.DeviceMetrics{QueueDepth: 3, TotalExecutions: 7}
}

type apiHarness struct {
	server    *Server
	scheduler *fakeScheduler
	flows     *store.FlowStore
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	dataDir := t.TempDir()
	resolver := identity.NewResolver(dataDir)
	resolver.Register(connA, dev, identity.Metadata{})

	sensors := store.NewSensorStore(dataDir, resolver)
	actions := store.NewActionStore(dataDir, resolver)
	flows := store.NewFlowStore(dataDir, resolver)
	history := store.NewHistoryStore(dataDir)

	q, err := cmdqueue.Open(filepath.Join(dataDir, "commands.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	sched := &fakeScheduler{pending: make(map[string]bool)}
	server := NewServer(resolver, sensors, actions, flows, history, q, sched, fakeMetrics{}, Options{})
	return &apiHarness{server: server, scheduler: sched, flows: flows}
}

func (h *apiHarness) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func sensorBody(id string, interval int) string {
	return fmt.Sprintf(`{
		"sensor_id": %q,
		"stable_device_id": %q,
		"sensor_type": "scalar",
		"friendly_name": "Battery",
		"update_interval_seconds": %d,
		"source": {"resource_id": "com.app:id/battery"},
		"extraction": {"method": "numeric"},
		"enabled": true
	}`, id, dev, interval)
}

func flowBody(id string) string {
	return fmt.Sprintf(`{
		"flow_id": %q,
		"stable_device_id": %q,
		"name": "Battery check",
		"enabled": true,
		"steps": [{"type": "launch_app", "package": "com.app"}]
	}`, id, dev)
}

func TestSensorCRUD(t *testing.T) {
	h := newAPIHarness(t)

	if rec := h.do(t, http.MethodPost, "/api/sensors", sensorBody("battery", 60)); rec.Code != http.StatusOK {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}

	rec := h.do(t, http.MethodGet, "/api/sensors?device="+dev, "")
	var list []model.Sensor
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].SensorID != "battery" {
		t.Errorf("list = %+v", list)
	}

	// Lookup by connection id resolves to the same device.
	if rec := h.do(t, http.MethodGet, "/api/sensors/battery?device="+connA, ""); rec.Code != http.StatusOK {
		t.Errorf("get via connection id = %d", rec.Code)
	}

	if rec := h.do(t, http.MethodDelete, "/api/sensors/battery?device="+dev, ""); rec.Code != http.StatusOK {
		t.Errorf("delete = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/sensors/battery?device="+dev, ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	h := newAPIHarness(t)

	// 400: interval below minimum.
	if rec := h.do(t, http.MethodPost, "/api/sensors", sensorBody("bad", 2)); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid sensor = %d", rec.Code)
	}

	// 409: duplicate id.
	h.do(t, http.MethodPost, "/api/sensors", sensorBody("battery", 60))
	if rec := h.do(t, http.MethodPost, "/api/sensors", sensorBody("battery", 60)); rec.Code != http.StatusConflict {
		t.Errorf("duplicate sensor = %d", rec.Code)
	}

	// 404: unknown id.
	if rec := h.do(t, http.MethodGet, "/api/sensors/nope?device="+dev, ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing sensor = %d", rec.Code)
	}

	// 400: missing device parameter.
	if rec := h.do(t, http.MethodGet, "/api/sensors", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing device = %d", rec.Code)
	}

	// 503: queue overflow on run.
	h.do(t, http.MethodPost, "/api/flows", flowBody("f1"))
	h.scheduler.enqueueErr = fmt.Errorf("depth 64: %w", util.ErrQueueOverflow)
	if rec := h.do(t, http.MethodPost, "/api/flows/f1/run", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("overflow run = %d", rec.Code)
	}
}

func TestRunFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodPost, "/api/flows", flowBody("f1"))

	rec := h.do(t, http.MethodPost, "/api/flows/f1/run", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run = %d: %s", rec.Code, rec.Body)
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Queued || resp.FlowID != "f1" || resp.QueueDepth != 1 {
		t.Errorf("response = %+v", resp)
	}
	if len(h.scheduler.enqueued) != 1 || h.scheduler.enqueued[0] != "f1" {
		t.Errorf("enqueued = %v", h.scheduler.enqueued)
	}

	if rec := h.do(t, http.MethodPost, "/api/flows/nope/run", ""); rec.Code != http.StatusNotFound {
		t.Errorf("run unknown flow = %d", rec.Code)
	}
}

func TestCancelFlow(t *testing.T) {
	h := newAPIHarness(t)
	h.scheduler.pending["f1"] = true

	if rec := h.do(t, http.MethodPost, "/api/flows/f1/cancel", ""); rec.Code != http.StatusOK {
		t.Errorf("cancel pending = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/flows/f2/cancel", ""); rec.Code != http.StatusNotFound {
		t.Errorf("cancel non-pending = %d", rec.Code)
	}
}

func TestServicesCommandQueue(t *testing.T) {
	h := newAPIHarness(t)

	body := fmt.Sprintf(`{
		"target_stable_id": %q,
		"command_type": "launch_app",
		"payload": {"package": "com.app"},
		"priority": 2
	}`, dev)
	rec := h.do(t, http.MethodPost, "/api/services/command", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("enqueue = %d: %s", rec.Code, rec.Body)
	}

	rec = h.do(t, http.MethodGet, "/api/services/queue?device="+dev, "")
	var pending []model.QueuedCommand
	if err := json.Unmarshal(rec.Body.Bytes(), &pending); err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].CommandType != model.CommandLaunchApp {
		t.Errorf("pending = %+v", pending)
	}

	// Priority outside [0,3] rejected.
	bad := strings.Replace(body, `"priority": 2`, `"priority": 9`, 1)
	if rec := h.do(t, http.MethodPost, "/api/services/command", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("bad priority = %d", rec.Code)
	}
}

func TestDeviceEndpoints(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/devices", "")
	var devices []model.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].StableID != dev {
		t.Errorf("devices = %+v", devices)
	}

	rec = h.do(t, http.MethodGet, "/api/devices/"+dev+"/metrics", "")
	var metrics monitor.DeviceMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatal(err)
	}
	if metrics.QueueDepth != 3 || metrics.TotalExecutions != 7 {
		t.Errorf("metrics = %+v", metrics)
	}
}

type fakeCommander struct {
	taps []string
	png  []byte
	err  error
}

func (f *fakeCommander) Tap(_ context.Context, id string, x, y int) error {
	f.taps = append(f.taps, fmt.Sprintf("%s %d %d", id, x, y))
	return f.err
}

func (f *fakeCommander) Screenshot(context.Context, string) ([]byte, error) {
	return f.png, f.err
}

func TestDeviceCommands(t *testing.T) {
	h := newAPIHarness(t)
	cmdr := &fakeCommander{png: []byte("png")}
	h.server.commander = cmdr

	rec := h.do(t, http.MethodPost, "/api/devices/"+dev+"/tap", `{"x": 120, "y": 340}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("tap = %d: %s", rec.Code, rec.Body)
	}
	if len(cmdr.taps) != 1 || cmdr.taps[0] != dev+" 120 340" {
		t.Errorf("taps = %v", cmdr.taps)
	}

	rec = h.do(t, http.MethodGet, "/api/devices/"+dev+"/screenshot", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "png" {
		t.Errorf("screenshot = %d %q", rec.Code, rec.Body.String())
	}

	// An offline device surfaces as 503.
	cmdr.err = util.NewOfflineError(dev, false)
	if rec := h.do(t, http.MethodPost, "/api/devices/"+dev+"/tap", `{"x": 1, "y": 1}`); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("offline tap = %d", rec.Code)
	}
}

func TestAuditTrail(t *testing.T) {
	h := newAPIHarness(t)

	logger, err := audit.NewFileLogger(filepath.Join(t.TempDir(), "audit.log"), audit.RotationConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	audit.SetDefaultLogger(logger)
	t.Cleanup(func() { audit.SetDefaultLogger(nil) })

	h.server.commander = &fakeCommander{}
	if rec := h.do(t, http.MethodPost, "/api/devices/"+dev+"/tap", `{"x": 10, "y": 20}`); rec.Code != http.StatusOK {
		t.Fatalf("tap = %d", rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/services/audit?device="+connA, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("audit = %d: %s", rec.Code, rec.Body)
	}
	var events []audit.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Operation != audit.OpDeviceTap || !events[0].Success {
		t.Errorf("events = %+v", events)
	}
	if events[0].Detail["x"] != "10" || events[0].Detail["y"] != "20" {
		t.Errorf("detail = %v", events[0].Detail)
	}
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	if rec := h.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
}
