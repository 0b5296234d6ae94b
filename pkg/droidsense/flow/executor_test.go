package flow

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/droidsense/droidsense/internal/testutil"
	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
)

const (
	serial = "R9YT50J4S9D"
	connA  = "192.168.1.2:46747"
)

type harness struct {
	exec      *Executor
	transport *testutil.FakeTransport
	broker    *testutil.FakeBroker
	resolver  *identity.Resolver
	sensors   *store.SensorStore
	actions   *store.ActionStore
	history   *store.HistoryStore
	queue     *cmdqueue.Queue
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	resolver := identity.NewResolver(dataDir)
	resolver.Register(connA, serial, identity.Metadata{})

	q, err := cmdqueue.Open(filepath.Join(dataDir, "commands.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	h := &harness{
		transport: testutil.NewFakeTransport(connA),
		broker:    &testutil.FakeBroker{},
		resolver:  resolver,
		sensors:   store.NewSensorStore(dataDir, resolver),
		actions:   store.NewActionStore(dataDir, resolver),
		history:   store.NewHistoryStore(t.TempDir()),
		queue:     q,
	}
	h.exec = &Executor{
		Transport:    h.transport,
		Resolver:     resolver,
		Sensors:      h.sensors,
		Actions:      h.actions,
		History:      h.history,
		Broker:       h.broker,
		Queue:        q,
		LaunchSettle: time.Millisecond,
	}
	return h
}

func (h *harness) addSensor(t *testing.T, id, resourceID string) {
	t.Helper()
	err := h.sensors.Add(&model.Sensor{
		SensorID:       id,
		StableDeviceID: serial,
		FriendlyName:   id,
		SensorType:     model.SensorScalar,
		Source:         model.ElementRef{ResourceID: resourceID},
		Extraction: model.ExtractionRule{
			ExtractionStep: model.ExtractionStep{Method: "numeric"},
		},
		UpdateIntervalSeconds: 60,
		Enabled:               true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecute_RunsStepsInOrder(t *testing.T) {
	h := newHarness(t)
	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Name:           "open app",
		Steps: []model.Step{
			{Type: model.StepLaunchApp, Package: "com.example.app"},
			{Type: model.StepTap, X: 100, Y: 200},
			{Type: model.StepGoBack},
		},
	}

	result := h.exec.Execute(context.Background(), f)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.ExecutedSteps != 3 || len(result.StepLogs) != 3 {
		t.Errorf("executed %d steps, %d logs", result.ExecutedSteps, len(result.StepLogs))
	}
	calls := h.transport.CallLog()
	want := []string{"launch com.example.app", "tap 100 200", "keyevent 4"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}

	history := h.history.Recent("f1", 10)
	if len(history) != 1 || !history[0].Success {
		t.Errorf("history = %+v", history)
	}
}

func TestExecute_CaptureSensorsPublishesOnceAndCaches(t *testing.T) {
	h := newHarness(t)
	h.addSensor(t, "battery_level", "com.app:id/battery")
	h.transport.Elements = []model.UIElement{
		{ResourceID: "com.app:id/battery", Text: "94%", Class: "android.widget.TextView"},
	}

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps: []model.Step{
			{Type: model.StepCaptureSensors, SensorIDs: []string{"battery_level"}},
			{Type: model.StepCaptureSensors, SensorIDs: []string{"battery_level"}},
		},
	}

	result := h.exec.Execute(context.Background(), f)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	// Second capture reuses the session cache: exactly one publish.
	if len(h.broker.Updates) != 1 {
		t.Fatalf("updates = %+v", h.broker.Updates)
	}
	u := h.broker.Updates[0]
	if u.Value != "94" {
		t.Errorf("value = %q, want 94", u.Value)
	}
	if u.Attributes["match_method"] != "resource_id" {
		t.Errorf("attributes = %+v", u.Attributes)
	}
}

func TestExecute_CaptureContinuesPastFailingSensor(t *testing.T) {
	h := newHarness(t)
	h.addSensor(t, "present", "com.app:id/ok")
	h.addSensor(t, "missing", "com.app:id/gone")
	h.transport.Elements = []model.UIElement{
		{ResourceID: "com.app:id/ok", Text: "42", Class: "android.widget.TextView"},
	}

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps: []model.Step{
			{Type: model.StepCaptureSensors, SensorIDs: []string{"missing", "present"}},
		},
	}

	result := h.exec.Execute(context.Background(), f)
	if result.Success {
		t.Error("step with a failed sensor must fail")
	}
	// The healthy sensor still published.
	if v := h.broker.SensorValues()["present"]; v != "42" {
		t.Errorf("present = %q", v)
	}
}

func TestExecute_OfflineLaunchDefersHighPriority(t *testing.T) {
	h := newHarness(t)
	h.resolver.SetState(serial, model.DeviceOffline)

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps:          []model.Step{{Type: model.StepLaunchApp, Package: "com.example.app"}},
	}

	result := h.exec.Execute(context.Background(), f)
	if result.Success {
		t.Fatal("offline launch must fail fast")
	}
	if !strings.Contains(result.ErrorMessage, "offline") {
		t.Errorf("error = %q", result.ErrorMessage)
	}
	// The launch was not attempted on the transport.
	if h.transport.CallCount("launch") != 0 {
		t.Error("transport launch attempted while offline")
	}
	pending, err := h.queue.GetPending(serial)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].CommandType != model.CommandLaunchApp {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].Priority != commandPriorityHigh {
		t.Errorf("priority = %d, want %d", pending[0].Priority, commandPriorityHigh)
	}
}

func TestExecute_StopOnErrorSemantics(t *testing.T) {
	h := newHarness(t)
	h.transport.Errs["tap"] = context.DeadlineExceeded

	mk := func(stop *bool) *model.Flow {
		return &model.Flow{
			FlowID:         "f1",
			StableDeviceID: serial,
			StopOnError:    stop,
			Steps: []model.Step{
				{Type: model.StepTap, X: 1, Y: 1},
				{Type: model.StepGoBack},
			},
		}
	}

	// Default stops after the failing step.
	result := h.exec.Execute(context.Background(), mk(nil))
	if result.Success || result.ExecutedSteps != 1 {
		t.Errorf("default: success=%v steps=%d", result.Success, result.ExecutedSteps)
	}

	// stop_on_error=false runs the rest and succeeds overall.
	no := false
	result = h.exec.Execute(context.Background(), mk(&no))
	if !result.Success || result.ExecutedSteps != 2 {
		t.Errorf("continue: success=%v steps=%d", result.Success, result.ExecutedSteps)
	}
	if result.StepLogs[0].Success || !result.StepLogs[1].Success {
		t.Errorf("step logs = %+v", result.StepLogs)
	}
}

func TestExecute_AssertScreenPollsThenFails(t *testing.T) {
	h := newHarness(t)
	h.transport.SetScreen(".Other", nil)

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Navigation: &model.NavigationBlock{
			MaxNavigationAttempts:    2,
			NavigationTimeoutSeconds: 1,
		},
		Steps: []model.Step{{Type: model.StepAssertScreen, Activity: ".Main"}},
	}

	result := h.exec.Execute(context.Background(), f)
	if result.Success {
		t.Fatal("assert on wrong screen must fail")
	}
	if got := h.transport.CallCount("activity"); got != 2 {
		t.Errorf("activity polled %d times, want 2", got)
	}

	// Matching by suffix succeeds on the first poll.
	h.transport.SetScreen("com.example/.Main", nil)
	result = h.exec.Execute(context.Background(), f)
	if !result.Success {
		t.Errorf("suffix match failed: %s", result.ErrorMessage)
	}
}

func TestExecute_CancelledContextSkipsSteps(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps:          []model.Step{{Type: model.StepTap, X: 1, Y: 1}},
	}
	result := h.exec.Execute(ctx, f)
	if result.Success || result.ExecutedSteps != 0 {
		t.Errorf("result = %+v", result)
	}
	if !strings.Contains(result.ErrorMessage, "cancelled") {
		t.Errorf("error = %q", result.ErrorMessage)
	}
}

func TestExecute_NavigationRetriesFromHome(t *testing.T) {
	h := newHarness(t)
	// Validation element never appears.
	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Navigation: &model.NavigationBlock{
			TargetApp:             "com.example.app",
			NavigationSequence:    []model.NavStep{{Type: "tap", X: 10, Y: 10}},
			ValidationElement:     &model.ElementRef{ResourceID: "com.app:id/marker"},
			MaxNavigationAttempts: 2,
		},
		Steps: []model.Step{{Type: model.StepGoBack}},
	}

	result := h.exec.Execute(context.Background(), f)
	if result.Success {
		t.Fatal("navigation with unreachable validation must fail")
	}
	if !strings.Contains(result.ErrorMessage, "navigation") {
		t.Errorf("error = %q", result.ErrorMessage)
	}
	// Two launches (one per attempt) separated by a go-home keyevent.
	if got := h.transport.CallCount("launch"); got != 2 {
		t.Errorf("launches = %d, want 2", got)
	}
	foundHome := false
	for _, c := range h.transport.CallLog() {
		if c == "keyevent 3" {
			foundHome = true
		}
	}
	if !foundHome {
		t.Error("retry did not go home first")
	}
}

func TestExecute_MacroActionRunsChildren(t *testing.T) {
	h := newHarness(t)
	err := h.actions.Add(&model.Action{
		ActionID:       "wake_and_open",
		StableDeviceID: serial,
		Kind:           model.ActionMacro,
		StopOnError:    true,
		Children: []model.MacroChild{
			{Kind: model.ActionKeyevent, Params: model.ActionParams{Keycode: 26}},
			{Kind: model.ActionTap, Params: model.ActionParams{X: 5, Y: 5}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps:          []model.Step{{Type: model.StepExecuteAction, ActionID: "wake_and_open"}},
	}
	result := h.exec.Execute(context.Background(), f)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	calls := h.transport.CallLog()
	if len(calls) != 2 || calls[0] != "keyevent 26" || calls[1] != "tap 5 5" {
		t.Errorf("calls = %v", calls)
	}

	action, err := h.actions.Get(serial, "wake_and_open")
	if err != nil {
		t.Fatal(err)
	}
	if action.ExecutionCount != 1 || action.LastResult != "success" {
		t.Errorf("action record = %+v", action)
	}
}

func TestExecute_TapReresolvesTargetElement(t *testing.T) {
	h := newHarness(t)
	h.transport.Elements = []model.UIElement{
		{ResourceID: "com.app:id/button", Bounds: model.Bounds{X: 100, Y: 200, W: 40, H: 20}},
	}
	f := &model.Flow{
		FlowID:         "f1",
		StableDeviceID: serial,
		Steps: []model.Step{{
			Type: model.StepTap,
			X:    1, Y: 1, // stale recorded coordinates
			TargetElement: &model.ElementRef{ResourceID: "com.app:id/button"},
		}},
	}
	result := h.exec.Execute(context.Background(), f)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	for _, c := range h.transport.CallLog() {
		if c == "tap 120 210" {
			return
		}
	}
	t.Errorf("tap not re-resolved to element center: %v", h.transport.CallLog())
}
