package model

import (
	"errors"
	"testing"
	"time"

	"github.com/droidsense/droidsense/pkg/util"
)

func validSensor() *Sensor {
	return &Sensor{
		SensorID:              "battery_level",
		DeviceID:              "R9YT50J4S9D",
		StableDeviceID:        "R9YT50J4S9D",
		FriendlyName:          "Battery Level",
		SensorType:            SensorScalar,
		UpdateIntervalSeconds: 30,
		Source:                ElementRef{ResourceID: "com.android.settings:id/battery_pct"},
	}
}

func TestSensor_Validate(t *testing.T) {
	if err := validSensor().Validate(); err != nil {
		t.Fatalf("valid sensor rejected: %v", err)
	}
}

func TestSensor_IntervalBounds(t *testing.T) {
	tests := []struct {
		interval int
		wantErr  bool
	}{
		{4, true},
		{5, false},
		{3600, false},
		{3601, true},
	}
	for _, tt := range tests {
		s := validSensor()
		s.UpdateIntervalSeconds = tt.interval
		err := s.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("interval %d: err = %v, wantErr %v", tt.interval, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, util.ErrValidationFailed) {
			t.Errorf("interval %d: not a validation error: %v", tt.interval, err)
		}
	}
}

func TestSensor_BinaryRejectsStateClass(t *testing.T) {
	s := validSensor()
	s.SensorType = SensorBinary
	s.StateClass = "measurement"
	if err := s.Validate(); err == nil {
		t.Error("binary sensor with state_class should be rejected")
	}
}

func TestAction_MacroBounds(t *testing.T) {
	a := &Action{
		ActionID:       "a1",
		StableDeviceID: "S",
		Kind:           ActionMacro,
	}
	for i := 0; i < 51; i++ {
		a.Children = append(a.Children, MacroChild{
			Kind:   ActionTap,
			Params: ActionParams{X: 10, Y: 10},
		})
	}
	if err := a.Validate(); err == nil {
		t.Error("macro with 51 children should be rejected")
	}
	a.Children = a.Children[:50]
	if err := a.Validate(); err != nil {
		t.Errorf("macro with 50 children rejected: %v", err)
	}
}

func TestAction_KindParams(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"launch_app without package",
			Action{ActionID: "a", StableDeviceID: "s", Kind: ActionLaunchApp}, true},
		{"launch_app with package",
			Action{ActionID: "a", StableDeviceID: "s", Kind: ActionLaunchApp,
				Params: ActionParams{Package: "com.example"}}, false},
		{"keyevent without code",
			Action{ActionID: "a", StableDeviceID: "s", Kind: ActionKeyevent}, true},
		{"delay without ms",
			Action{ActionID: "a", StableDeviceID: "s", Kind: ActionDelay}, true},
		{"unknown kind",
			Action{ActionID: "a", StableDeviceID: "s", Kind: "teleport"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFlow_Validate(t *testing.T) {
	f := &Flow{
		FlowID:                "f1",
		StableDeviceID:        "S",
		Name:                  "Morning capture",
		Priority:              PriorityNormal,
		UpdateIntervalSeconds: 60,
		Steps: []Step{
			{Type: StepLaunchApp, Package: "com.example"},
			{Type: StepCaptureSensors, SensorIDs: []string{"battery_level"}},
		},
	}
	if err := f.Validate(); err != nil {
		t.Fatalf("valid flow rejected: %v", err)
	}

	f.UpdateIntervalSeconds = 4
	if err := f.Validate(); err == nil {
		t.Error("interval 4 should be rejected")
	}
	f.UpdateIntervalSeconds = 5
	if err := f.Validate(); err != nil {
		t.Errorf("interval 5 should be accepted: %v", err)
	}
}

func TestFlow_StepValidation(t *testing.T) {
	base := Flow{FlowID: "f", StableDeviceID: "s"}
	tests := []struct {
		name string
		step Step
	}{
		{"unknown type", Step{Type: "dance"}},
		{"capture without sensors", Step{Type: StepCaptureSensors}},
		{"execute without action", Step{Type: StepExecuteAction}},
		{"assert_screen without activity", Step{Type: StepAssertScreen}},
		{"assert_element without element", Step{Type: StepAssertElement}},
		{"wait without duration", Step{Type: StepWait}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			f.Steps = []Step{tt.step}
			if err := f.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFlow_StopsOnError(t *testing.T) {
	f := &Flow{}
	if !f.StopsOnError() {
		t.Error("default should stop on error")
	}
	cont := false
	f.StopOnError = &cont
	if f.StopsOnError() {
		t.Error("explicit false should continue")
	}
}

func TestPriority_Rank(t *testing.T) {
	order := []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should outrank %s", order[i], order[i-1])
		}
	}
	if Priority("").Rank() != PriorityNormal.Rank() {
		t.Error("empty priority should rank as normal")
	}
}

func TestQueuedCommand_Expired(t *testing.T) {
	now := time.Now()
	c := &QueuedCommand{ExpiresAt: now}
	if !c.Expired(now) {
		t.Error("expires_at == now must classify as expired")
	}
	if c.Expired(now.Add(-time.Second)) {
		t.Error("not yet expired")
	}
}

func TestNavigationBlock_Bounds(t *testing.T) {
	n := &NavigationBlock{MaxNavigationAttempts: 11}
	if err := n.Validate(); err == nil {
		t.Error("attempts 11 should be rejected")
	}
	n = &NavigationBlock{NavigationTimeoutSeconds: 61}
	if err := n.Validate(); err == nil {
		t.Error("timeout 61 should be rejected")
	}
	n = &NavigationBlock{MaxNavigationAttempts: 10, NavigationTimeoutSeconds: 60}
	if err := n.Validate(); err != nil {
		t.Errorf("upper bounds should be accepted: %v", err)
	}
	if (*NavigationBlock)(nil).Attempts() != 3 {
		t.Error("nil block defaults to 3 attempts")
	}
}

func TestBounds_Center(t *testing.T) {
	b := Bounds{X: 10, Y: 20, W: 100, H: 40}
	if b.CenterX() != 60 || b.CenterY() != 40 {
		t.Errorf("center = (%d,%d), want (60,40)", b.CenterX(), b.CenterY())
	}
}
