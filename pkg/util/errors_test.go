package util

import (
	"errors"
	"testing"
)

func TestTransportError_Unwrap(t *testing.T) {
	err := NewTransportError("R9YT50J4S9D", "tap", errors.New("broken pipe"))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("expected errors.Is(err, ErrTransport)")
	}
	want := "transport tap on R9YT50J4S9D: broken pipe"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestOfflineError(t *testing.T) {
	tests := []struct {
		name     string
		deferred bool
		want     string
	}{
		{"deferred", true, "device S1 offline, command queued for replay"},
		{"immediate", false, "device S1 offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewOfflineError("S1", tt.deferred)
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
			if !errors.Is(err, ErrDeviceOffline) {
				t.Errorf("expected errors.Is(err, ErrDeviceOffline)")
			}
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("flow", "f1")
	if err.Error() != "flow 'f1' not found" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected errors.Is(err, ErrNotFound)")
	}
}

func TestValidationBuilder(t *testing.T) {
	var v ValidationBuilder
	v.Add(true, "should not appear")
	v.Add(false, "interval too small")
	v.AddErrorf("macro has %d children, max %d", 51, 50)

	if !v.HasErrors() {
		t.Fatal("expected errors")
	}
	err := v.Build()
	if err == nil {
		t.Fatal("Build() = nil")
	}
	if !errors.Is(err, ErrValidationFailed) {
		t.Errorf("expected errors.Is(err, ErrValidationFailed)")
	}
	ve := err.(*ValidationError)
	if len(ve.Errors) != 2 {
		t.Errorf("Errors count = %d, want 2", len(ve.Errors))
	}
}

func TestValidationBuilder_Empty(t *testing.T) {
	var v ValidationBuilder
	if v.Build() != nil {
		t.Error("empty builder should build nil")
	}
}
