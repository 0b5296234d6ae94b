package settings

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettings_Defaults(t *testing.T) {
	s := &Settings{}

	if got := s.GetServerURL(); got != "http://localhost:8090" {
		t.Errorf("GetServerURL() default = %q, want %q", got, "http://localhost:8090")
	}
	if s.DefaultDevice != "" {
		t.Errorf("DefaultDevice should be empty, got %q", s.DefaultDevice)
	}
}

func TestSettings_SettersGetters(t *testing.T) {
	s := &Settings{}

	s.SetServerURL("http://pi.lan:8090")
	if s.GetServerURL() != "http://pi.lan:8090" {
		t.Errorf("SetServerURL() failed, got %q", s.GetServerURL())
	}

	s.SetDevice("R9YT50J4S9D")
	if s.DefaultDevice != "R9YT50J4S9D" {
		t.Errorf("SetDevice() failed, got %q", s.DefaultDevice)
	}

	s.SetBrokerAuth("droid", "hunter2")
	if s.BrokerUsername != "droid" || s.BrokerPassword != "hunter2" {
		t.Errorf("SetBrokerAuth() failed, got %q/%q", s.BrokerUsername, s.BrokerPassword)
	}

	s.Clear()
	if s.ServerURL != "" || s.BrokerPassword != "" {
		t.Errorf("Clear() left values: %+v", s)
	}
}

func TestSettings_SaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.json")

	s := &Settings{}
	s.SetServerURL("http://pi.lan:8090")
	s.SetDevice("R9YT50J4S9D")
	s.SetBrokerAuth("droid", "hunter2")
	if err := s.SaveTo(path); err != nil {
		t.Fatalf("SaveTo() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("settings file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if loaded.ServerURL != s.ServerURL || loaded.DefaultDevice != s.DefaultDevice ||
		loaded.BrokerPassword != s.BrokerPassword {
		t.Errorf("roundtrip mismatch: %+v", loaded)
	}
}

func TestSettings_LoadMissingFile(t *testing.T) {
	loaded, err := LoadFrom(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if loaded.ServerURL != "" {
		t.Errorf("missing file should load empty settings, got %+v", loaded)
	}
}
