package identity

import (
	"os"
	"path/filepath"
	"testing"
)

const (
	serial = "R9YT50J4S9D"
	connA  = "192.168.1.2:46747"
	connB  = "192.168.1.2:58001"
)

func TestRegister_NewAndRebinding(t *testing.T) {
	r := NewResolver(t.TempDir())

	res := r.Register(connA, serial, Metadata{Model: "SM-G991B"})
	if !res.IsNew || res.Rebinding {
		t.Errorf("first register = %+v, want new, no rebinding", res)
	}

	res = r.Register(connA, serial, Metadata{})
	if res.IsNew || res.Rebinding {
		t.Errorf("same connection = %+v, want neither", res)
	}

	res = r.Register(connB, serial, Metadata{})
	if res.IsNew || !res.Rebinding {
		t.Errorf("new connection = %+v, want rebinding", res)
	}
	if res.PreviousConnection != connA {
		t.Errorf("previous = %q, want %q", res.PreviousConnection, connA)
	}

	// Old connection no longer resolves after rebinding removes it.
	if _, ok := r.GetStable(connA); ok {
		t.Error("stale connection should be unbound")
	}
	if conn, _ := r.GetConnection(serial); conn != connB {
		t.Errorf("GetConnection = %q, want %q", conn, connB)
	}
}

func TestResolve_RoundTripAndIdempotence(t *testing.T) {
	r := NewResolver(t.TempDir())
	r.Register(connA, serial, Metadata{})

	if got := r.Resolve(connA); got != serial {
		t.Errorf("Resolve(conn) = %q, want %q", got, serial)
	}
	if got := r.Resolve(serial); got != serial {
		t.Errorf("Resolve(stable) = %q, want %q", got, serial)
	}
	// Idempotence: Resolve(Resolve(x)) == Resolve(x)
	for _, id := range []string{connA, serial, "unknown-id"} {
		once := r.Resolve(id)
		if twice := r.Resolve(once); twice != once {
			t.Errorf("Resolve not idempotent for %q: %q then %q", id, once, twice)
		}
	}
}

func TestResolve_UnknownVerbatim(t *testing.T) {
	r := NewResolver(t.TempDir())
	if got := r.Resolve("10.0.0.9:5555"); got != "10.0.0.9:5555" {
		t.Errorf("unknown id = %q, want verbatim", got)
	}
}

func TestRegisterLegacy(t *testing.T) {
	r := NewResolver(t.TempDir())
	r.Register(connA, serial, Metadata{})
	r.RegisterLegacy("android_device_7", serial)

	if got := r.Resolve("android_device_7"); got != serial {
		t.Errorf("legacy resolve = %q, want %q", got, serial)
	}
}

func TestConnectionHistoryBounded(t *testing.T) {
	r := NewResolver(t.TempDir())
	for i := 0; i < 15; i++ {
		r.Register(string(rune('a'+i))+":5555", serial, Metadata{})
	}
	dev, ok := r.GetDevice(serial)
	if !ok {
		t.Fatal("device not found")
	}
	if len(dev.ConnectionHistory) != 10 {
		t.Errorf("history length = %d, want 10", len(dev.ConnectionHistory))
	}
	// Most recent connection kept.
	last := dev.ConnectionHistory[len(dev.ConnectionHistory)-1]
	if last != "o:5555" {
		t.Errorf("last history entry = %q", last)
	}
}

func TestSanitize(t *testing.T) {
	r := NewResolver(t.TempDir())
	r.Register(connA, serial, Metadata{})

	// Connection id resolves to stable before sanitizing.
	if got := r.SanitizeForFilename(connA); got != serial {
		t.Errorf("SanitizeForFilename = %q, want %q", got, serial)
	}
	if got := r.SanitizeForTopic("weird id:1"); got != "weird_id_1" {
		t.Errorf("SanitizeForTopic = %q", got)
	}
}

func TestForget(t *testing.T) {
	r := NewResolver(t.TempDir())
	r.Register(connA, serial, Metadata{})
	r.RegisterLegacy("old_alias", serial)

	r.Forget(connA) // either face works

	if _, ok := r.GetDevice(serial); ok {
		t.Error("device should be forgotten")
	}
	if got := r.Resolve(connA); got != connA {
		t.Errorf("Resolve after forget = %q, want verbatim", got)
	}
	if got := r.Resolve("old_alias"); got != "old_alias" {
		t.Errorf("legacy after forget = %q, want verbatim", got)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir)
	r.Register(connA, serial, Metadata{Model: "Pixel 7", Manufacturer: "Google"})
	r.RegisterLegacy("alias", serial)

	// A fresh resolver over the same dir sees the same state.
	r2 := NewResolver(dir)
	if got := r2.Resolve(connA); got != serial {
		t.Errorf("reloaded Resolve = %q, want %q", got, serial)
	}
	dev, ok := r2.GetDevice(serial)
	if !ok || dev.Model != "Pixel 7" {
		t.Errorf("reloaded device = %+v", dev)
	}
	if got := r2.Resolve("alias"); got != serial {
		t.Errorf("reloaded legacy = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, MapFileName)); err != nil {
		t.Errorf("map file missing: %v", err)
	}
}
