// Package testutil holds the shared fakes used by package tests: an
// in-memory device transport and a recording broker publisher.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

// FakeTransport is an in-memory DeviceTransport. Tests preload UI elements
// and the foreground activity, then assert on the recorded call log.
type FakeTransport struct {
	mu sync.Mutex

	// Preloaded device state.
	Elements []model.UIElement
	Package  string
	Activity string
	PNG      []byte
	ConnID   string

	// Errors injected per operation name ("tap", "shell", ...).
	Errs map[string]error

	// Calls records every invocation as "op arg1 arg2".
	Calls []string
}

// NewFakeTransport returns a transport bound to a fixed connection id.
func NewFakeTransport(connID string) *FakeTransport {
	return &FakeTransport{
		ConnID: connID,
		Errs:   make(map[string]error),
		PNG:    []byte("png"),
	}
}

func (f *FakeTransport) record(op string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := op
	for _, a := range args {
		call += fmt.Sprintf(" %v", a)
	}
	f.Calls = append(f.Calls, call)
	return f.Errs[op]
}

// CallLog returns a copy of the recorded calls.
func (f *FakeTransport) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// CallCount counts recorded calls for one operation.
func (f *FakeTransport) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

// SetScreen swaps the fake's current activity and elements.
func (f *FakeTransport) SetScreen(activity string, elements []model.UIElement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Activity = activity
	f.Elements = elements
}

func (f *FakeTransport) Connect(ctx context.Context) error {
	return f.record("connect")
}

func (f *FakeTransport) Shell(ctx context.Context, cmd string) (string, error) {
	if err := f.record("shell", cmd); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// A real shell echoes its argument; health checks depend on that.
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return rest + "\n", nil
	}
	return "ok", nil
}

func (f *FakeTransport) Tap(ctx context.Context, x, y int) error {
	return f.record("tap", x, y)
}

func (f *FakeTransport) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return f.record("swipe", x1, y1, x2, y2, durationMs)
}

func (f *FakeTransport) Keyevent(ctx context.Context, code int) error {
	return f.record("keyevent", code)
}

func (f *FakeTransport) Text(ctx context.Context, s string) error {
	return f.record("text", s)
}

func (f *FakeTransport) LaunchApp(ctx context.Context, pkg string) error {
	if err := f.record("launch", pkg); err != nil {
		return err
	}
	f.mu.Lock()
	f.Package = pkg
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Screenshot(ctx context.Context) ([]byte, error) {
	if err := f.record("screenshot"); err != nil {
		return nil, err
	}
	return f.PNG, nil
}

func (f *FakeTransport) GetUIElements(ctx context.Context, boundsOnly bool) ([]model.UIElement, error) {
	if err := f.record("elements"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.UIElement(nil), f.Elements...), nil
}

func (f *FakeTransport) CurrentActivity(ctx context.Context) (string, string, error) {
	if err := f.record("activity"); err != nil {
		return "", "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Package, f.Activity, nil
}

func (f *FakeTransport) ConnectionID() string { return f.ConnID }

func (f *FakeTransport) Close() error { return f.record("close") }
