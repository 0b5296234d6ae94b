// Package transport defines the DeviceTransport boundary the core executes
// against, plus the adb and SSH-bridge implementations. The core never
// depends on a concrete transport.
package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Default operation timeouts. All overridable via config.
const (
	DefaultShellTimeout      = 30 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultScreenshotTimeout = 3 * time.Second
	DefaultHealthTimeout     = 5 * time.Second
)

// DeviceTransport is the narrow interface the flow executor and connection
// monitor drive a device through. Implementations are safe for use from a
// single device worker; cross-device concurrency is the scheduler's problem.
type DeviceTransport interface {
	// Connect establishes the transport session.
	Connect(ctx context.Context) error

	// Shell runs a shell command on the device and returns combined output.
	Shell(ctx context.Context, cmd string) (string, error)

	// Tap injects a tap at screen coordinates.
	Tap(ctx context.Context, x, y int) error

	// Swipe injects a swipe gesture.
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error

	// Keyevent injects a key event by Android keycode.
	Keyevent(ctx context.Context, code int) error

	// Text types a string into the focused input.
	Text(ctx context.Context, s string) error

	// LaunchApp starts the package's launcher activity.
	LaunchApp(ctx context.Context, pkg string) error

	// Screenshot captures the screen as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	// GetUIElements returns the parsed UI hierarchy. With boundsOnly set,
	// implementations may omit text attributes for speed.
	GetUIElements(ctx context.Context, boundsOnly bool) ([]model.UIElement, error)

	// CurrentActivity returns the focused package and activity.
	CurrentActivity(ctx context.Context) (pkg, activity string, err error)

	// ConnectionID returns the transport address this session is bound to.
	ConnectionID() string

	// Close tears the session down.
	Close() error
}

// ElementParser turns a raw UI hierarchy dump into element records. Decoding
// is outside the core; callers plug in a parser when constructing a
// transport.
type ElementParser func(raw []byte) ([]model.UIElement, error)

// HealthCheck sends a trivial no-op shell command with a hard timeout. Any
// non-clean response counts as a failure, including a shell that answers
// with something other than the echoed token.
func HealthCheck(ctx context.Context, t DeviceTransport, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := t.Shell(ctx, "echo droidsense")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "droidsense" {
		return util.NewTransportError(t.ConnectionID(), "health",
			fmt.Errorf("unexpected response %q: %w", strings.TrimSpace(out), util.ErrTransport))
	}
	return nil
}
