package transport

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Runner executes the adb binary. The default runs it locally; the SSH
// bridge runs it on a remote adb host.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// localRunner shells out on the local machine.
type localRunner struct{}

func (localRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ADBTransport drives one device through the adb binary. The connection id is
// whatever `adb -s` accepts: a USB serial or host:port.
type ADBTransport struct {
	connID string
	binary string
	runner Runner
	parser ElementParser
}

// ADBOption customizes an ADBTransport.
type ADBOption func(*ADBTransport)

// WithRunner substitutes the command runner (used by the SSH bridge and by
// tests).
func WithRunner(r Runner) ADBOption {
	return func(t *ADBTransport) { t.runner = r }
}

// WithElementParser installs the UI hierarchy parser used by GetUIElements.
func WithElementParser(p ElementParser) ADBOption {
	return func(t *ADBTransport) { t.parser = p }
}

// WithBinary overrides the adb binary path.
func WithBinary(path string) ADBOption {
	return func(t *ADBTransport) { t.binary = path }
}

// NewADB creates an adb transport bound to connID.
func NewADB(connID string, opts ...ADBOption) *ADBTransport {
	t := &ADBTransport{
		connID: connID,
		binary: "adb",
		runner: localRunner{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ConnectionID returns the bound transport address.
func (t *ADBTransport) ConnectionID() string { return t.connID }

func (t *ADBTransport) adb(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-s", t.connID}, args...)
	out, err := t.runner.Run(ctx, t.binary, full...)
	if err != nil {
		return string(out), util.NewTransportError(t.connID, args[0], err)
	}
	return string(out), nil
}

// Connect establishes the adb session. For TCP endpoints this issues
// `adb connect`; USB serials are already visible to the server.
func (t *ADBTransport) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultConnectTimeout)
	defer cancel()

	if strings.Contains(t.connID, ":") {
		out, err := t.runner.Run(ctx, t.binary, "connect", t.connID)
		if err != nil {
			return util.NewTransportError(t.connID, "connect", err)
		}
		if strings.Contains(string(out), "failed") ||
			strings.Contains(string(out), "unable") {
			return util.NewTransportError(t.connID, "connect",
				fmt.Errorf("%s", strings.TrimSpace(string(out))))
		}
	}
	// A quick state probe confirms the device answers.
	_, err := t.adb(ctx, "get-state")
	return err
}

// Shell runs a shell command on the device.
func (t *ADBTransport) Shell(ctx context.Context, cmd string) (string, error) {
	return t.adb(ctx, "shell", cmd)
}

// Tap injects a tap.
func (t *ADBTransport) Tap(ctx context.Context, x, y int) error {
	_, err := t.adb(ctx, "shell", fmt.Sprintf("input tap %d %d", x, y))
	return err
}

// Swipe injects a swipe gesture.
func (t *ADBTransport) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	_, err := t.adb(ctx, "shell",
		fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
	return err
}

// Keyevent injects a key event.
func (t *ADBTransport) Keyevent(ctx context.Context, code int) error {
	_, err := t.adb(ctx, "shell", fmt.Sprintf("input keyevent %d", code))
	return err
}

// Text types a string. adb's `input text` treats %s and spaces specially.
func (t *ADBTransport) Text(ctx context.Context, s string) error {
	escaped := strings.ReplaceAll(s, " ", "%s")
	_, err := t.adb(ctx, "shell", fmt.Sprintf("input text '%s'", escaped))
	return err
}

// LaunchApp starts the package's launcher activity via monkey.
func (t *ADBTransport) LaunchApp(ctx context.Context, pkg string) error {
	out, err := t.adb(ctx, "shell",
		fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", pkg))
	if err != nil {
		return err
	}
	if strings.Contains(out, "No activities found") {
		return util.NewTransportError(t.connID, "launch_app",
			fmt.Errorf("package %s has no launcher activity", pkg))
	}
	return nil
}

// Screenshot captures the screen as PNG bytes via exec-out screencap.
func (t *ADBTransport) Screenshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultScreenshotTimeout)
	defer cancel()
	out, err := t.runner.Run(ctx, t.binary, "-s", t.connID, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, util.NewTransportError(t.connID, "screenshot", err)
	}
	return out, nil
}

// GetUIElements dumps the UI hierarchy and delegates decoding to the
// configured parser.
func (t *ADBTransport) GetUIElements(ctx context.Context, boundsOnly bool) ([]model.UIElement, error) {
	if t.parser == nil {
		return nil, util.NewTransportError(t.connID, "ui_dump",
			fmt.Errorf("no element parser configured"))
	}
	out, err := t.adb(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, err
	}
	elements, perr := t.parser([]byte(out))
	if perr != nil {
		return nil, util.NewTransportError(t.connID, "ui_dump", perr)
	}
	if boundsOnly {
		for i := range elements {
			elements[i].Text = ""
			elements[i].ContentDesc = ""
		}
	}
	return elements, nil
}

// CurrentActivity returns the focused package and activity from dumpsys.
func (t *ADBTransport) CurrentActivity(ctx context.Context) (string, string, error) {
	out, err := t.adb(ctx, "shell", "dumpsys activity activities | grep -E 'mResumedActivity|topResumedActivity' | head -1")
	if err != nil {
		return "", "", err
	}
	pkg, activity, ok := parseActivityLine(out)
	if !ok {
		return "", "", util.NewTransportError(t.connID, "current_activity",
			fmt.Errorf("unparseable dumpsys output"))
	}
	return pkg, activity, nil
}

// parseActivityLine extracts "pkg" and "activity" from a dumpsys line like
// "  mResumedActivity: ActivityRecord{... u0 com.foo/.MainActivity t12}".
func parseActivityLine(line string) (string, string, bool) {
	fields := strings.Fields(line)
	for _, f := range fields {
		if !strings.Contains(f, "/") {
			continue
		}
		parts := strings.SplitN(f, "/", 2)
		if len(parts) != 2 || !strings.Contains(parts[0], ".") {
			continue
		}
		pkg := parts[0]
		activity := strings.TrimSuffix(parts[1], "}")
		if strings.HasPrefix(activity, ".") {
			activity = pkg + activity
		}
		return pkg, activity, true
	}
	return "", "", false
}

// Close disconnects TCP endpoints. USB sessions are left to the adb server.
func (t *ADBTransport) Close() error {
	if strings.Contains(t.connID, ":") {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultConnectTimeout)
		defer cancel()
		_, _ = t.runner.Run(ctx, t.binary, "disconnect", t.connID)
	}
	return nil
}
