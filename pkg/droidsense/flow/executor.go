// Package flow contains the flow interpreter and the per-device scheduler.
// The executor walks a flow's steps in order against one device transport;
// the scheduler guarantees at most one flow runs per device and drains each
// device's priority queue with a dedicated worker.
package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/broker"
	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/element"
	"github.com/droidsense/droidsense/pkg/droidsense/extract"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
	"github.com/droidsense/droidsense/pkg/droidsense/transport"
	"github.com/droidsense/droidsense/pkg/util"
)

// Android keycodes the interpreter injects directly.
const (
	keycodeHome = 3
	keycodeBack = 4
)

// commandPriorityHigh is the queue priority for launches deferred while the
// device is offline.
const commandPriorityHigh = 2

// Executor defaults.
const (
	DefaultWaitCap      = 30 * time.Second
	DefaultLaunchSettle = 2 * time.Second
)

// Executor interprets one device's flows. All dependencies are injected at
// construction; the executor itself is stateless between runs.
type Executor struct {
	Transport transport.DeviceTransport
	Resolver  *identity.Resolver
	Sensors   *store.SensorStore
	Actions   *store.ActionStore
	History   *store.HistoryStore
	Broker    broker.Publisher
	Queue     *cmdqueue.Queue

	// WaitCap bounds a single wait step. LaunchSettle is how long a
	// launched app is given to surface.
	WaitCap      time.Duration
	LaunchSettle time.Duration
}

func (e *Executor) waitCap() time.Duration {
	if e.WaitCap > 0 {
		return e.WaitCap
	}
	return DefaultWaitCap
}

func (e *Executor) launchSettle() time.Duration {
	if e.LaunchSettle > 0 {
		return e.LaunchSettle
	}
	return DefaultLaunchSettle
}

// Execute runs the flow to completion and returns the terminal result. A
// cancelled context lets the current step finish, then skips the rest and
// reports Cancelled. The result is appended to the flow history when a
// history store is wired.
func (e *Executor) Execute(ctx context.Context, f *model.Flow) *model.FlowExecutionResult {
	sess := newSession()
	started := time.Now()
	result := &model.FlowExecutionResult{
		FlowID:         f.FlowID,
		ExecutionID:    sess.executionID,
		StableDeviceID: f.StableDeviceID,
		TotalSteps:     len(f.Steps),
		StartedAt:      started,
	}
	log := util.WithFlow(f.FlowID).WithField("execution", sess.executionID)
	log.Infof("Executing flow %q (%d steps)", f.Name, len(f.Steps))

	var terminal error
	if f.Navigation != nil {
		if err := e.runNavigation(ctx, sess, f.StableDeviceID, f.Navigation); err != nil {
			terminal = err
		}
	}

	if terminal == nil {
		for i, step := range f.Steps {
			if err := ctx.Err(); err != nil {
				terminal = fmt.Errorf("flow %s: %w", f.FlowID, util.ErrCancelled)
				break
			}
			stepLog := e.runStep(ctx, sess, f, i, step)
			result.StepLogs = append(result.StepLogs, stepLog)
			result.ExecutedSteps++
			if !stepLog.Success {
				log.Warnf("Step %d (%s) failed: %s", i, step.Type, stepLog.Error)
				if f.StopsOnError() {
					terminal = fmt.Errorf("step %d (%s): %s", i, step.Type, stepLog.Error)
					break
				}
			}
		}
	}

	if f.Navigation != nil && f.Navigation.ReturnHomeAfter {
		if err := e.Transport.Keyevent(ctx, keycodeHome); err != nil {
			log.Debugf("Return home failed: %v", err)
		}
	}

	result.ExecutionTimeMs = time.Since(started).Milliseconds()
	result.Success = terminal == nil
	if terminal != nil {
		result.ErrorMessage = terminal.Error()
	}
	if e.History != nil {
		e.History.Append(*result)
	}
	log.Infof("Flow finished: success=%v steps=%d/%d in %dms",
		result.Success, result.ExecutedSteps, result.TotalSteps, result.ExecutionTimeMs)
	return result
}

// runStep executes one step and records its outcome.
func (e *Executor) runStep(ctx context.Context, sess *session, f *model.Flow, index int, step model.Step) model.FlowStepLog {
	stepLog := model.FlowStepLog{
		Index:     index,
		Type:      step.Type,
		Name:      step.Name,
		StartedAt: time.Now(),
	}

	details, err := e.dispatch(ctx, sess, f, step)
	stepLog.FinishedAt = time.Now()
	stepLog.DurationMs = stepLog.FinishedAt.Sub(stepLog.StartedAt).Milliseconds()
	stepLog.Details = details
	if err != nil {
		stepLog.Error = err.Error()
	} else {
		stepLog.Success = true
	}
	return stepLog
}

func (e *Executor) dispatch(ctx context.Context, sess *session, f *model.Flow, step model.Step) (string, error) {
	switch step.Type {
	case model.StepLaunchApp:
		return "", e.launchApp(ctx, sess, f.StableDeviceID, step.Package)
	case model.StepTap:
		return e.tap(ctx, step)
	case model.StepSwipe:
		return "", e.Transport.Swipe(ctx, step.X, step.Y, step.X2, step.Y2, step.DurationMs)
	case model.StepKeyevent:
		return "", e.Transport.Keyevent(ctx, step.Keycode)
	case model.StepText:
		return "", e.Transport.Text(ctx, step.Text)
	case model.StepGoBack:
		return "", e.Transport.Keyevent(ctx, keycodeBack)
	case model.StepGoHome:
		sess.navigatedApp = ""
		return "", e.Transport.Keyevent(ctx, keycodeHome)
	case model.StepWait:
		return "", e.wait(ctx, time.Duration(step.WaitMs)*time.Millisecond)
	case model.StepCaptureSensors:
		return e.captureSensors(ctx, sess, f.StableDeviceID, step.SensorIDs)
	case model.StepExecuteAction:
		return "", e.executeActionByID(ctx, sess, f.StableDeviceID, step.ActionID, f.Navigation)
	case model.StepAssertScreen:
		return "", e.assertScreen(ctx, f.Navigation, step.Activity)
	case model.StepAssertElement:
		return "", e.assertElement(ctx, f.Navigation, *step.Element)
	default:
		return "", fmt.Errorf("step type %q: %w", step.Type, util.ErrInternal)
	}
}

// launchApp fails fast when the device is known offline, deferring the
// launch onto the durable queue at high priority.
func (e *Executor) launchApp(ctx context.Context, sess *session, stableID, pkg string) error {
	if dev, ok := e.Resolver.GetDevice(stableID); ok && dev.State == model.DeviceOffline {
		if e.Queue != nil {
			if _, err := e.Queue.Enqueue(stableID, model.CommandLaunchApp,
				map[string]string{"package": pkg}, commandPriorityHigh, 0); err != nil {
				util.WithDevice(stableID).Warnf("Failed to defer launch: %v", err)
			}
		}
		return util.NewOfflineError(stableID, true)
	}
	if err := e.Transport.LaunchApp(ctx, pkg); err != nil {
		return err
	}
	sess.navigatedApp = pkg
	return e.wait(ctx, e.launchSettle())
}

// tap re-resolves the target element through the finder when one is stored,
// falling back to the recorded coordinates.
func (e *Executor) tap(ctx context.Context, step model.Step) (string, error) {
	if step.TargetElement == nil {
		return "", e.Transport.Tap(ctx, step.X, step.Y)
	}
	elements, err := e.Transport.GetUIElements(ctx, false)
	if err != nil {
		return "", err
	}
	m := element.Find(*step.TargetElement, elements)
	if !m.Found {
		return "", fmt.Errorf("tap target: %w", util.ErrElementNotFound)
	}
	details := fmt.Sprintf("resolved via %s (%.2f)", m.Method, m.Confidence)
	return details, e.Transport.Tap(ctx, m.Bounds.CenterX(), m.Bounds.CenterY())
}

// wait suspends for d, observing cancellation and the process cap.
func (e *Executor) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if limit := e.waitCap(); d > limit {
		d = limit
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return util.ErrCancelled
	case <-timer.C:
		return nil
	}
}

// captureSensors acquires one screenshot and one UI dump, then resolves,
// extracts, and publishes each requested sensor. Values already captured in
// this session are reused. One failing sensor does not stop the others.
func (e *Executor) captureSensors(ctx context.Context, sess *session, stableID string, sensorIDs []string) (string, error) {
	if _, err := e.Transport.Screenshot(ctx); err != nil {
		util.WithDevice(stableID).Debugf("Screenshot failed: %v", err)
	}
	elements, err := e.Transport.GetUIElements(ctx, false)
	if err != nil {
		return "", err
	}

	captured := 0
	var failures []string
	var firstErr error
	for _, id := range sensorIDs {
		if _, ok := sess.sensorValues[id]; ok {
			captured++
			continue
		}
		value, err := e.captureOne(stableID, id, elements)
		if err != nil {
			failures = append(failures, id)
			if firstErr == nil {
				firstErr = err
			}
			util.WithSensor(id).Warnf("Capture failed: %v", err)
			continue
		}
		sess.sensorValues[id] = value
		captured++
	}

	details := fmt.Sprintf("captured %d/%d sensors", captured, len(sensorIDs))
	if len(failures) > 0 {
		return details, fmt.Errorf("sensors %s: %w", strings.Join(failures, ","), firstErr)
	}
	return details, nil
}

func (e *Executor) captureOne(stableID, sensorID string, elements []model.UIElement) (string, error) {
	sensor, err := e.Sensors.Get(stableID, sensorID)
	if err != nil {
		return "", err
	}
	m := element.Find(sensor.Source, elements)
	if !m.Found || m.Element == nil {
		return "", fmt.Errorf("sensor %s source: %w", sensorID, util.ErrElementNotFound)
	}
	value, err := extract.Apply(sensor.Extraction, m.Element.Text)
	if err != nil {
		return "", err
	}
	attrs := map[string]string{
		"match_method":     m.Method,
		"match_confidence": fmt.Sprintf("%.2f", m.Confidence),
	}
	if err := e.Broker.PublishSensorUpdate(sensor, value, attrs); err != nil {
		util.WithSensor(sensorID).Warnf("Publish failed: %v", err)
	}
	return value, nil
}

// executeActionByID looks the action up and runs it, honoring its navigation
// block. Navigation is skipped when the flow already stands on the expected
// screen, checked once via the validation element.
func (e *Executor) executeActionByID(ctx context.Context, sess *session, stableID, actionID string, flowNav *model.NavigationBlock) error {
	action, err := e.Actions.Get(stableID, actionID)
	if err != nil {
		return err
	}
	if action.Navigation != nil && !e.alreadyThere(ctx, action.Navigation) {
		if err := e.runNavigation(ctx, sess, stableID, action.Navigation); err != nil {
			e.Actions.RecordExecution(stableID, actionID, "failure")
			return err
		}
	}
	err = e.runAction(ctx, sess, stableID, action)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	e.Actions.RecordExecution(stableID, actionID, outcome)
	return err
}

// alreadyThere is the single-shot check for an action whose screen the flow
// may have already reached.
func (e *Executor) alreadyThere(ctx context.Context, nav *model.NavigationBlock) bool {
	if nav.ValidationElement == nil {
		return false
	}
	elements, err := e.Transport.GetUIElements(ctx, false)
	if err != nil {
		return false
	}
	return element.Find(*nav.ValidationElement, elements).Found
}

func (e *Executor) runAction(ctx context.Context, sess *session, stableID string, action *model.Action) error {
	if action.Kind != model.ActionMacro {
		return e.runActionParams(ctx, sess, stableID, action.Kind, action.Params)
	}
	for i, child := range action.Children {
		if err := ctx.Err(); err != nil {
			return util.ErrCancelled
		}
		if err := e.runActionParams(ctx, sess, stableID, child.Kind, child.Params); err != nil {
			if action.StopOnError {
				return fmt.Errorf("macro child %d: %w", i, err)
			}
			util.WithDevice(stableID).Warnf("Macro child %d failed, continuing: %v", i, err)
		}
	}
	return nil
}

func (e *Executor) runActionParams(ctx context.Context, sess *session, stableID string, kind model.ActionKind, p model.ActionParams) error {
	switch kind {
	case model.ActionTap:
		return e.Transport.Tap(ctx, p.X, p.Y)
	case model.ActionSwipe:
		return e.Transport.Swipe(ctx, p.X, p.Y, p.X2, p.Y2, p.DurationMs)
	case model.ActionText:
		return e.Transport.Text(ctx, p.Text)
	case model.ActionKeyevent:
		return e.Transport.Keyevent(ctx, p.Keycode)
	case model.ActionLaunchApp:
		return e.launchApp(ctx, sess, stableID, p.Package)
	case model.ActionDelay:
		return e.wait(ctx, time.Duration(p.DelayMs)*time.Millisecond)
	default:
		return fmt.Errorf("action kind %q: %w", kind, util.ErrInternal)
	}
}

// assertScreen polls the foreground activity until it matches or attempts
// are exhausted.
func (e *Executor) assertScreen(ctx context.Context, nav *model.NavigationBlock, wantActivity string) error {
	attempts := nav.Attempts()
	interval := time.Duration(nav.TimeoutSeconds()) * time.Second / time.Duration(attempts)
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return util.ErrCancelled
		}
		_, activity, err := e.Transport.CurrentActivity(ctx)
		if err == nil && (activity == wantActivity || strings.HasSuffix(activity, wantActivity)) {
			return nil
		}
		if attempt < attempts-1 {
			if err := e.wait(ctx, interval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("activity %q not reached: %w", wantActivity, util.ErrScreenMismatch)
}

// assertElement polls the UI dump until the element resolves or attempts are
// exhausted.
func (e *Executor) assertElement(ctx context.Context, nav *model.NavigationBlock, ref model.ElementRef) error {
	attempts := nav.Attempts()
	interval := time.Duration(nav.TimeoutSeconds()) * time.Second / time.Duration(attempts)
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return util.ErrCancelled
		}
		elements, err := e.Transport.GetUIElements(ctx, false)
		if err == nil && element.Find(ref, elements).Found {
			return nil
		}
		if attempt < attempts-1 {
			if err := e.wait(ctx, interval); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("asserted element: %w", util.ErrElementNotFound)
}

// runNavigation walks a navigation block: launch the target app, run the
// prerequisite actions, replay the recorded sequence, then validate. Each
// retry starts from the home screen with a fresh launch.
func (e *Executor) runNavigation(ctx context.Context, sess *session, stableID string, nav *model.NavigationBlock) error {
	attempts := nav.Attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return util.ErrCancelled
		}
		if attempt > 0 {
			if err := e.Transport.Keyevent(ctx, keycodeHome); err != nil {
				lastErr = err
				continue
			}
			sess.navigatedApp = ""
		}
		if err := e.navigateOnce(ctx, sess, stableID, nav); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("navigation failed after %d attempts: %w (last: %v)",
		attempts, util.ErrNavigationFailed, lastErr)
}

func (e *Executor) navigateOnce(ctx context.Context, sess *session, stableID string, nav *model.NavigationBlock) error {
	if nav.TargetApp != "" && sess.navigatedApp != nav.TargetApp {
		if err := e.launchApp(ctx, sess, stableID, nav.TargetApp); err != nil {
			return err
		}
	}
	for _, id := range nav.PrerequisiteActionIDs {
		action, err := e.Actions.Get(stableID, id)
		if err != nil {
			return err
		}
		if err := e.runAction(ctx, sess, stableID, action); err != nil {
			return err
		}
	}
	for i, step := range nav.NavigationSequence {
		if err := e.runNavStep(ctx, step); err != nil {
			return fmt.Errorf("navigation step %d: %w", i, err)
		}
	}
	if nav.ValidationElement != nil {
		elements, err := e.Transport.GetUIElements(ctx, false)
		if err != nil {
			return err
		}
		if !element.Find(*nav.ValidationElement, elements).Found {
			return fmt.Errorf("validation element: %w", util.ErrScreenMismatch)
		}
	}
	return nil
}

func (e *Executor) runNavStep(ctx context.Context, step model.NavStep) error {
	switch step.Type {
	case "tap":
		return e.Transport.Tap(ctx, step.X, step.Y)
	case "swipe":
		return e.Transport.Swipe(ctx, step.X, step.Y, step.X2, step.Y2, step.DurationMs)
	case "keyevent":
		return e.Transport.Keyevent(ctx, step.Keycode)
	case "text":
		return e.Transport.Text(ctx, step.Text)
	case "wait":
		return e.wait(ctx, time.Duration(step.WaitMs)*time.Millisecond)
	default:
		return fmt.Errorf("navigation step type %q: %w", step.Type, util.ErrInternal)
	}
}
