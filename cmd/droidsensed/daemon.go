package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/droidsense/droidsense/pkg/audit"
	"github.com/droidsense/droidsense/pkg/droidsense/api"
	"github.com/droidsense/droidsense/pkg/droidsense/broker"
	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/config"
	"github.com/droidsense/droidsense/pkg/droidsense/flow"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/monitor"
	"github.com/droidsense/droidsense/pkg/droidsense/navigation"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
	"github.com/droidsense/droidsense/pkg/droidsense/transport"
	"github.com/droidsense/droidsense/pkg/util"
)

// daemon owns every long-lived component and their shutdown order.
type daemon struct {
	cfg      *config.Config
	resolver *identity.Resolver
	queue    *cmdqueue.Queue
	pub      broker.Publisher
	sensors  *store.SensorStore
	actions  *store.ActionStore
	flows    *store.FlowStore
	history  *store.HistoryStore
	navman   *navigation.Manager
	sched    *flow.Scheduler
	perf     *monitor.PerformanceMonitor
	conmon   *monitor.ConnectionMonitor
	server   *api.Server
	auditLog *audit.FileLogger

	mu         sync.RWMutex
	transports map[string]transport.DeviceTransport // stable id -> transport
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	d := &daemon{
		cfg:        cfg,
		transports: make(map[string]transport.DeviceTransport),
	}
	d.resolver = identity.NewResolver(cfg.DataDir)
	d.sensors = store.NewSensorStore(cfg.DataDir, d.resolver)
	d.actions = store.NewActionStore(cfg.DataDir, d.resolver)
	d.flows = store.NewFlowStore(cfg.DataDir, d.resolver)
	d.history = store.NewHistoryStore(cfg.DataDir)
	d.navman = navigation.NewManager(cfg.DataDir)

	queue, err := cmdqueue.Open(filepath.Join(cfg.DataDir, "command_queue.db"))
	if err != nil {
		return nil, fmt.Errorf("opening command queue: %w", err)
	}
	d.queue = queue

	d.pub, err = d.openBroker()
	if err != nil {
		return nil, err
	}

	d.auditLog, err = audit.NewFileLogger(filepath.Join(cfg.DataDir, "audit.log"),
		audit.RotationConfig{MaxSize: 10 << 20, MaxBackups: 5})
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	audit.SetDefaultLogger(d.auditLog)

	d.sched = flow.NewScheduler(d.runnerFor, cfg.MaxQueueDepth)
	d.perf = monitor.NewPerformanceMonitor(d.sched.GetQueueDepth, d.pub)
	d.sched.OnResult(d.recordResult)

	d.conmon = monitor.NewConnectionMonitor(d.resolver, d.queue, d.pub,
		d.transportFor, d.replayCommand, d.sched, monitor.MonitorConfig{
			ProbeInterval: cfg.ProbeInterval(),
			HealthTimeout: cfg.HealthTimeout(),
			Rediscover:    d.discoverAll,
		})

	d.server = api.NewServer(d.resolver, d.sensors, d.actions, d.flows,
		d.history, d.queue, d.sched, d.perf, api.Options{
			RateLimit: cfg.API.RateLimit,
			Commander: d,
		})
	return d, nil
}

// Tap satisfies api.DeviceCommander. The device lock keeps direct taps from
// interleaving with a running flow.
func (d *daemon) Tap(ctx context.Context, anyID string, x, y int) error {
	stable := d.resolver.Resolve(anyID)
	t, ok := d.transportFor(stable)
	if !ok {
		return util.NewOfflineError(stable, false)
	}
	lock := d.sched.DeviceLock(stable)
	lock.Lock()
	defer lock.Unlock()
	return t.Tap(ctx, x, y)
}

// Screenshot satisfies api.DeviceCommander.
func (d *daemon) Screenshot(ctx context.Context, anyID string) ([]byte, error) {
	stable := d.resolver.Resolve(anyID)
	t, ok := d.transportFor(stable)
	if !ok {
		return nil, util.NewOfflineError(stable, false)
	}
	lock := d.sched.DeviceLock(stable)
	lock.Lock()
	defer lock.Unlock()
	return t.Screenshot(ctx)
}

func (d *daemon) openBroker() (broker.Publisher, error) {
	switch d.cfg.Broker.Kind {
	case "amqp":
		pub, err := broker.NewRabbitPublisher(d.cfg.Broker.URL())
		if err != nil {
			return nil, fmt.Errorf("connecting to AMQP broker: %w", err)
		}
		return pub, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pub, err := broker.NewRedisPublisher(ctx, d.cfg.Broker.URL(), d.cfg.Broker.Password, 0)
		if err != nil {
			return nil, fmt.Errorf("connecting to Redis broker: %w", err)
		}
		return pub, nil
	default:
		util.Info("No broker configured, publishing disabled")
		return broker.Nop{}, nil
	}
}

// run starts every worker and blocks until SIGINT/SIGTERM.
func (d *daemon) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	util.Infof("droidsensed starting (data dir %s)", d.cfg.DataDir)
	d.discoverAll(ctx)

	go d.conmon.Run(ctx)

	ticker := flow.NewIntervalTicker(d.flows, d.resolver, d.sched)
	go ticker.Run(ctx)

	go d.cleanupLoop(ctx)

	go func() {
		if err := d.server.Start(d.cfg.API.Listen); err != nil {
			util.Errorf("API server: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	util.Info("Shutting down")
	return d.shutdown()
}

func (d *daemon) shutdown() error {
	d.sched.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		util.Warnf("API shutdown: %v", err)
	}
	if err := d.queue.Close(); err != nil {
		util.Warnf("Queue close: %v", err)
	}
	if err := d.pub.Close(); err != nil {
		util.Warnf("Broker close: %v", err)
	}
	audit.SetDefaultLogger(nil)
	if err := d.auditLog.Close(); err != nil {
		util.Warnf("Audit log close: %v", err)
	}
	d.mu.Lock()
	for id, t := range d.transports {
		if err := t.Close(); err != nil {
			util.WithDevice(id).Debugf("Transport close: %v", err)
		}
	}
	d.mu.Unlock()
	return nil
}

// cleanupLoop prunes terminal commands from the durable queue once an hour.
func (d *daemon) cleanupLoop(ctx context.Context) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := d.queue.CleanupOld(d.cfg.QueueCleanupAge())
			if err != nil {
				util.Warnf("Queue cleanup: %v", err)
			} else if n > 0 {
				util.Debugf("Pruned %d finished commands", n)
			}
		}
	}
}

// discoverAll binds a transport to every configured device that is not bound
// yet. Reads the hardware serial off the device so all artifacts key by it.
// Also serves as the connection monitor's rediscovery hook.
func (d *daemon) discoverAll(ctx context.Context) {
	for _, devCfg := range d.cfg.Devices {
		if d.bound(devCfg.Connection) {
			continue
		}
		if err := d.discover(ctx, devCfg); err != nil {
			util.Warnf("Device %s not reachable: %v", devCfg.Connection, err)
		}
	}
}

func (d *daemon) bound(connID string) bool {
	stable := d.resolver.Resolve(connID)
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.transports[stable]
	return ok
}

func (d *daemon) discover(ctx context.Context, devCfg config.Device) error {
	t, err := d.buildTransport(devCfg)
	if err != nil {
		return err
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}

	serial, err := getprop(ctx, t, "ro.serialno")
	if err != nil || serial == "" {
		return fmt.Errorf("reading serial: %w", err)
	}
	modelName, _ := getprop(ctx, t, "ro.product.model")
	manufacturer, _ := getprop(ctx, t, "ro.product.manufacturer")

	result := d.resolver.Register(devCfg.Connection, serial, identity.Metadata{
		Model:        modelName,
		Manufacturer: manufacturer,
	})
	d.resolver.SetState(serial, model.DeviceOnline)

	if result.Rebinding {
		// The device moved address: rewrite artifacts still keyed by
		// the old connection id.
		report, err := identity.NewMigrator(d.cfg.DataDir, d.cfg.DataDir).MigrateAll(d.resolver, serial)
		if err != nil {
			util.WithDevice(serial).Warnf("Migration: %v", err)
		} else if report.Sensors+report.Actions+report.Flows > 0 {
			util.WithDevice(serial).Infof("Migrated %d sensors, %d actions, %d flows",
				report.Sensors, report.Actions, report.Flows)
		}
		d.sensors.Invalidate(serial)
		d.actions.Invalidate(serial)
		d.flows.Invalidate(serial)
	}

	d.mu.Lock()
	d.transports[serial] = t
	d.mu.Unlock()

	op := audit.OpDeviceConnect
	if result.Rebinding {
		op = audit.OpDeviceRebind
	}
	audit.Log(audit.NewEvent(audit.ActorDaemon, serial, op).
		WithDetail("connection", devCfg.Connection).
		WithSuccess())

	util.WithDevice(serial).Infof("Bound %s %s at %s", manufacturer, modelName, devCfg.Connection)
	return nil
}

func (d *daemon) buildTransport(devCfg config.Device) (transport.DeviceTransport, error) {
	if devCfg.Transport == "ssh" {
		bridge, err := transport.NewSSHBridge(devCfg.SSH.Host, devCfg.SSH.Username,
			devCfg.SSH.Password, devCfg.SSH.Port)
		if err != nil {
			return nil, err
		}
		return transport.NewADB(devCfg.Connection, transport.WithRunner(bridge)), nil
	}
	return transport.NewADB(devCfg.Connection), nil
}

func getprop(ctx context.Context, t transport.DeviceTransport, prop string) (string, error) {
	out, err := t.Shell(ctx, "getprop "+prop)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// transportFor satisfies monitor.TransportProvider.
func (d *daemon) transportFor(stableID string) (transport.DeviceTransport, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.transports[stableID]
	return t, ok
}

// runnerFor builds the per-device flow executor for the scheduler. A device
// whose transport is not bound yet fails fast with an offline result.
func (d *daemon) runnerFor(stableID string) flow.Runner {
	return flow.RunnerFunc(func(ctx context.Context, f *model.Flow) *model.FlowExecutionResult {
		t, ok := d.transportFor(stableID)
		if !ok {
			return &model.FlowExecutionResult{
				FlowID:         f.FlowID,
				StableDeviceID: stableID,
				TotalSteps:     len(f.Steps),
				StartedAt:      time.Now(),
				ErrorMessage:   util.NewOfflineError(stableID, false).Error(),
			}
		}
		e := &flow.Executor{
			Transport: t,
			Resolver:  d.resolver,
			Sensors:   d.sensors,
			Actions:   d.actions,
			History:   d.history,
			Broker:    d.pub,
			Queue:     d.queue,
		}
		return e.Execute(ctx, f)
	})
}

// recordResult feeds every finished execution to the performance monitor and
// the navigation miner.
func (d *daemon) recordResult(stableID string, result *model.FlowExecutionResult) {
	interval := 0
	if f, err := d.flows.Get(stableID, result.FlowID); err == nil {
		interval = f.UpdateIntervalSeconds
		if result.Success {
			d.navman.MineFlow(f)
		}
	}
	d.perf.RecordExecution(stableID, result, interval)

	ev := audit.NewEvent(audit.ActorScheduler, stableID, audit.OpFlowRun).
		WithFlow(result.FlowID).
		WithDuration(time.Duration(result.ExecutionTimeMs) * time.Millisecond)
	if result.Success {
		ev.WithSuccess()
	} else {
		ev.WithError(fmt.Errorf("%s", result.ErrorMessage))
	}
	audit.Log(ev)
}

// replayCommand executes one queued command during reconnect replay.
func (d *daemon) replayCommand(ctx context.Context, cmd *model.QueuedCommand) error {
	err := d.runReplay(ctx, cmd)

	ev := audit.NewEvent(audit.ActorReplay, cmd.TargetStableID, audit.OpCommandReplay).
		WithDetail("command_type", string(cmd.CommandType))
	if err != nil {
		ev.WithError(err)
	} else {
		ev.WithSuccess()
	}
	audit.Log(ev)
	return err
}

func (d *daemon) runReplay(ctx context.Context, cmd *model.QueuedCommand) error {
	// The scheduler gate only blocks new dequeues; a flow that was already
	// mid-run when the device blipped keeps its worker's lock. Take the
	// same lock so replay never shares the transport with it.
	lock := d.sched.DeviceLock(cmd.TargetStableID)
	lock.Lock()
	defer lock.Unlock()

	switch cmd.CommandType {
	case model.CommandExecuteFlow:
		f, err := d.flows.Get(cmd.TargetStableID, cmd.Payload["flow_id"])
		if err != nil {
			return err
		}
		result := d.runnerFor(cmd.TargetStableID).Execute(ctx, f)
		if result != nil && !result.Success {
			return fmt.Errorf("flow %s: %s", f.FlowID, result.ErrorMessage)
		}
		return nil
	case model.CommandLaunchApp:
		t, ok := d.transportFor(cmd.TargetStableID)
		if !ok {
			return util.NewOfflineError(cmd.TargetStableID, false)
		}
		return t.LaunchApp(ctx, cmd.Payload["package"])
	case model.CommandShell:
		t, ok := d.transportFor(cmd.TargetStableID)
		if !ok {
			return util.NewOfflineError(cmd.TargetStableID, false)
		}
		_, err := t.Shell(ctx, cmd.Payload["command"])
		return err
	case model.CommandExecuteAction, model.CommandCaptureSensor:
		// Wrapped as a single-step flow by the enqueuing side; a bare
		// command of this type has nothing to run against.
		return fmt.Errorf("command type %s requires a flow wrapper", cmd.CommandType)
	default:
		return fmt.Errorf("unknown command type %q", cmd.CommandType)
	}
}
