package monitor

import (
	"context"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/broker"
	"github.com/droidsense/droidsense/pkg/droidsense/cmdqueue"
	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/transport"
	"github.com/droidsense/droidsense/pkg/util"
)

// Connection monitor defaults.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultBackoffStart  = 10 * time.Second
	DefaultBackoffCap    = 300 * time.Second
	RediscoveryThreshold = 3
)

// TransportProvider returns the transport currently bound to a device.
type TransportProvider func(stableID string) (transport.DeviceTransport, bool)

// CommandHandler executes one replayed command. The daemon wires this to the
// flow executor.
type CommandHandler func(ctx context.Context, cmd *model.QueuedCommand) error

// SchedulerGate pauses a device's flow dequeue while its command backlog is
// replayed.
type SchedulerGate interface {
	Pause(stableID string)
	Resume(stableID string)
}

// Rediscoverer re-runs device enumeration so the resolver can rebind a lost
// device to a fresh connection id.
type Rediscoverer func(ctx context.Context)

// DeviceCallback observes connect/disconnect transitions.
type DeviceCallback func(stableID string)

type probeState struct {
	retryCount  int
	retryDelay  time.Duration
	lastAttempt time.Time
}

// ConnectionMonitor probes every known device, publishes availability,
// backs off on repeated failures, and replays the durable command queue on
// reconnect before the device is allowed to run new flows.
type ConnectionMonitor struct {
	resolver   *identity.Resolver
	queue      *cmdqueue.Queue
	broker     broker.Publisher
	transports TransportProvider
	handler    CommandHandler
	gate       SchedulerGate
	rediscover Rediscoverer

	probeInterval time.Duration
	backoffStart  time.Duration
	backoffCap    time.Duration
	healthTimeout time.Duration

	onConnect    []DeviceCallback
	onDisconnect []DeviceCallback

	states map[string]*probeState
}

// MonitorConfig carries the optional knobs of NewConnectionMonitor.
type MonitorConfig struct {
	ProbeInterval time.Duration
	BackoffStart  time.Duration
	BackoffCap    time.Duration
	HealthTimeout time.Duration
	Rediscover    Rediscoverer
}

// NewConnectionMonitor wires the monitor. gate may be nil when no scheduler
// runs (replay still happens, ungated).
func NewConnectionMonitor(resolver *identity.Resolver, queue *cmdqueue.Queue, pub broker.Publisher,
	transports TransportProvider, handler CommandHandler, gate SchedulerGate, cfg MonitorConfig) *ConnectionMonitor {
	if pub == nil {
		pub = broker.Nop{}
	}
	m := &ConnectionMonitor{
		resolver:      resolver,
		queue:         queue,
		broker:        pub,
		transports:    transports,
		handler:       handler,
		gate:          gate,
		rediscover:    cfg.Rediscover,
		probeInterval: cfg.ProbeInterval,
		backoffStart:  cfg.BackoffStart,
		backoffCap:    cfg.BackoffCap,
		healthTimeout: cfg.HealthTimeout,
		states:        make(map[string]*probeState),
	}
	if m.probeInterval <= 0 {
		m.probeInterval = DefaultProbeInterval
	}
	if m.backoffStart <= 0 {
		m.backoffStart = DefaultBackoffStart
	}
	if m.backoffCap <= 0 {
		m.backoffCap = DefaultBackoffCap
	}
	if m.healthTimeout <= 0 {
		m.healthTimeout = transport.DefaultHealthTimeout
	}
	return m
}

// OnConnect registers a callback fired after a device comes online.
func (m *ConnectionMonitor) OnConnect(cb DeviceCallback) {
	m.onConnect = append(m.onConnect, cb)
}

// OnDisconnect registers a callback fired after a device goes offline.
func (m *ConnectionMonitor) OnDisconnect(cb DeviceCallback) {
	m.onDisconnect = append(m.onDisconnect, cb)
}

// Run probes all devices until the context is cancelled. Intended as a
// supervised worker goroutine.
func (m *ConnectionMonitor) Run(ctx context.Context) {
	util.Infof("Connection monitor started (probe every %s)", m.probeInterval)
	ticker := time.NewTicker(m.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			util.Info("Connection monitor stopped")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll health-checks every device the resolver knows.
func (m *ConnectionMonitor) ProbeAll(ctx context.Context) {
	for _, dev := range m.resolver.Devices() {
		m.Probe(ctx, dev.StableID)
	}
}

func (m *ConnectionMonitor) state(stableID string) *probeState {
	s, ok := m.states[stableID]
	if !ok {
		s = &probeState{retryDelay: m.backoffStart}
		m.states[stableID] = s
	}
	return s
}

// Probe runs one health check cycle for a device and drives its state
// machine.
func (m *ConnectionMonitor) Probe(ctx context.Context, stableID string) {
	dev, ok := m.resolver.GetDevice(stableID)
	if !ok {
		return
	}
	log := util.WithDevice(stableID)

	if dev.State == model.DeviceOffline {
		m.probeOffline(ctx, stableID)
		return
	}

	if err := m.health(ctx, stableID); err != nil {
		log.Warnf("Device lost: %v", err)
		m.markOffline(stableID)
		// A transient blip often recovers immediately.
		m.probeOffline(ctx, stableID)
		return
	}
	m.resolver.SetState(stableID, model.DeviceOnline)
}

func (m *ConnectionMonitor) health(ctx context.Context, stableID string) error {
	t, ok := m.transports(stableID)
	if !ok {
		return util.NewTransportError(stableID, "health", util.ErrNotConnected)
	}
	return transport.HealthCheck(ctx, t, m.healthTimeout)
}

func (m *ConnectionMonitor) markOffline(stableID string) {
	m.resolver.SetState(stableID, model.DeviceOffline)
	s := m.state(stableID)
	s.retryCount = 0
	s.retryDelay = m.backoffStart
	s.lastAttempt = time.Time{}

	if err := m.broker.PublishAvailability(stableID, false); err != nil {
		util.WithDevice(stableID).Warnf("Availability publish failed: %v", err)
	}
	for _, cb := range m.onDisconnect {
		cb(stableID)
	}
}

// probeOffline attempts a reconnect when the device's backoff window has
// elapsed, doubling the delay per failure and triggering rediscovery after
// three straight misses.
func (m *ConnectionMonitor) probeOffline(ctx context.Context, stableID string) {
	log := util.WithDevice(stableID)
	s := m.state(stableID)
	if !s.lastAttempt.IsZero() && time.Since(s.lastAttempt) < s.retryDelay {
		return
	}
	s.lastAttempt = time.Now()

	if err := m.tryReconnect(ctx, stableID); err != nil {
		s.retryCount++
		s.retryDelay *= 2
		if s.retryDelay > m.backoffCap {
			s.retryDelay = m.backoffCap
		}
		log.Debugf("Reconnect failed (attempt %d, next in %s): %v", s.retryCount, s.retryDelay, err)

		if s.retryCount >= RediscoveryThreshold && m.rediscover != nil {
			util.WithDevice(stableID).Info("Triggering network rediscovery")
			m.rediscover(ctx)
			s.retryCount = 0
		}
		return
	}
	m.handleReconnect(ctx, stableID)
}

func (m *ConnectionMonitor) tryReconnect(ctx context.Context, stableID string) error {
	t, ok := m.transports(stableID)
	if !ok {
		return util.NewTransportError(stableID, "reconnect", util.ErrNotConnected)
	}
	if err := t.Connect(ctx); err != nil {
		return err
	}
	return transport.HealthCheck(ctx, t, m.healthTimeout)
}

// handleReconnect brings the device back: availability, callbacks, then the
// queued command backlog, replayed sequentially before any new flow may
// dequeue.
func (m *ConnectionMonitor) handleReconnect(ctx context.Context, stableID string) {
	log := util.WithDevice(stableID)
	log.Info("Device reconnected")

	m.resolver.SetState(stableID, model.DeviceOnline)
	s := m.state(stableID)
	s.retryCount = 0
	s.retryDelay = m.backoffStart

	if err := m.broker.PublishAvailability(stableID, true); err != nil {
		log.Warnf("Availability publish failed: %v", err)
	}
	for _, cb := range m.onConnect {
		cb(stableID)
	}
	m.ReplayQueued(ctx, stableID)
}

// ReplayQueued drains the device's pending commands one at a time. A failed
// command does not stop the rest. The scheduler gate is held so replay
// strictly precedes new flows.
func (m *ConnectionMonitor) ReplayQueued(ctx context.Context, stableID string) {
	if m.gate != nil {
		m.gate.Pause(stableID)
		defer m.gate.Resume(stableID)
	}

	pending, err := m.queue.GetPending(stableID)
	if err != nil {
		util.WithDevice(stableID).Errorf("Replay listing failed: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	log := util.WithDevice(stableID)
	log.Infof("Replaying %d queued commands", len(pending))

	for _, cmd := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := m.queue.MarkProcessing(cmd.CommandID); err != nil {
			log.Warnf("Command %s: %v", cmd.CommandID, err)
			continue
		}
		if err := m.handler(ctx, cmd); err != nil {
			log.Warnf("Replayed command %s failed: %v", cmd.CommandID, err)
			if err := m.queue.MarkFailed(cmd.CommandID, err.Error()); err != nil {
				log.Warnf("Command %s: %v", cmd.CommandID, err)
			}
			continue
		}
		if err := m.queue.MarkCompleted(cmd.CommandID); err != nil {
			log.Warnf("Command %s: %v", cmd.CommandID, err)
		}
	}
}
