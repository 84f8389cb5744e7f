// Package instance supervises one bridge instance: its listener children,
// a health prober and a reconnect worker. Children restart one_for_one
// within a bounded restart budget; a crashing child never touches its
// siblings.
package instance

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/fabric/internal/bridge"
	"github.com/wudi/fabric/internal/config"
	"github.com/wudi/fabric/internal/logging"
	"github.com/wudi/fabric/internal/signal"
)

// Status is the lifecycle state of a supervised instance.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusStopped      Status = "stopped"
)

// failureThreshold is the consecutive failure count that flips an
// instance into error.
const failureThreshold = 10

// Snapshot is a point-in-time view of the supervisor state.
type Snapshot struct {
	Status              Status
	ConnectedAt         time.Time
	ConsecutiveFailures int
	LastError           string
}

// Options configures a supervisor.
type Options struct {
	InstanceID string
	Adapter    bridge.Adapter
	Config     config.InstanceConfig
	Opts       map[string]any
	Bus        *signal.Bus
}

// Supervisor owns the lifecycle of one instance.
type Supervisor struct {
	opts Options

	mu          sync.Mutex
	status      Status
	connectedAt time.Time
	failures    int
	lastError   string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	reconnect chan struct{}
	stopOnce  sync.Once
}

// New creates a supervisor; Start brings it up.
func New(opts Options) *Supervisor {
	return &Supervisor{
		opts:      opts,
		status:    StatusStarting,
		reconnect: make(chan struct{}, 1),
	}
}

// Start spins up listener children in declared order, then the reconnect
// worker and the health prober.
func (s *Supervisor) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.setStatus(StatusStarting, "")

	if lp, ok := s.opts.Adapter.(bridge.ListenerProvider); ok {
		for _, spec := range lp.ListenerChildSpecs(s.opts.InstanceID, s.opts.Opts) {
			s.wg.Add(1)
			go s.superviseChild(spec)
		}
	}

	s.wg.Add(1)
	go s.reconnectWorker()

	if hc, ok := s.opts.Adapter.(bridge.HealthChecker); ok {
		s.wg.Add(1)
		go s.probeLoop(hc)
	}
	return nil
}

// Stop tears the instance down and waits for its workers.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.setStatus(StatusStopped, "")
	})
}

// State returns a snapshot of the supervisor.
func (s *Supervisor) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:              s.status,
		ConnectedAt:         s.connectedAt,
		ConsecutiveFailures: s.failures,
		LastError:           s.lastError,
	}
}

// NotifySuccess resets the consecutive failure count and marks the
// instance connected.
func (s *Supervisor) NotifySuccess() {
	s.mu.Lock()
	s.failures = 0
	s.lastError = ""
	first := s.connectedAt.IsZero()
	if first {
		s.connectedAt = time.Now().UTC()
	}
	changed := s.status != StatusConnected
	s.status = StatusConnected
	s.mu.Unlock()

	if changed {
		s.emitStatus(StatusConnected, "")
	}
	if first {
		logging.Info("Instance connected", zap.String("instance_id", s.opts.InstanceID))
	}
}

// NotifyFailure records a failure. Crossing the consecutive failure
// threshold flips the instance into error; below it a reconnect is
// scheduled.
func (s *Supervisor) NotifyFailure(reason string) {
	s.mu.Lock()
	s.failures++
	s.lastError = reason
	failures := s.failures
	s.mu.Unlock()

	if failures >= failureThreshold {
		s.setStatus(StatusError, reason)
		return
	}
	s.requestReconnect()
}

func (s *Supervisor) requestReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Supervisor) setStatus(st Status, reason string) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		s.emitStatus(st, reason)
	}
}

func (s *Supervisor) emitStatus(st Status, reason string) {
	s.opts.Bus.Emit(signal.EventInstanceStatus,
		signal.Measurements{"count": 1},
		signal.Metadata{"instance_id": s.opts.InstanceID, "status": string(st), "reason": reason},
	)
}

// superviseChild runs one listener child, restarting it one_for_one until
// the restart budget inside the restart window is spent.
func (s *Supervisor) superviseChild(spec bridge.ListenerSpec) {
	defer s.wg.Done()

	var restarts []time.Time
	for {
		err := spec.Run(s.ctx)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			logging.Warn("Listener child exited",
				zap.String("instance_id", s.opts.InstanceID),
				zap.String("listener", spec.ID),
				zap.Error(err),
			)
		}

		now := time.Now()
		cutoff := now.Add(-s.opts.Config.RestartWindow)
		kept := restarts[:0]
		for _, t := range restarts {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		restarts = append(kept, now)

		if len(restarts) > s.opts.Config.MaxRestarts {
			msg := "listener " + spec.ID + " restart budget exhausted"
			s.setStatus(StatusError, msg)
			logging.Error("Listener restart budget exhausted",
				zap.String("instance_id", s.opts.InstanceID),
				zap.String("listener", spec.ID),
			)
			return
		}

		s.opts.Bus.Emit(signal.EventListenerRestart,
			signal.Measurements{"count": 1},
			signal.Metadata{"instance_id": s.opts.InstanceID, "listener": spec.ID},
		)
	}
}

// probeLoop runs periodic health checks. The first success marks the
// instance connected.
func (s *Supervisor) probeLoop(hc bridge.HealthChecker) {
	defer s.wg.Done()

	interval := hc.ProbeInterval()
	if interval <= 0 {
		interval = s.opts.Config.ProbeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.probeOnce(hc)
	for {
		select {
		case <-ticker.C:
			s.probeOnce(hc)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) probeOnce(hc bridge.HealthChecker) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := hc.CheckHealth(ctx); err != nil {
		if s.ctx.Err() == nil {
			s.NotifyFailure(err.Error())
		}
		return
	}
	s.NotifySuccess()
}

// reconnectWorker waits for failure triggers and runs a bounded, jittered
// exponential backoff reconnect sequence against the adapter's health
// check.
func (s *Supervisor) reconnectWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.reconnect:
			s.runReconnect()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Supervisor) runReconnect() {
	hc, ok := s.opts.Adapter.(bridge.HealthChecker)
	if !ok {
		return
	}
	s.setStatus(StatusReconnecting, "")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.Config.ReconnectBaseBackoff
	b.MaxInterval = s.opts.Config.ReconnectMaxBackoff
	b.RandomizationFactor = s.opts.Config.ReconnectJitterRatio
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 1; attempt <= s.opts.Config.MaxReconnectAttempts; attempt++ {
		delay := b.NextBackOff()
		s.opts.Bus.Emit(signal.EventReconnectScheduled,
			signal.Measurements{"delay_ms": delay.Milliseconds()},
			signal.Metadata{"instance_id": s.opts.InstanceID, "attempt": attempt},
		)
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return
		}

		s.opts.Bus.Emit(signal.EventReconnectAttempt,
			signal.Measurements{"count": 1},
			signal.Metadata{"instance_id": s.opts.InstanceID, "attempt": attempt},
		)
		ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
		err := hc.CheckHealth(ctx)
		cancel()
		if err == nil {
			s.NotifySuccess()
			return
		}
		s.mu.Lock()
		s.lastError = err.Error()
		s.mu.Unlock()
	}

	s.opts.Bus.Emit(signal.EventReconnectExhausted,
		signal.Measurements{"count": 1},
		signal.Metadata{"instance_id": s.opts.InstanceID, "attempts": s.opts.Config.MaxReconnectAttempts},
	)
	s.setStatus(StatusError, "reconnect attempts exhausted")
}
