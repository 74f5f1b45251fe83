package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	Running State = iota
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Reason records why the supervisor left the Running state.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonIdle means no client was attached for longer than the grace window.
	ReasonIdle
	// ReasonRequested means a client called System.Shutdown.
	ReasonRequested
	// ReasonCanceled means the host's context was canceled, usually by an OS signal.
	ReasonCanceled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonIdle:
		return "idle"
	case ReasonRequested:
		return "requested"
	case ReasonCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Supervisor decides when the engine should exit because no client is attached.
// ShuttingDown is terminal, the transition happens exactly once.
type Supervisor struct {
	log      *zap.SugaredLogger
	tracker  *Tracker
	interval time.Duration
	grace    time.Duration
	now      func() time.Time

	mu     sync.Mutex
	state  State
	reason Reason
	done   chan struct{}
}

func NewSupervisor(log *zap.SugaredLogger, tracker *Tracker, interval, grace time.Duration) *Supervisor {
	return &Supervisor{
		log:      log.Named("supervisor"),
		tracker:  tracker,
		interval: interval,
		grace:    grace,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// State returns the current state and, once shutting down, the reason.
func (s *Supervisor) State() (State, Reason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.reason
}

// Done is closed on the transition to ShuttingDown.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// RequestShutdown transitions to ShuttingDown. It returns false if the supervisor was already shutting down,
// in which case the original reason is kept.
func (s *Supervisor) RequestShutdown(reason Reason) bool {
	s.mu.Lock()
	if s.state == ShuttingDown {
		s.mu.Unlock()
		return false
	}
	s.state = ShuttingDown
	s.reason = reason
	close(s.done)
	s.mu.Unlock()

	s.log.Infow("shutting down", "Reason", reason)
	return true
}

// check transitions to ShuttingDown if no client has been attached for longer than the grace window,
// measured from the most recent disconnect.
func (s *Supervisor) check() bool {
	rec := s.tracker.Snapshot()
	if rec.Connected > 0 {
		return false
	}
	idle := s.now().Sub(rec.LastDisconnect)
	if idle <= s.grace {
		return false
	}
	s.log.Debugw("idle grace window elapsed", "Idle", idle, "Grace", s.grace)
	return s.RequestShutdown(ReasonIdle)
}

// safeCheck runs a check, a panic only skips the tick.
func (s *Supervisor) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("idle check panicked", "Panic", r)
		}
	}()
	s.check()
}

// Run polls the idle state every interval until the supervisor is shutting down.
// Canceling ctx requests a shutdown with ReasonCanceled.
// The state is only observed on a tick, so a shutdown requested by a call has time to send its response.
func (s *Supervisor) Run(ctx context.Context) Reason {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.RequestShutdown(ReasonCanceled)
		case <-ticker.C:
		}
		if state, reason := s.State(); state == ShuttingDown {
			return reason
		}
		s.safeCheck()
	}
}
