package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/enginehost/handshake"
	"github.com/guseggert/enginehost/internal/metrics"
	"github.com/guseggert/enginehost/rpc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ExitUsage is the engine exit code for a wrong argument count.
	ExitUsage = -1
	// ExitTransportInit is the engine exit code when the channel cannot be bound.
	ExitTransportInit = -2
)

const (
	DefaultIdleGrace        = 5 * time.Second
	DefaultIdleInterval     = 50 * time.Millisecond
	DefaultHandshakeTimeout = 30 * time.Second
)

// HandshakeFunc waits for the crash handler to release the engine. See handshake.Wait.
type HandshakeFunc func(ctx context.Context, channel string, timeout time.Duration) ([]byte, error)

// Host is the engine process: it serves the RPC channel and exits once no client has been attached for the grace window,
// or when asked to.
type Host struct {
	logger *zap.SugaredLogger

	idleGrace        time.Duration
	idleInterval     time.Duration
	handshakeChannel string
	handshakeTimeout time.Duration
	handshake        HandshakeFunc

	server     *rpc.Server
	tracker    *Tracker
	supervisor *Supervisor

	shutdownOnce sync.Once
	shutdownErr  error
}

type Option func(h *Host)

func WithLogger(l *zap.Logger) Option {
	return func(h *Host) {
		h.logger = l.Named("engine").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(h *Host) {
		h.logger = h.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithIdleGrace sets how long the engine keeps running with no client attached.
func WithIdleGrace(d time.Duration) Option {
	return func(h *Host) {
		h.idleGrace = d
	}
}

// WithIdleInterval sets how often the idle state is checked.
func WithIdleInterval(d time.Duration) Option {
	return func(h *Host) {
		h.idleInterval = d
	}
}

func WithHandshakeChannel(channel string) Option {
	return func(h *Host) {
		h.handshakeChannel = channel
	}
}

// WithHandshakeTimeout bounds the wait for the crash handler. Zero waits forever.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Host) {
		h.handshakeTimeout = d
	}
}

func WithHandshakeFunc(f HandshakeFunc) Option {
	return func(h *Host) {
		h.handshake = f
	}
}

// NewHost constructs an engine host. Collections must be registered on Server() before Run.
func NewHost(opts ...Option) (*Host, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	h := &Host{
		logger:           logger.Named("engine").Sugar(),
		idleGrace:        DefaultIdleGrace,
		idleInterval:     DefaultIdleInterval,
		handshakeChannel: handshake.DefaultChannel(),
		handshakeTimeout: DefaultHandshakeTimeout,
		handshake:        handshake.Wait,
	}
	for _, o := range opts {
		o(h)
	}
	if h.idleInterval <= 0 {
		return nil, fmt.Errorf("idle interval must be positive, got %s", h.idleInterval)
	}

	h.tracker = NewTracker(h.logger)
	h.supervisor = NewSupervisor(h.logger, h.tracker, h.idleInterval, h.idleGrace)
	h.server = rpc.NewServer(rpc.WithServerLogger(h.logger))
	if err := h.server.Register(systemCollection(h.supervisor)); err != nil {
		return nil, fmt.Errorf("registering system collection: %w", err)
	}
	h.server.SetConnectHandler(trackConnect, h.tracker)
	h.server.SetDisconnectHandler(trackDisconnect, h.tracker)
	return h, nil
}

func (h *Host) Logger() *zap.SugaredLogger      { return h.logger }
func (h *Host) Server() *rpc.Server             { return h.server }
func (h *Host) Tracker() *Tracker               { return h.tracker }
func (h *Host) Supervisor() *Supervisor         { return h.supervisor }
func (h *Host) HandshakeChannel() string        { return h.handshakeChannel }
func (h *Host) HandshakeTimeout() time.Duration { return h.handshakeTimeout }

// Run binds the channel at path and serves until the supervisor shuts down, then runs Shutdown.
// A bind failure is returned as a *rpc.TransportInitError without running the shutdown sequence.
func (h *Host) Run(ctx context.Context, path string) error {
	if err := h.server.Initialize(path); err != nil {
		return err
	}
	h.tracker.Reset(time.Now())
	h.logger.Infow("engine running", "Path", path, "IdleGrace", h.idleGrace)

	h.supervisor.Run(ctx)
	return h.Shutdown()
}

// Shutdown waits for the crash handler if the engine went idle, then finalizes the server.
// Only the first call has any effect, later calls return the first result.
func (h *Host) Shutdown() error {
	h.shutdownOnce.Do(func() {
		h.supervisor.RequestShutdown(ReasonRequested)
		_, reason := h.supervisor.State()

		outcome := "skipped"
		if reason == ReasonIdle {
			outcome = h.waitForCrashHandler()
		}

		err := h.server.Finalize()
		if err != nil {
			h.shutdownErr = fmt.Errorf("finalizing server: %w", err)
		}
		metrics.ShutdownsTotal.WithLabelValues(reason.String(), outcome).Inc()
		h.logger.Infow("engine stopped", "Reason", reason, "Handshake", outcome)
	})
	return h.shutdownErr
}

func (h *Host) waitForCrashHandler() string {
	h.logger.Infow("waiting for crash handler", "Channel", h.handshakeChannel, "Timeout", h.handshakeTimeout)
	msg, err := h.handshake(context.Background(), h.handshakeChannel, h.handshakeTimeout)
	switch {
	case err == nil:
		h.logger.Debugw("crash handler released engine", "Bytes", len(msg))
		return "completed"
	case errors.Is(err, handshake.ErrOpen):
		h.logger.Debugf("handshake channel unavailable, proceeding: %s", err)
		return "open_failed"
	case errors.Is(err, handshake.ErrTimeout):
		h.logger.Warnw("crash handler did not answer in time, proceeding", "Timeout", h.handshakeTimeout)
		return "timeout"
	default:
		h.logger.Warnf("handshake failed, proceeding: %s", err)
		return "failed"
	}
}
