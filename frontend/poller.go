package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/enginehost/internal/metrics"
	"github.com/guseggert/enginehost/rpc"
	"github.com/guseggert/enginehost/service"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultPollInterval = 33 * time.Millisecond
	DefaultMaxPending   = 16
	DefaultQueryTimeout = 5 * time.Second
)

// SignalHandler receives engine signals. It is never called concurrently with itself.
type SignalHandler func(service.SignalEvent)

// SignalPoller polls the engine for pending signals and delivers them, in order, to a single handler.
//
// Each cycle queries the engine once and then sleeps for what is left of the interval, a cycle that overruns the
// interval is followed immediately by the next one. Signals are handed to a dispatch goroutine so a slow handler
// does not delay polling, but at most maxPending undelivered signals are held: when that many are pending the poll
// cycle blocks until the handler catches up.
type SignalPoller struct {
	log          *zap.SugaredLogger
	conn         ConnFunc
	interval     time.Duration
	maxPending   int64
	queryTimeout time.Duration

	// lifecycle serializes Start and Stop, it is held while Stop waits for a run to drain
	lifecycle sync.Mutex

	mu      sync.Mutex
	handler SignalHandler
	run     *pollRun
}

// pollRun is the state of one Start/Stop cycle, shared by the poll and dispatch goroutines.
type pollRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	gate   *semaphore.Weighted
	queue  chan service.SignalEvent
	wg     sync.WaitGroup
}

type PollerOption func(p *SignalPoller)

func WithPollInterval(d time.Duration) PollerOption {
	return func(p *SignalPoller) {
		p.interval = d
	}
}

// WithMaxPending bounds the number of signals polled but not yet delivered.
func WithMaxPending(n int) PollerOption {
	return func(p *SignalPoller) {
		p.maxPending = int64(n)
	}
}

// WithQueryTimeout bounds a single poll query.
func WithQueryTimeout(d time.Duration) PollerOption {
	return func(p *SignalPoller) {
		p.queryTimeout = d
	}
}

func NewSignalPoller(log *zap.SugaredLogger, conn ConnFunc, opts ...PollerOption) *SignalPoller {
	p := &SignalPoller{
		log:          log.Named("signal_poller"),
		conn:         conn,
		interval:     DefaultPollInterval,
		maxPending:   DefaultMaxPending,
		queryTimeout: DefaultQueryTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	if p.maxPending < 1 {
		p.maxPending = 1
	}
	return p
}

// SetHandler replaces the handler. Signals delivered after it returns go to h, a nil h discards them.
func (p *SignalPoller) SetHandler(h SignalHandler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *SignalPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// Start starts polling. It returns false if the poller is already running.
// A Start racing a Stop waits until the stopped run has delivered its last signal.
// Start must not be called from the handler.
func (p *SignalPoller) Start() bool {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &pollRun{
		ctx:    ctx,
		cancel: cancel,
		gate:   semaphore.NewWeighted(p.maxPending),
		queue:  make(chan service.SignalEvent, p.maxPending),
	}
	p.run = r

	r.wg.Add(2)
	go p.dispatch(r)
	go p.poll(r)
	p.log.Debugw("started", "Interval", p.interval, "MaxPending", p.maxPending)
	return true
}

// Stop lets the current cycle finish, delivers the signals already polled and waits for both goroutines to exit.
// No handler call happens after Stop returns. It is a no-op when the poller is not running.
// Stop must not be called from the handler.
func (p *SignalPoller) Stop() {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	p.mu.Lock()
	r := p.run
	p.run = nil
	p.mu.Unlock()
	if r == nil {
		return
	}

	r.cancel()
	r.wg.Wait()
	p.log.Debug("stopped")
}

// nextDelay is how long to sleep after a cycle that took elapsed.
func nextDelay(interval, elapsed time.Duration) time.Duration {
	if elapsed >= interval {
		return 0
	}
	return interval - elapsed
}

func (p *SignalPoller) poll(r *pollRun) {
	defer r.wg.Done()
	// the dispatcher drains what is left once polling stops
	defer close(r.queue)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		start := time.Now()
		outcome := p.cycle(r)
		metrics.PollCyclesTotal.WithLabelValues(outcome).Inc()

		delay := nextDelay(p.interval, time.Since(start))
		if delay == 0 {
			select {
			case <-r.ctx.Done():
				return
			default:
				continue
			}
		}
		timer.Reset(delay)
		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// cycle runs one poll. It never panics, and returns the outcome for metrics.
func (p *SignalPoller) cycle(r *pollRun) (outcome string) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Errorw("poll cycle panicked", "Panic", rec)
			outcome = "error"
		}
	}()

	conn := p.conn()
	if conn == nil {
		return "no_connection"
	}

	// a stop does not cancel the query in flight
	ctx, cancel := context.WithTimeout(context.Background(), p.queryTimeout)
	defer cancel()
	values, err := conn.Call(ctx, service.Collection, service.FuncQuery)
	if err != nil {
		if errors.Is(err, rpc.ErrNoConnection) || errors.Is(err, rpc.ErrClosed) {
			return "no_connection"
		}
		p.log.Debugf("query failed: %s", err)
		return "error"
	}

	e, ok, err := service.DecodeSignal(values)
	if err != nil {
		var re *rpc.RemoteError
		if errors.As(err, &re) {
			// treated as nothing pending
			p.log.Debugf("query returned %s", re)
			return "remote_error"
		}
		p.log.Debugf("decoding signal: %s", err)
		return "error"
	}
	if !ok {
		return "empty"
	}

	if !r.gate.TryAcquire(1) {
		p.log.Debugw("pending signal limit reached, waiting for the handler", "MaxPending", p.maxPending)
		if err := r.gate.Acquire(r.ctx, 1); err != nil {
			p.log.Debugw("stopped while waiting for the handler, dropping signal", "Signal", e.String())
			metrics.SignalsDroppedTotal.WithLabelValues("stopped").Inc()
			return "dropped"
		}
	}
	r.queue <- e
	return "signal"
}

func (p *SignalPoller) dispatch(r *pollRun) {
	defer r.wg.Done()
	for e := range r.queue {
		p.deliver(e)
		r.gate.Release(1)
	}
}

func (p *SignalPoller) deliver(e service.SignalEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Errorw("signal handler panicked", "Signal", e.String(), "Panic", fmt.Sprint(rec))
		}
	}()

	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return
	}
	h(e)
	metrics.SignalsDeliveredTotal.Inc()
}
