package service

import (
	"sync"

	"github.com/guseggert/enginehost/internal/metrics"
	"go.uber.org/zap"
)

const DefaultQueueSize = 64

// SignalQueue buffers signals until the front-end polls for them.
// Signals are dropped until Enable is called, and the oldest signal is dropped when the queue is full.
type SignalQueue struct {
	log      *zap.SugaredLogger
	capacity int

	mu      sync.Mutex
	enabled bool
	events  []SignalEvent
}

func NewSignalQueue(log *zap.SugaredLogger, capacity int) *SignalQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &SignalQueue{
		log:      log.Named("signal_queue"),
		capacity: capacity,
		events:   make([]SignalEvent, 0, capacity),
	}
}

// Enable starts accepting signals. It is called when a front-end connects output signals.
func (q *SignalQueue) Enable() {
	q.mu.Lock()
	q.enabled = true
	q.mu.Unlock()
}

func (q *SignalQueue) Enabled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enabled
}

// Push queues e. It reports false if e was not queued.
func (q *SignalQueue) Push(e SignalEvent) bool {
	q.mu.Lock()
	if !q.enabled {
		q.mu.Unlock()
		metrics.SignalsDroppedTotal.WithLabelValues("disabled").Inc()
		return false
	}
	var dropped *SignalEvent
	if len(q.events) == q.capacity {
		oldest := q.events[0]
		dropped = &oldest
		copy(q.events, q.events[1:])
		q.events = q.events[:len(q.events)-1]
	}
	q.events = append(q.events, e)
	q.mu.Unlock()

	if dropped != nil {
		metrics.SignalsDroppedTotal.WithLabelValues("overflow").Inc()
		q.log.Warnw("signal queue full, dropped oldest signal", "Dropped", dropped.String())
	}
	metrics.SignalsQueuedTotal.WithLabelValues(e.OutputType).Inc()
	q.log.Debugw("queued signal", "Signal", e.String())
	return true
}

// Pop removes and returns the oldest signal.
func (q *SignalQueue) Pop() (SignalEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return SignalEvent{}, false
	}
	e := q.events[0]
	copy(q.events, q.events[1:])
	q.events = q.events[:len(q.events)-1]
	return e, true
}

func (q *SignalQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
