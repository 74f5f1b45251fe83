package engine

import (
	"sync"
	"time"

	"github.com/guseggert/enginehost/internal/metrics"
	"go.uber.org/zap"
)

// ConnectionRecord is a point-in-time copy of the tracker state.
type ConnectionRecord struct {
	Connected      int
	LastConnect    time.Time
	LastDisconnect time.Time
}

// Tracker counts attached clients. It is the only source of truth for whether any client is attached.
type Tracker struct {
	log *zap.SugaredLogger
	now func() time.Time

	mu  sync.Mutex
	rec ConnectionRecord
}

func NewTracker(log *zap.SugaredLogger) *Tracker {
	t := &Tracker{
		log: log.Named("tracker"),
		now: time.Now,
	}
	t.Reset(t.now())
	return t
}

// Reset sets both timestamps to now without touching the count.
func (t *Tracker) Reset(now time.Time) {
	t.mu.Lock()
	t.rec.LastConnect = now
	t.rec.LastDisconnect = now
	t.mu.Unlock()
}

func (t *Tracker) OnConnect() {
	now := t.now()
	t.mu.Lock()
	t.rec.Connected++
	t.rec.LastConnect = now
	n := t.rec.Connected
	t.mu.Unlock()

	metrics.ConnectedClients.Set(float64(n))
	t.log.Debugw("client connected", "Connected", n)
}

// OnDisconnect decrements the count, which never goes below zero.
func (t *Tracker) OnDisconnect() {
	now := t.now()
	t.mu.Lock()
	clamped := t.rec.Connected == 0
	if !clamped {
		t.rec.Connected--
	}
	t.rec.LastDisconnect = now
	n := t.rec.Connected
	t.mu.Unlock()

	if clamped {
		t.log.Warn("disconnect without a matching connect")
	}
	metrics.ConnectedClients.Set(float64(n))
	t.log.Debugw("client disconnected", "Connected", n)
}

func (t *Tracker) Snapshot() ConnectionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// trackConnect and trackDisconnect adapt a *Tracker registration context to the server's connection handlers.
func trackConnect(ctx any, _ int64) bool {
	ctx.(*Tracker).OnConnect()
	return true
}

func trackDisconnect(ctx any, _ int64) {
	ctx.(*Tracker).OnDisconnect()
}
