package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/enginehost/handshake"
	enet "github.com/guseggert/enginehost/internal/net"
	"github.com/guseggert/enginehost/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func socketPath(t *testing.T, name string) string {
	path, err := enet.TempSocketPath(name)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(filepath.Dir(path)) })
	return path
}

type countingHandshake struct {
	calls atomic.Int32
}

func (c *countingHandshake) wait(ctx context.Context, channel string, timeout time.Duration) ([]byte, error) {
	c.calls.Add(1)
	return []byte("ok"), nil
}

func newTestHost(t *testing.T, opts ...Option) *Host {
	l, err := zap.NewDevelopment()
	require.NoError(t, err)
	h, err := NewHost(append([]Option{
		WithLogger(l),
		WithIdleGrace(200 * time.Millisecond),
		WithIdleInterval(10 * time.Millisecond),
	}, opts...)...)
	require.NoError(t, err)
	return h
}

func runHost(t *testing.T, h *Host, ctx context.Context, path string) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.Run(ctx, path) }()
	client := rpc.NewClient(log, path)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, client.WaitForServer(waitCtx))
	return errCh
}

func waitRun(t *testing.T, errCh <-chan error) error {
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("host did not stop")
		return nil
	}
}

func TestHostIdleShutdownRunsHandshakeOnce(t *testing.T) {
	hs := &countingHandshake{}
	h := newTestHost(t, WithHandshakeFunc(hs.wait))
	path := socketPath(t, "engine")

	start := time.Now()
	errCh := runHost(t, h, context.Background(), path)
	require.NoError(t, waitRun(t, errCh))
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	assert.EqualValues(t, 1, hs.calls.Load())
	_, reason := h.Supervisor().State()
	assert.Equal(t, ReasonIdle, reason)

	// a second shutdown is a no-op
	require.NoError(t, h.Shutdown())
	assert.EqualValues(t, 1, hs.calls.Load())

	assert.False(t, enet.IsBound(path))
}

func TestHostStaysUpWhileClientAttached(t *testing.T) {
	hs := &countingHandshake{}
	h := newTestHost(t, WithHandshakeFunc(hs.wait))
	path := socketPath(t, "engine")
	ctx := context.Background()

	errCh := runHost(t, h, ctx, path)
	client, err := rpc.Dial(ctx, log, path)
	require.NoError(t, err)

	time.Sleep(600 * time.Millisecond)
	state, _ := h.Supervisor().State()
	require.Equal(t, Running, state)
	assert.Equal(t, 1, h.Tracker().Snapshot().Connected)

	require.NoError(t, client.Close())
	require.NoError(t, waitRun(t, errCh))
	_, reason := h.Supervisor().State()
	assert.Equal(t, ReasonIdle, reason)
	assert.Equal(t, 0, h.Tracker().Snapshot().Connected)
	assert.EqualValues(t, 1, hs.calls.Load())
}

func TestHostSystemShutdownSkipsHandshake(t *testing.T) {
	hs := &countingHandshake{}
	h := newTestHost(t, WithHandshakeFunc(hs.wait), WithIdleGrace(time.Hour))
	path := socketPath(t, "engine")
	ctx := context.Background()

	errCh := runHost(t, h, ctx, path)
	client, err := rpc.Dial(ctx, log, path)
	require.NoError(t, err)
	defer client.Close()

	vals, err := client.Call(ctx, SystemCollection, FuncShutdown)
	require.NoError(t, err)
	require.NoError(t, rpc.CheckResult(vals, 1))

	require.NoError(t, waitRun(t, errCh))
	_, reason := h.Supervisor().State()
	assert.Equal(t, ReasonRequested, reason)
	assert.EqualValues(t, 0, hs.calls.Load())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected by finalize")
	}
}

func TestHostCanceledContext(t *testing.T) {
	hs := &countingHandshake{}
	h := newTestHost(t, WithHandshakeFunc(hs.wait), WithIdleGrace(time.Hour))
	path := socketPath(t, "engine")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := runHost(t, h, ctx, path)
	cancel()
	require.NoError(t, waitRun(t, errCh))

	_, reason := h.Supervisor().State()
	assert.Equal(t, ReasonCanceled, reason)
	assert.EqualValues(t, 0, hs.calls.Load())
}

func TestHostAlreadyBound(t *testing.T) {
	first := newTestHost(t, WithIdleGrace(time.Hour))
	path := socketPath(t, "engine")
	ctx, cancel := context.WithCancel(context.Background())
	errCh := runHost(t, first, ctx, path)
	defer func() {
		cancel()
		waitRun(t, errCh)
	}()

	hs := &countingHandshake{}
	second := newTestHost(t, WithHandshakeFunc(hs.wait))
	err := second.Run(context.Background(), path)
	var tie *rpc.TransportInitError
	require.ErrorAs(t, err, &tie)
	assert.True(t, tie.AlreadyBound)
	assert.EqualValues(t, 0, hs.calls.Load())

	// the first engine is unaffected
	assert.True(t, enet.IsBound(path))
}

func TestHostWaitsForCrashHandler(t *testing.T) {
	channel := socketPath(t, handshake.DefaultName)
	h := newTestHost(t, WithHandshakeChannel(channel), WithHandshakeTimeout(0))
	path := socketPath(t, "engine")

	errCh := runHost(t, h, context.Background(), path)
	<-h.Supervisor().Done()

	// the server stays bound until the crash handler answers
	time.Sleep(100 * time.Millisecond)
	assert.True(t, enet.IsBound(path))
	select {
	case <-errCh:
		t.Fatal("engine exited before the handshake")
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handshake.Send(ctx, channel, []byte("bye")))
	require.NoError(t, waitRun(t, errCh))
	assert.False(t, enet.IsBound(path))
}

func TestHostHandshakeTimeoutProceeds(t *testing.T) {
	channel := socketPath(t, handshake.DefaultName)
	h := newTestHost(t, WithHandshakeChannel(channel), WithHandshakeTimeout(50*time.Millisecond))
	path := socketPath(t, "engine")

	errCh := runHost(t, h, context.Background(), path)
	require.NoError(t, waitRun(t, errCh))
	assert.False(t, enet.IsBound(path))
}

func TestHostHandshakeOpenFailureProceeds(t *testing.T) {
	channel := filepath.Join(t.TempDir(), "missing", "dir", "handshake.sock")
	h := newTestHost(t, WithHandshakeChannel(channel), WithHandshakeTimeout(0))
	path := socketPath(t, "engine")

	errCh := runHost(t, h, context.Background(), path)
	require.NoError(t, waitRun(t, errCh))
}

func TestNewHostRejectsZeroInterval(t *testing.T) {
	_, err := NewHost(WithLogger(zap.NewNop()), WithIdleInterval(0))
	assert.Error(t, err)
}
