package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	enet "github.com/guseggert/enginehost/internal/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func socketPath(t *testing.T) string {
	path, err := enet.TempSocketPath("rpc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(filepath.Dir(path)) })
	return path
}

func echoCollection() *Collection {
	return NewCollection("Test").
		MustRegister("Echo", []Type{TypeString, TypeInt32}, func(call *Call) []Value {
			return OkResult(call.Args...)
		}, nil).
		MustRegister("Context", nil, func(call *Call) []Value {
			return OkResult(String(call.Context.(string)))
		}, "registered-ctx").
		MustRegister("Fail", nil, func(call *Call) []Value {
			return ErrorResult(InvalidReference, "no such thing")
		}, nil).
		MustRegister("Panic", nil, func(call *Call) []Value {
			panic("boom")
		}, nil).
		MustRegister("Empty", nil, func(call *Call) []Value {
			return nil
		}, nil)
}

func startServer(t *testing.T, opts ...ServerOption) (*Server, string) {
	path := socketPath(t)
	s := NewServer(append([]ServerOption{WithServerLogger(log)}, opts...)...)
	require.NoError(t, s.Register(echoCollection()))
	require.NoError(t, s.Initialize(path))
	t.Cleanup(func() { s.Finalize() })
	return s, path
}

func dial(t *testing.T, path string) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, log, path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCall(t *testing.T) {
	_, path := startServer(t)
	client := dial(t, path)
	ctx := context.Background()

	cases := []struct {
		name     string
		function string
		args     []Value
		expCode  ErrorCode
		expVals  []Value
	}{
		{
			name:     "echo",
			function: "Echo",
			args:     []Value{String("hello"), Int32(-7)},
			expCode:  Ok,
			expVals:  []Value{Code(Ok), String("hello"), Int32(-7)},
		},
		{
			name:     "registration context is passed to the handler",
			function: "Context",
			expCode:  Ok,
			expVals:  []Value{Code(Ok), String("registered-ctx")},
		},
		{
			name:     "unknown function returns NotFound and no payload",
			function: "Nope",
			expCode:  NotFound,
			expVals:  []Value{Code(NotFound)},
		},
		{
			name:     "wrong argument types",
			function: "Echo",
			args:     []Value{Int32(1), String("x")},
			expCode:  TypeMismatch,
			expVals:  []Value{Code(TypeMismatch)},
		},
		{
			name:     "wrong argument count",
			function: "Echo",
			args:     []Value{String("x")},
			expCode:  TypeMismatch,
			expVals:  []Value{Code(TypeMismatch)},
		},
		{
			name:     "handler error",
			function: "Fail",
			expCode:  InvalidReference,
			expVals:  []Value{Code(InvalidReference), String("no such thing")},
		},
		{
			name:     "empty result becomes Ok",
			function: "Empty",
			expCode:  Ok,
			expVals:  []Value{Code(Ok)},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			vals, err := client.Call(ctx, "Test", c.function, c.args...)
			require.NoError(t, err)
			require.NotEmpty(t, vals)
			assert.Equal(t, c.expCode, vals[0].AsCode())
			assert.Equal(t, c.expVals, vals)
		})
	}
}

func TestUnknownCollection(t *testing.T) {
	_, path := startServer(t)
	client := dial(t, path)

	vals, err := client.Call(context.Background(), "Nope", "Echo")
	require.NoError(t, err)
	assert.Equal(t, []Value{Code(NotFound)}, vals)
}

func TestHandlerPanicIsContained(t *testing.T) {
	_, path := startServer(t)
	client := dial(t, path)
	ctx := context.Background()

	vals, err := client.Call(ctx, "Test", "Panic")
	require.NoError(t, err)
	err = CheckResult(vals, 1)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CriticalError, re.Code)
	assert.Contains(t, re.Message, "boom")

	// the connection survives
	vals, err = client.Call(ctx, "Test", "Empty")
	require.NoError(t, err)
	assert.NoError(t, CheckResult(vals, 1))
}

func TestConcurrentCalls(t *testing.T) {
	_, path := startServer(t)
	client := dial(t, path)

	group, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 50; i++ {
		i := i
		group.Go(func() error {
			msg := fmt.Sprintf("msg-%d", i)
			vals, err := client.Call(ctx, "Test", "Echo", String(msg), Int32(int32(i)))
			if err != nil {
				return err
			}
			if err := CheckResult(vals, 3); err != nil {
				return err
			}
			if vals[1].Str != msg || vals[2].AsInt32() != int32(i) {
				return fmt.Errorf("got mismatched result %v for call %d", vals, i)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
}

func TestNotify(t *testing.T) {
	path := socketPath(t)
	s := NewServer(WithServerLogger(log))
	got := make(chan string, 1)
	require.NoError(t, s.RegisterFunction("Test", "Record", []Type{TypeString}, func(call *Call) []Value {
		got <- call.Args[0].Str
		return nil
	}, nil))
	require.NoError(t, s.Initialize(path))
	defer s.Finalize()

	client := dial(t, path)
	require.NoError(t, client.Notify(context.Background(), "Test", "Record", String("fire")))

	select {
	case v := <-got:
		assert.Equal(t, "fire", v)
	case <-time.After(5 * time.Second):
		t.Fatal("one-way call was never dispatched")
	}
}

func TestDuplicateRegistration(t *testing.T) {
	s := NewServer()
	require.NoError(t, s.Register(echoCollection()))

	err := s.Register(echoCollection())
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	err = s.RegisterFunction("Test", "Echo", nil, func(*Call) []Value { return nil }, nil)
	assert.ErrorIs(t, err, ErrDuplicateHandler)

	// a new function in an existing collection merges
	require.NoError(t, s.RegisterFunction("Test", "Other", nil, func(*Call) []Value { return nil }, nil))

	c := NewCollection("X")
	require.NoError(t, c.Register("A", nil, func(*Call) []Value { return nil }, nil))
	assert.ErrorIs(t, c.Register("A", nil, func(*Call) []Value { return nil }, nil), ErrDuplicateHandler)
	assert.Panics(t, func() { c.MustRegister("A", nil, func(*Call) []Value { return nil }, nil) })
}

func TestRegisterAfterInitialize(t *testing.T) {
	s, _ := startServer(t)
	err := s.RegisterFunction("Late", "Fn", nil, func(*Call) []Value { return nil }, nil)
	assert.ErrorIs(t, err, ErrServerInitialized)
}

func TestInitializeAlreadyBound(t *testing.T) {
	_, path := startServer(t)

	second := NewServer()
	err := second.Initialize(path)
	var tie *TransportInitError
	require.ErrorAs(t, err, &tie)
	assert.True(t, tie.AlreadyBound)
	assert.Equal(t, path, tie.Path)
	// the live server keeps its socket
	assert.True(t, enet.IsBound(path))
	c := dial(t, path)
	_, err = c.Call(context.Background(), "Test", "Empty")
	require.NoError(t, err)

	// finalize after a failed initialize is harmless
	assert.NoError(t, second.Finalize())
	assert.NoError(t, second.Finalize())
}

func TestInitializeBadPath(t *testing.T) {
	s := NewServer()
	err := s.Initialize(filepath.Join(t.TempDir(), "missing", "dir", "engine.sock"))
	var tie *TransportInitError
	require.ErrorAs(t, err, &tie)
	assert.False(t, tie.AlreadyBound)
	assert.NoError(t, s.Finalize())
}

func TestInitializeReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)

	// simulate a crashed server that left its socket file behind
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	ul := l.(*net.UnixListener)
	ul.SetUnlinkOnClose(false)
	require.NoError(t, ul.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	s := NewServer()
	require.NoError(t, s.Initialize(path))
	require.NoError(t, s.Finalize())
}

func TestInitializeOverRegularFile(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("not a socket"), 0o644))

	s := NewServer()
	err := s.Initialize(path)
	var tie *TransportInitError
	require.ErrorAs(t, err, &tie)
	assert.False(t, tie.AlreadyBound)
}

func TestFinalizeNeverInitialized(t *testing.T) {
	s := NewServer()
	assert.NoError(t, s.Finalize())
	assert.NoError(t, s.Finalize())
	assert.ErrorIs(t, s.Initialize(socketPath(t)), ErrClosed)
}

func TestConnectDisconnectHandlers(t *testing.T) {
	var (
		mu          sync.Mutex
		connects    []int64
		disconnects []int64
	)
	path := socketPath(t)
	s := NewServer(WithServerLogger(log))
	require.NoError(t, s.Register(echoCollection()))
	s.SetConnectHandler(func(ctx any, id int64) bool {
		assert.Equal(t, "ctx", ctx)
		mu.Lock()
		defer mu.Unlock()
		connects = append(connects, id)
		return true
	}, "ctx")
	s.SetDisconnectHandler(func(ctx any, id int64) {
		mu.Lock()
		defer mu.Unlock()
		disconnects = append(disconnects, id)
	}, "ctx")
	require.NoError(t, s.Initialize(path))

	c1 := dial(t, path)
	c2 := dial(t, path)
	_, err := c1.Call(context.Background(), "Test", "Empty")
	require.NoError(t, err)
	_, err = c2.Call(context.Background(), "Test", "Empty")
	require.NoError(t, err)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnects) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// finalize closes the remaining connection and waits for its disconnect handler
	require.NoError(t, s.Finalize())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, connects, 2)
	assert.ElementsMatch(t, connects, disconnects)

	select {
	case <-c2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client was not notified of finalize")
	}
	_, err = c2.Call(context.Background(), "Test", "Empty")
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestConnectHandlerRefuses(t *testing.T) {
	var disconnects atomic.Int32
	path := socketPath(t)
	s := NewServer(WithServerLogger(log))
	require.NoError(t, s.Register(echoCollection()))
	s.SetConnectHandler(func(any, int64) bool { return false }, nil)
	s.SetDisconnectHandler(func(any, int64) { disconnects.Add(1) }, nil)
	require.NoError(t, s.Initialize(path))
	defer s.Finalize()

	client := dial(t, path)
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("refused connection was not closed")
	}
	_, err := client.Call(context.Background(), "Test", "Empty")
	assert.Error(t, err)
	assert.Equal(t, int32(0), disconnects.Load())
}

func TestCallWithoutConnection(t *testing.T) {
	c := NewClient(log, socketPath(t))
	_, err := c.Call(context.Background(), "Test", "Echo")
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, c.Notify(context.Background(), "Test", "Echo"), ErrNoConnection)
	assert.False(t, c.Connected())
	assert.NoError(t, c.Close())
}

func TestConcurrentConnect(t *testing.T) {
	_, path := startServer(t)
	c := NewClient(log, path)
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))

	var connected atomic.Int32
	var group errgroup.Group
	for i := 0; i < 8; i++ {
		group.Go(func() error {
			err := c.Connect(ctx)
			if err == nil {
				connected.Add(1)
				return nil
			}
			if errors.Is(err, ErrAlreadyConnected) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, group.Wait())
	assert.EqualValues(t, 1, connected.Load())

	_, err := c.Call(ctx, "Test", "Empty")
	require.NoError(t, err)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Connect(ctx), ErrAlreadyConnected)
}

func TestWaitForServerTimesOut(t *testing.T) {
	c := NewClient(log, socketPath(t))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := c.WaitForServer(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestServerShutdownNoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := socketPath(t)
	s := NewServer(WithServerLogger(log))
	require.NoError(t, s.Register(echoCollection()))
	require.NoError(t, s.Initialize(path))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, log, path)
	require.NoError(t, err)
	_, err = c.Call(ctx, "Test", "Empty")
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, s.Finalize())
	c.HTTPClient.CloseIdleConnections()
}
