package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guseggert/enginehost/engine"
	"github.com/guseggert/enginehost/internal/files"
	"github.com/guseggert/enginehost/rpc"
	"go.uber.org/zap"
)

var ErrAlreadyConnected = errors.New("already connected")

// Controller holds the front-end's connection to an engine, optionally an engine process it started.
type Controller struct {
	log           *zap.SugaredLogger
	engineBin     string
	engineStdout  io.Writer
	engineStderr  io.Writer
	clientOptions []rpc.ClientOption

	mu      sync.Mutex
	client  *rpc.Client
	process *EngineProcess
}

type ControllerOption func(c *Controller)

// WithEngineBin sets the engine binary started by Host, instead of searching for it.
func WithEngineBin(bin string) ControllerOption {
	return func(c *Controller) {
		c.engineBin = bin
	}
}

// WithEngineOutput sets where the output of a hosted engine goes.
func WithEngineOutput(stdout, stderr io.Writer) ControllerOption {
	return func(c *Controller) {
		c.engineStdout = stdout
		c.engineStderr = stderr
	}
}

func WithClientOptions(opts ...rpc.ClientOption) ControllerOption {
	return func(c *Controller) {
		c.clientOptions = append(c.clientOptions, opts...)
	}
}

func NewController(log *zap.SugaredLogger, opts ...ControllerOption) *Controller {
	c := &Controller{log: log.Named("controller")}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect attaches to an engine already serving at path.
func (c *Controller) Connect(ctx context.Context, path string) error {
	c.mu.Lock()
	connected := c.client != nil
	c.mu.Unlock()
	if connected {
		return ErrAlreadyConnected
	}

	client, err := rpc.Dial(ctx, c.log, path, c.clientOptions...)
	if err != nil {
		return fmt.Errorf("connecting to engine at %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		client.Close()
		return ErrAlreadyConnected
	}
	c.client = client
	c.log.Debugw("connected", "Path", path)
	return nil
}

// Host starts an engine serving at path and connects to it. The engine is killed if it cannot be connected to.
func (c *Controller) Host(ctx context.Context, path string) (*EngineProcess, error) {
	bin := c.engineBin
	if bin == "" {
		var err error
		bin, err = files.FindEngineBin()
		if err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.mu.Unlock()

	// the process outlives the ctx used for connecting
	proc, err := startEngine(context.Background(), bin, path, c.engineStdout, c.engineStderr)
	if err != nil {
		return nil, err
	}
	c.log.Debugw("started engine", "Bin", bin, "Path", path, "Pid", proc.Pid())

	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// stop waiting for the engine if it exits, e.g. because the path is already bound
		select {
		case <-proc.Exited():
			cancel()
		case <-connectCtx.Done():
		}
	}()

	if err := c.Connect(connectCtx, path); err != nil {
		select {
		case <-proc.Exited():
			res, _ := proc.Wait(context.Background())
			return nil, fmt.Errorf("engine exited with code %d: %w", res.ExitCode, err)
		default:
		}
		proc.Kill()
		return nil, err
	}

	c.mu.Lock()
	c.process = proc
	c.mu.Unlock()
	return proc, nil
}

// Disconnect closes the connection. A hosted engine is asked to shut down and waited for until ctx is done.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client, proc := c.client, c.process
	c.client, c.process = nil, nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if proc != nil {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		vals, err := client.Call(callCtx, engine.SystemCollection, engine.FuncShutdown)
		cancel()
		if err == nil {
			err = rpc.CheckResult(vals, 1)
		}
		if err != nil {
			c.log.Debugf("requesting engine shutdown: %s", err)
		}
	}

	err := client.Close()
	if err != nil {
		c.log.Debugf("closing connection: %s", err)
	}
	if proc == nil {
		return nil
	}

	res, err := proc.Wait(ctx)
	if err != nil {
		proc.Kill()
		return fmt.Errorf("waiting for engine to exit: %w", err)
	}
	c.log.Debugw("engine exited", "ExitCode", res.ExitCode, "TimeMS", res.TimeMS)
	return nil
}

// Conn returns the current client, or nil when not connected or the engine closed the connection.
func (c *Controller) Conn() *rpc.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil || !c.client.Connected() {
		return nil
	}
	return c.client
}

// Caller is Conn as a Caller, returning an untyped nil when not connected. It can be used as a ConnFunc.
func (c *Controller) Caller() Caller {
	if client := c.Conn(); client != nil {
		return client
	}
	return nil
}
