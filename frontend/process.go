package frontend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// ProcessResult is the outcome of an engine process.
type ProcessResult struct {
	ExitCode int
	TimeMS   int64
}

// EngineProcess is an engine started by the controller.
type EngineProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	result ProcessResult
	err    error
}

// startEngine runs bin with the channel path as its only argument. Canceling ctx kills the process.
func startEngine(ctx context.Context, bin, path string, stdout, stderr io.Writer) (*EngineProcess, error) {
	cmd := exec.Command(bin, path)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting engine: %w", err)
	}

	p := &EngineProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		p.result.TimeMS = time.Since(start).Milliseconds()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				p.result.ExitCode = exitErr.ExitCode()
			} else {
				p.err = err
				p.result.ExitCode = -1
			}
		}
	}()

	// kill the process if the context is canceled
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-p.done:
		}
	}()

	return p, nil
}

func (p *EngineProcess) Pid() int { return p.cmd.Process.Pid }

// Exited is closed once the process has exited.
func (p *EngineProcess) Exited() <-chan struct{} { return p.done }

// Wait blocks until the process exits or ctx is done.
func (p *EngineProcess) Wait(ctx context.Context) (*ProcessResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		res := p.result
		return &res, p.err
	}
}

// Kill kills the process and waits for it to exit.
func (p *EngineProcess) Kill() {
	p.cmd.Process.Kill()
	<-p.done
}
