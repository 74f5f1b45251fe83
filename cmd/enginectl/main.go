package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/enginehost/engine"
	"github.com/guseggert/enginehost/frontend"
	"github.com/guseggert/enginehost/rpc"
	"github.com/guseggert/enginehost/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var pathFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "path",
		Usage:    "The engine channel path.",
		Required: true,
	},
	&cli.BoolFlag{
		Name:  "host",
		Usage: "Start an engine instead of connecting to a running one.",
	},
	&cli.StringFlag{
		Name:  "engine-bin",
		Usage: "The engine binary to start with --host. Searched for if unset.",
	},
	&cli.DurationFlag{
		Name:  "connect-timeout",
		Usage: "How long to wait for the engine.",
		Value: 10 * time.Second,
	},
}

func newLogger(c *cli.Context) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.Named("enginectl").Sugar(), nil
}

// attach connects to, or hosts, the engine named by the path flags.
func attach(c *cli.Context, log *zap.SugaredLogger) (*frontend.Controller, error) {
	var opts []frontend.ControllerOption
	if bin := c.String("engine-bin"); bin != "" {
		opts = append(opts, frontend.WithEngineBin(bin))
	}
	opts = append(opts, frontend.WithEngineOutput(os.Stderr, os.Stderr))
	ctrl := frontend.NewController(log, opts...)

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("connect-timeout"))
	defer cancel()
	path := c.String("path")
	if c.Bool("host") {
		if _, err := ctrl.Host(ctx, path); err != nil {
			return nil, err
		}
		return ctrl, nil
	}
	if err := ctrl.Connect(ctx, path); err != nil {
		return nil, err
	}
	return ctrl, nil
}

func printSignals(events <-chan service.SignalEvent) {
	for e := range events {
		if e.Code != 0 {
			fmt.Printf("%s\t%s\tcode=%d\t%s\n", e.OutputType, e.Signal, e.Code, e.ErrorMessage)
			continue
		}
		fmt.Printf("%s\t%s\n", e.OutputType, e.Signal)
	}
}

func main() {
	app := &cli.App{
		Name:  "enginectl",
		Usage: "drives an engine from the command line",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "warn",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "print output signals until interrupted",
				Flags: pathFlags,
				Action: func(c *cli.Context) error {
					log, err := newLogger(c)
					if err != nil {
						return err
					}
					ctrl, err := attach(c, log)
					if err != nil {
						return err
					}
					defer ctrl.Disconnect(context.Background())

					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()

					events := make(chan service.SignalEvent, 64)
					svc := frontend.NewService(log, ctrl.Caller)
					if err := svc.ConnectOutputSignals(ctx, func(e service.SignalEvent) { events <- e }); err != nil {
						return err
					}
					svc.Poller().Start()

					group, ctx := errgroup.WithContext(ctx)
					group.Go(func() error {
						printSignals(events)
						return nil
					})
					group.Go(func() error {
						defer close(events)
						defer svc.RemoveCallback()
						select {
						case <-ctx.Done():
						case <-engineGone(ctrl):
						}
						return nil
					})
					return group.Wait()
				},
			},
			{
				Name:  "demo",
				Usage: "start and stop each output, printing the signals",
				Flags: append([]cli.Flag{
					&cli.DurationFlag{
						Name:  "hold",
						Usage: "How long to keep each output running.",
						Value: 500 * time.Millisecond,
					},
				}, pathFlags...),
				Action: func(c *cli.Context) error {
					log, err := newLogger(c)
					if err != nil {
						return err
					}
					ctrl, err := attach(c, log)
					if err != nil {
						return err
					}
					defer ctrl.Disconnect(context.Background())

					events := make(chan service.SignalEvent, 64)
					svc := frontend.NewService(log, ctrl.Caller)
					if err := svc.ConnectOutputSignals(c.Context, func(e service.SignalEvent) { events <- e }); err != nil {
						return err
					}

					var group errgroup.Group
					group.Go(func() error {
						printSignals(events)
						return nil
					})
					group.Go(func() error {
						defer close(events)
						defer svc.RemoveCallback()
						return demo(c.Context, svc, c.Duration("hold"))
					})
					return group.Wait()
				},
			},
			{
				Name:  "shutdown",
				Usage: "ask a running engine to exit",
				Flags: pathFlags[:1],
				Action: func(c *cli.Context) error {
					log, err := newLogger(c)
					if err != nil {
						return err
					}
					client, err := rpc.Dial(c.Context, log, c.String("path"))
					if err != nil {
						return err
					}
					defer client.Close()
					values, err := client.Call(c.Context, engine.SystemCollection, engine.FuncShutdown)
					if err != nil {
						return err
					}
					return rpc.CheckResult(values, 1)
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func engineGone(ctrl *frontend.Controller) <-chan struct{} {
	if client := ctrl.Conn(); client != nil {
		return client.Done()
	}
	done := make(chan struct{})
	close(done)
	return done
}

func demo(ctx context.Context, svc *frontend.Service, hold time.Duration) error {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"start streaming", svc.StartStreaming},
		{"stop streaming", func(ctx context.Context) error { return svc.StopStreaming(ctx, false) }},
		{"start recording", svc.StartRecording},
		{"stop recording", svc.StopRecording},
		{"start replay buffer", svc.StartReplayBuffer},
		{"save replay", svc.ProcessReplayBufferHotkey},
		{"stop replay buffer", func(ctx context.Context) error { return svc.StopReplayBuffer(ctx, false) }},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		time.Sleep(hold)
	}
	replay, err := svc.GetLastReplay(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("last replay: %s\n", replay)
	return nil
}
