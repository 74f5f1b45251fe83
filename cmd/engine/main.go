package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/enginehost/engine"
	"github.com/guseggert/enginehost/rpc"
	"github.com/guseggert/enginehost/service"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	os.Exit(run(os.Args, os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	exitCode := 0
	app := &cli.App{
		Name:      "engine",
		Usage:     "the engine process, serving the front-end on a local channel",
		ArgsUsage: "<channel path>",
		Writer:    stderr,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to a TOML config file. Flags override its values.",
			},
			&cli.DurationFlag{
				Name:  "idle-grace",
				Usage: "How long to keep running with no client attached.",
				Value: engine.DefaultIdleGrace,
			},
			&cli.DurationFlag{
				Name:  "idle-interval",
				Usage: "How often to check for attached clients.",
				Value: engine.DefaultIdleInterval,
			},
			&cli.StringFlag{
				Name:  "handshake-channel",
				Usage: "The channel the crash handler signals on before an idle shutdown.",
			},
			&cli.DurationFlag{
				Name:  "handshake-timeout",
				Usage: "How long to wait for the crash handler. 0 waits forever.",
				Value: engine.DefaultHandshakeTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				fmt.Fprintln(stderr, "There must be exactly one parameter.")
				exitCode = engine.ExitUsage
				return nil
			}
			path := c.Args().First()

			cfg := engine.DefaultConfig()
			if c.IsSet("config") {
				var err error
				cfg, err = engine.LoadConfig(c.String("config"))
				if err != nil {
					return err
				}
			}
			if c.IsSet("idle-grace") {
				cfg.IdleGrace = engine.Duration(c.Duration("idle-grace"))
			}
			if c.IsSet("idle-interval") {
				cfg.IdleInterval = engine.Duration(c.Duration("idle-interval"))
			}
			if c.IsSet("handshake-channel") {
				cfg.HandshakeChannel = c.String("handshake-channel")
			}
			if c.IsSet("handshake-timeout") {
				cfg.HandshakeTimeout = engine.Duration(c.Duration("handshake-timeout"))
			}
			if c.IsSet("log-level") {
				if _, err := zapcore.ParseLevel(c.String("log-level")); err != nil {
					return fmt.Errorf("parsing log level: %w", err)
				}
				cfg.LogLevel = c.String("log-level")
			}

			h, err := engine.NewHost(cfg.Options()...)
			if err != nil {
				return fmt.Errorf("building engine: %w", err)
			}
			queue := service.NewSignalQueue(h.Logger(), cfg.SignalQueueSize)
			outputs := service.NewSimulated(h.Logger(), func(e service.SignalEvent) { queue.Push(e) })
			if err := service.Register(h.Server(), outputs, queue); err != nil {
				return fmt.Errorf("registering service: %w", err)
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = h.Run(ctx, path)
			var tie *rpc.TransportInitError
			if errors.As(err, &tie) {
				fmt.Fprintf(stderr, "Initialization failed with error %s.\n", err)
				exitCode = engine.ExitTransportInit
				return nil
			}
			return err
		},
	}
	if err := app.RunContext(context.Background(), args); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return exitCode
}
