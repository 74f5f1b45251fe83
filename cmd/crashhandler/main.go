package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/guseggert/enginehost/handshake"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "crashhandler",
		Usage: "releases an idle engine waiting on the exit handshake",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "channel",
				Usage: "The handshake channel the engine waits on.",
				Value: handshake.DefaultChannel(),
			},
			&cli.StringFlag{
				Name:  "payload",
				Usage: "The message to send. Its content is ignored by the engine.",
				Value: "exit",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the engine to open the channel.",
				Value: 30 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			log := logger.Named("crashhandler").Sugar()

			channel := c.String("channel")
			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			log.Debugw("sending exit handshake", "Channel", channel)
			err = handshake.Send(ctx, channel, []byte(c.String("payload")))
			if err != nil {
				return fmt.Errorf("sending handshake: %w", err)
			}
			log.Infow("engine released", "Channel", channel)
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
