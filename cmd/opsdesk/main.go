package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/app"
	"github.com/opsdeskhq/opsdesk/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	cliApp := &cli.App{
		Name:  "opsdesk",
		Usage: "Operations client with optimistic sync and offline resilience",
		Description: "opsdesk keeps live local views of orders, customers, inventory and payments,\n" +
			"applies mutations optimistically, retries failed network operations with backoff,\n" +
			"and queues writes while offline to drain them on reconnect.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Before: func(c *cli.Context) error {
			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			// Store the app instance in the context for later use
			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if application, ok := c.App.Metadata["app"].(*app.App); ok {
				return application.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.StatusCommand(),
			commands.QueueCommand(),
			commands.WatchCommand(),
			commands.AuditCommand(),
		},
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
