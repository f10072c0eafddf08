package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/app"
	"github.com/opsdeskhq/opsdesk/internal/utils"
)

// QueueCommand returns the CLI command for inspecting the offline queue
func QueueCommand() *cli.Command {
	return &cli.Command{
		Name:        "queue",
		Usage:       "Inspect or clear the offline operation queue",
		Description: "Shows the operations parked while offline, with their per-operation failure counts. Clearing the queue discards them permanently.",
		Action:      queueStatusAction,
		Subcommands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show queue size and failure counts",
				Action: queueStatusAction,
			},
			{
				Name:  "clear",
				Usage: "Discard every queued operation",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "yes",
						Aliases: []string{"y"},
						Usage:   "Skip the confirmation prompt",
					},
				},
				Action: queueClearAction,
			},
		},
	}
}

func queueStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	status := application.Retry.GetQueueStatus()

	utils.PrintHeading("Offline queue")
	if status.Online {
		utils.PrintKeyValueWithColor("Connectivity", "online", utils.Theme.Success)
	} else {
		utils.PrintKeyValueWithColor("Connectivity", "offline", utils.Theme.Error)
	}
	utils.PrintKeyValue("Queued operations", fmt.Sprintf("%d", status.QueueSize))

	if len(status.ErrorCounts) > 0 {
		rows := make([][]string, 0, len(status.ErrorCounts))
		for operationID, count := range status.ErrorCounts {
			rows = append(rows, []string{operationID, fmt.Sprintf("%d", count)})
		}
		utils.PrintTable([]string{"Operation", "Consecutive failures"}, rows)
	}

	if status.QueueSize == 0 {
		utils.PrintSuccess("Nothing queued")
	}
	return nil
}

func queueClearAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if !c.Bool("yes") {
		utils.PrintWarning("This discards every queued operation. Re-run with --yes to confirm.")
		return nil
	}

	discarded := application.Retry.ClearQueue()
	utils.PrintSuccess(fmt.Sprintf("Discarded %d queued operation(s)", discarded))
	return nil
}
