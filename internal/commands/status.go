package commands

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/app"
	"github.com/opsdeskhq/opsdesk/internal/utils"
)

// StatusCommand returns the CLI command for showing engine status
func StatusCommand() *cli.Command {
	return &cli.Command{
		Name:        "status",
		Usage:       "Show connectivity, push feed and queue status",
		Description: "Displays the engine's connectivity state, the health of the push feed, the offline queue and any pending notifications.",
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			utils.PrintHeading("opsdesk status")
			utils.PrintKeyValue("Server", application.Config.Server.URL)
			utils.PrintKeyValue("Events", application.Config.Server.EventsURL)
			utils.PrintDivider()

			status := application.Retry.GetQueueStatus()
			if status.Online {
				utils.PrintKeyValueWithColor("Connectivity", "online", utils.Theme.Success)
			} else {
				utils.PrintKeyValueWithColor("Connectivity", "offline", utils.Theme.Error)
			}

			if application.Bus.Healthy() {
				utils.PrintKeyValueWithColor("Push feed", "healthy", utils.Theme.Success)
			} else {
				utils.PrintKeyValueWithColor("Push feed", "degraded (polling fallback)", utils.Theme.Warning)
			}

			utils.PrintKeyValue("Queued operations", fmt.Sprintf("%d", status.QueueSize))
			if status.OldestQueuedAt != nil {
				utils.PrintKeyValue("Oldest queued", time.Since(*status.OldestQueuedAt).Round(time.Second).String()+" ago")
			}

			if states := application.Collections.States(); len(states) > 0 {
				utils.PrintDivider()
				utils.PrintSubHeading("Collections")
				rows := make([][]string, 0, len(states))
				for key, state := range states {
					rows = append(rows, []string{key, string(state)})
				}
				utils.PrintTable([]string{"View", "State"}, rows)
			}

			if pending := application.Notifier.Pending(); len(pending) > 0 {
				utils.PrintDivider()
				utils.PrintSubHeading("Pending notifications")
				for _, n := range pending {
					utils.PrintKeyValueWithColor(n.ID, n.Message, text.Colors{text.FgHiYellow})
				}
			}

			return nil
		},
	}
}
