package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/app"
	"github.com/opsdeskhq/opsdesk/internal/audit"
	"github.com/opsdeskhq/opsdesk/internal/entity"
	"github.com/opsdeskhq/opsdesk/internal/utils"
)

// AuditCommand returns the CLI command for browsing the diagnostic audit log
func AuditCommand() *cli.Command {
	return &cli.Command{
		Name:        "audit",
		Usage:       "Browse the diagnostic records of failed and drained operations",
		Description: "Lists the audit records written when operations exhaust their retries, fail critically, are queued while offline, or are replayed on reconnect.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of records to show",
				Value:   20,
			},
			&cli.StringFlag{
				Name:  "operation",
				Usage: "Show records for one operation id",
			},
			&cli.StringFlag{
				Name:  "entity-type",
				Usage: "Filter by entity kind (order, customer, inventory, payment)",
			},
			&cli.StringFlag{
				Name:  "entity-id",
				Usage: "Filter by entity id (requires --entity-type)",
			},
		},
		Action: auditAction,
	}
}

func auditAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	limit := c.Int("limit")
	ctx := c.Context

	var records []*audit.Record
	switch {
	case c.String("operation") != "":
		records, err = application.Audit.ListByOperation(ctx, c.String("operation"), limit)
	case c.String("entity-id") != "":
		kind := entity.Kind(strings.ToLower(c.String("entity-type")))
		if !kind.Valid() {
			return fmt.Errorf("--entity-id requires a valid --entity-type")
		}
		records, err = application.Audit.ListByEntity(ctx, kind, c.String("entity-id"), limit)
	default:
		records, err = application.Audit.ListRecent(ctx, limit)
	}
	if err != nil {
		return fmt.Errorf("listing audit records: %w", err)
	}

	utils.PrintHeading("Audit log")
	if len(records) == 0 {
		utils.PrintSuccess("No diagnostic records")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		entityRef := string(rec.EntityType)
		if rec.EntityID != "" {
			entityRef = rec.EntityID
		}
		rows = append(rows, []string{
			rec.CompletedAt.Format(time.RFC3339),
			rec.OperationID,
			entityRef,
			string(rec.Outcome),
			string(rec.ErrorType),
			fmt.Sprintf("%d", rec.Attempts),
			truncate(rec.ErrorMessage, 48),
		})
	}
	utils.PrintTable([]string{"Completed", "Operation", "Entity", "Outcome", "Error type", "Attempts", "Message"}, rows)
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
