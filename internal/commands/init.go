package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/opsdeskhq/opsdesk/internal/config"
	"github.com/opsdeskhq/opsdesk/internal/database"
	"github.com/opsdeskhq/opsdesk/internal/utils"
)

// InitCommand returns the CLI command for initializing the opsdesk environment
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the opsdesk environment",
		Description: "Sets up the opsdesk environment including the configuration directory " +
			"and the local audit database with its tables. Use this command for first-time " +
			"setup or to update the database schema after upgrading.",
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing opsdesk")

			homeDir, err := os.UserHomeDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
				return fmt.Errorf("failed to get user home directory: %w", err)
			}

			configDir := filepath.Join(homeDir, ".opsdesk")
			utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

			if err := os.MkdirAll(configDir, 0755); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to create config directory: %s", err))
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			utils.PrintInfo("Extracting default configuration file")
			configFilePath := filepath.Join(configDir, ".env")

			if err := config.SetupConfigDirectory(configDir, true); err != nil {
				utils.PrintWarning(fmt.Sprintf("Failed to set up configuration files: %s", err))
				// Continue anyway as this is not critical
			}

			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			utils.PrintInfo("Initializing audit database...")
			if err := database.InitDB(cfg); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to initialize database: %s", err))
				return fmt.Errorf("failed to initialize database: %w", err)
			}

			utils.PrintInfo("Applying database migrations...")
			if err := database.RunMigrations(); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			utils.PrintSuccess("opsdesk initialized successfully!")
			utils.PrintInfo("Edit " + color.YellowString("%s", configFilePath) + " to point at your server")
			return nil
		},
	}
}
