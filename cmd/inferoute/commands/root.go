// Package commands implements the inferoute CLI commands using cobra.
package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/castilho/inferoute/pkg/inferoute/app"
	"github.com/castilho/inferoute/pkg/inferoute/engine"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "inferoute",
		Short: "Message classification and inference routing engine",
		Long: `inferoute classifies incoming messages (override, slash command, or AI
sorting), routes them to the right generation handler, and manages the
model catalog, prompt templates, and knowledge base behind them.

Examples:
  inferoute chat "How do invoices work?"
  inferoute chat            # interactive mode
  inferoute serve           # queue worker daemon
  inferoute models
  inferoute kb index TASKPROMPT:billing ./docs/*.md`,
		Version: version,
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newServeCmd(),
		newModelsCmd(),
		newSetupCmd(),
		newKBCmd(),
		newReprocessCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}

// defaultConfigPath is where the CLI looks when --config is not given.
const defaultConfigPath = "./config.yaml"

// openApp loads config, builds the logger, and wires the engine.
func openApp(cmd *cobra.Command) (*app.App, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := engine.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}
	logger := engine.SetupLogger(cfg.Logging)
	slog.SetDefault(logger)

	return app.New(cfg, logger)
}

// configPath resolves the config path the same way openApp does.
func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	return path
}
