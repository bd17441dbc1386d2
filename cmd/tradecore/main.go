package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradecore/internal/config"
	"tradecore/pkg/utils"
)

var version = "dev"

// cli - общее окружение команд: конфигурация и logger
type cli struct {
	cfg *config.Config
	log *utils.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd создает корневую команду.
// Конфигурация читается из окружения (и .env) до запуска любой подкоманды.
func newRootCmd() *cobra.Command {
	app := &cli{}

	root := &cobra.Command{
		Use:           "tradecore",
		Short:         "Risk-managed trading core",
		Long:          "tradecore executes trading signals under rate, daily-loss and position-risk limits, monitors open positions and retries failed executions from a dead letter queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Logging.Level = "debug"
			}
			app.cfg = cfg
			app.log = utils.InitLogger(utils.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
				Output: cfg.Logging.Output,
			})
			utils.SetGlobalLogger(app.log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if app.log != nil {
				_ = app.log.Sync()
			}
		},
	}

	root.PersistentFlags().Bool("debug", false, "Enable debug logging")

	root.AddCommand(newServeCmd(app))
	root.AddCommand(newMigrateCmd(app))
	root.AddCommand(newDLQCmd(app))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// версия не требует конфигурации
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradecore %s\n", version)
		},
	}
}
