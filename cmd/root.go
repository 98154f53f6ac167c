package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/congestion-audit/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:          "congestion-audit",
	Short:        "Manhattan congestion toll audit over TLC trip records",
	Long:         "Unifies yellow and green TLC trip files, separates ghost trips, measures toll compliance and traffic effects, and writes chart-ready tables plus a report document.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
