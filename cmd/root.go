package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/internal/config"
	"github.com/halfmoonsec/cleargate/internal/observability"
)

// NewRootCommand builds a fresh command tree. A new tree per invocation keeps
// flag state from leaking between runs.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	var cfg *config.Config

	root := &cobra.Command{
		Use:     "cleargate",
		Short:   "Challenge-aware job scraping and scoring pipeline",
		Long:    "cleargate drives a real browser through Cloudflare checkbox challenges,\nscrapes job listings behind them, and ranks the results with an LLM.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{
					Level: "info", Format: "console", ServiceName: "cleargate",
				})
				return err
			}
			cfg = loaded
			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("starting cleargate", zap.String("version", Version))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./config.yaml, then ~/.cleargate/config.yaml)")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	// Subcommands read the loaded config through this accessor; it is only
	// valid once PersistentPreRunE has run.
	getConfig := func() *config.Config { return cfg }

	root.AddCommand(newSolveCommand(getConfig))
	root.AddCommand(newScrapeCommand(getConfig))
	root.AddCommand(newScoreCommand(getConfig))
	return root
}

// Execute runs the CLI until completion or signal-driven cancellation.
func Execute(ctx context.Context) error {
	defer observability.Sync()

	root := NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return err
	}
	return nil
}
