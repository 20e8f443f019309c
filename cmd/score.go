package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/internal/config"
	"github.com/halfmoonsec/cleargate/internal/llmclient"
	"github.com/halfmoonsec/cleargate/internal/observability"
	"github.com/halfmoonsec/cleargate/internal/scorer"
	"github.com/halfmoonsec/cleargate/internal/store"
)

func newScoreCommand(getConfig func() *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score unscored jobs with the configured LLM",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			log := observability.GetLogger()
			ctx := cmd.Context()

			pool, err := pgxpool.New(ctx, cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			st, err := store.New(ctx, pool, log)
			if err != nil {
				return err
			}
			if err := st.EnsureSchema(ctx); err != nil {
				return err
			}

			llm, err := llmclient.NewGeminiClient(cfg.AI, log)
			if err != nil {
				return err
			}
			defer llm.Close()

			s := scorer.New(llm, st, cfg.AI.Concurrency, cfg.AI.Temperature, log)
			scored, err := s.ScoreBatch(ctx, limit)
			if err != nil {
				return err
			}
			log.Info("scoring finished", zap.Int("scored", scored))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of jobs to score")
	return cmd
}
