package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/browser/session"
	"github.com/halfmoonsec/cleargate/internal/challenge"
	"github.com/halfmoonsec/cleargate/internal/config"
	"github.com/halfmoonsec/cleargate/internal/observability"
)

func newSolveCommand(getConfig func() *config.Config) *cobra.Command {
	var (
		challengeType string
		expect        string
	)

	cmd := &cobra.Command{
		Use:   "solve <url>",
		Short: "Navigate to a URL and clear its Cloudflare checkbox challenge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getConfig()
			log := observability.GetLogger()
			ctx := cmd.Context()
			url := args[0]

			manager := session.NewManager(cfg.Browser, log)
			defer func() {
				shutdownCtx, cancel := shutdownContext()
				defer cancel()
				_ = manager.Shutdown(shutdownCtx)
			}()

			page, err := manager.NewPage(ctx)
			if err != nil {
				return err
			}
			if err := page.Navigate(ctx, url); err != nil {
				return err
			}

			solver := challenge.NewSolver(manager, log,
				challenge.WithObserver(challenge.BodyTextProbe(log)))

			solved, err := solver.Solve(ctx, page, solveOptions(cfg, challengeType, expect))
			if err != nil {
				return err
			}
			if !solved {
				return fmt.Errorf("challenge on %s not solved within the attempt budget", url)
			}
			log.Info("challenge cleared", zap.String("url", url))
			return nil
		},
	}

	cmd.Flags().StringVarP(&challengeType, "type", "t", string(schemas.ChallengeInterstitial),
		"challenge variant: interstitial or turnstile")
	cmd.Flags().StringVar(&expect, "expect", "",
		"CSS selector whose presence counts as success regardless of indicators")
	return cmd
}

func solveOptions(cfg *config.Config, challengeType, expect string) challenge.Options {
	if expect == "" {
		expect = cfg.Challenge.ExpectedContentSelector
	}
	return challenge.Options{
		Type:                    schemas.ChallengeType(challengeType),
		ExpectedContentSelector: expect,
		SolveAttempts:           cfg.Challenge.SolveAttempts,
		AttemptDelay:            cfg.Challenge.AttemptDelay,
		WaitCheckboxAttempts:    cfg.Challenge.WaitCheckboxAttempts,
		WaitCheckboxDelay:       cfg.Challenge.WaitCheckboxDelay,
		CheckboxClickAttempts:   cfg.Challenge.CheckboxClickAttempts,
		ClickSettleDelay:        cfg.Challenge.ClickSettleDelay,
	}
}

func shutdownContext() (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
