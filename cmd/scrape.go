package cmd

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/browser/session"
	"github.com/halfmoonsec/cleargate/internal/challenge"
	"github.com/halfmoonsec/cleargate/internal/config"
	"github.com/halfmoonsec/cleargate/internal/extract"
	"github.com/halfmoonsec/cleargate/internal/observability"
	"github.com/halfmoonsec/cleargate/internal/store"
)

const searchURLBase = "https://www.upwork.com/nx/search/jobs/"

// listingReadySelector marks a rendered results page: job tiles are articles.
const listingReadySelector = "article"

func newScrapeCommand(getConfig func() *config.Config) *cobra.Command {
	var (
		maxPages      int
		challengeType string
	)

	cmd := &cobra.Command{
		Use:   "scrape <query> [query...]",
		Short: "Scrape job listings for one or more search queries",
		Long: "Scrape fetches search result pages in a real browser, clearing any\n" +
			"challenge in the way, extracts job postings, and stores them. Insertion\n" +
			"stops at the first already-known job per page, so re-runs only pick up\n" +
			"what is new.",
		Args: cobra.MinimumNArgs(1),
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

			manager := session.NewManager(cfg.Browser, log)
			defer func() {
				shutdownCtx, cancel := shutdownContext()
				defer cancel()
				_ = manager.Shutdown(shutdownCtx)
			}()

			if maxPages <= 0 {
				maxPages = cfg.Scrape.MaxPages
			}
			run := &scrapeRun{
				id:        uuid.NewString(),
				cfg:       cfg,
				log:       log,
				manager:   manager,
				store:     st,
				extractor: extract.New(log),
				solver: challenge.NewSolver(manager, log,
					challenge.WithObserver(challenge.BodyTextProbe(log))),
				limiter:       rate.NewLimiter(rate.Every(cfg.Scrape.PageDelay), 1),
				challengeType: schemas.ChallengeType(challengeType),
				maxPages:      maxPages,
			}

			total := 0
			for _, query := range args {
				n, err := run.scrapeQuery(ctx, query)
				if err != nil {
					return err
				}
				total += n
			}
			log.Info("scrape finished", zap.String("run_id", run.id), zap.Int("jobs_inserted", total))
			return nil
		},
	}

	cmd.Flags().IntVar(&maxPages, "pages", 0, "maximum result pages per query (default from config)")
	cmd.Flags().StringVarP(&challengeType, "type", "t", string(schemas.ChallengeInterstitial),
		"challenge variant guarding the site: interstitial or turnstile")
	return cmd
}

type scrapeRun struct {
	id            string
	cfg           *config.Config
	log           *zap.Logger
	manager       *session.Manager
	store         *store.Store
	extractor     *extract.Extractor
	solver        *challenge.Solver
	limiter       *rate.Limiter
	challengeType schemas.ChallengeType
	maxPages      int
}

// scrapeQuery walks result pages for one query until a page yields nothing
// new or the page budget runs out. Returns the number of jobs inserted.
func (r *scrapeRun) scrapeQuery(ctx context.Context, query string) (int, error) {
	log := r.log.With(zap.String("query", query))
	inserted := 0

	for pageNum := 1; pageNum <= r.maxPages; pageNum++ {
		links, err := r.fetchListing(ctx, query, pageNum)
		if err != nil {
			return inserted, err
		}
		if len(links) == 0 {
			log.Info("no job tiles on page, stopping", zap.Int("page", pageNum))
			break
		}

		jobs := r.fetchDetails(ctx, query, links)
		n, err := r.store.InsertJobs(ctx, jobs)
		if err != nil {
			return inserted, err
		}
		inserted += n
		log.Info("page scraped",
			zap.Int("page", pageNum), zap.Int("found", len(links)), zap.Int("inserted", n))

		// A short insert means the batch hit a known job: everything older is
		// already stored and later pages would only repeat it.
		if n < len(jobs) {
			break
		}
	}
	return inserted, nil
}

func (r *scrapeRun) fetchListing(ctx context.Context, query string, pageNum int) ([]extract.Link, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	page, err := r.manager.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	defer page.Close(ctx)

	if err := page.Navigate(ctx, searchURL(query, pageNum)); err != nil {
		return nil, err
	}
	solved, err := r.solver.Solve(ctx, page, r.solveOptions())
	if err != nil {
		return nil, err
	}
	if !solved {
		return nil, fmt.Errorf("challenge on results page %d for %q not solved", pageNum, query)
	}

	tab, ok := page.(*session.Tab)
	if !ok {
		return nil, fmt.Errorf("page is %T, expected a browser tab", page)
	}
	body, err := tab.OuterHTML(ctx)
	if err != nil {
		return nil, err
	}
	return r.extractor.ListingLinks(body)
}

// fetchDetails loads each job page and extracts it. A failing detail page is
// logged and skipped; the listing's remaining jobs still count.
func (r *scrapeRun) fetchDetails(ctx context.Context, query string, links []extract.Link) []schemas.Job {
	jobs := make([]schemas.Job, 0, len(links))
	for _, link := range links {
		if ctx.Err() != nil {
			break
		}
		job, err := r.fetchDetail(ctx, link)
		if err != nil {
			r.log.Warn("skipping job detail",
				zap.String("url", link.URL), zap.Error(err))
			continue
		}
		job.RunID = r.id
		job.SearchQuery = query
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now().UTC()
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *scrapeRun) fetchDetail(ctx context.Context, link extract.Link) (schemas.Job, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return schemas.Job{}, err
	}

	page, err := r.manager.NewPage(ctx)
	if err != nil {
		return schemas.Job{}, err
	}
	defer page.Close(ctx)

	if err := page.Navigate(ctx, link.URL); err != nil {
		return schemas.Job{}, err
	}
	solved, err := r.solver.Solve(ctx, page, r.solveOptions())
	if err != nil {
		return schemas.Job{}, err
	}
	if !solved {
		return schemas.Job{}, fmt.Errorf("challenge not solved")
	}

	tab, ok := page.(*session.Tab)
	if !ok {
		return schemas.Job{}, fmt.Errorf("page is %T, expected a browser tab", page)
	}
	body, err := tab.OuterHTML(ctx)
	if err != nil {
		return schemas.Job{}, err
	}
	return r.extractor.JobDetail(body, link.URL)
}

func (r *scrapeRun) solveOptions() challenge.Options {
	opts := solveOptions(r.cfg, string(r.challengeType), "")
	if opts.ExpectedContentSelector == "" {
		opts.ExpectedContentSelector = listingReadySelector
	}
	return opts
}

func searchURL(query string, pageNum int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("sort", "recency")
	if pageNum > 1 {
		v.Set("page", fmt.Sprint(pageNum))
	}
	return searchURLBase + "?" + v.Encode()
}
