package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/halfmoonsec/cleargate/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested against pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL implementation of schemas.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.Store = (*Store)(nil)

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const createJobsTable = `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id             TEXT PRIMARY KEY,
		run_id             TEXT NOT NULL DEFAULT '',
		search_query       TEXT NOT NULL DEFAULT '',
		title              TEXT NOT NULL DEFAULT '',
		description        TEXT NOT NULL DEFAULT '',
		url                TEXT NOT NULL DEFAULT '',
		client_country     TEXT NOT NULL DEFAULT '',
		type               TEXT NOT NULL DEFAULT '',
		hourly_min         TEXT NOT NULL DEFAULT '',
		hourly_max         TEXT NOT NULL DEFAULT '',
		fixed_budget       TEXT NOT NULL DEFAULT '',
		duration           TEXT NOT NULL DEFAULT '',
		level              TEXT NOT NULL DEFAULT '',
		category           TEXT NOT NULL DEFAULT '',
		skills             TEXT[] NOT NULL DEFAULT '{}',
		client_total_spent TEXT NOT NULL DEFAULT '',
		client_hires       TEXT NOT NULL DEFAULT '',
		client_rating      TEXT NOT NULL DEFAULT '',
		payment_verified   BOOLEAN NOT NULL DEFAULT FALSE,
		raw_data           JSONB NOT NULL DEFAULT '{}',
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		meeting_risk       INT,
		scope_clarity      INT,
		agency_fit         INT,
		red_flags          TEXT[],
		meeting_indicators TEXT[],
		composite_score    DOUBLE PRECISION,
		scored_at          TIMESTAMPTZ
	);
`

// EnsureSchema creates the jobs table when it does not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createJobsTable); err != nil {
		return fmt.Errorf("create jobs table: %w", err)
	}
	return nil
}

const insertJobSQL = `
	INSERT INTO jobs (
		job_id, run_id, search_query, title, description, url,
		client_country, type, hourly_min, hourly_max, fixed_budget,
		duration, level, category, skills, client_total_spent,
		client_hires, client_rating, payment_verified, raw_data, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
	) ON CONFLICT (job_id) DO NOTHING;
`

// InsertJobs writes jobs in the order given and stops at the first one that
// already exists. Listings arrive newest-first, so hitting a known ID means
// every later entry is known too. Returns the number actually inserted.
func (s *Store) InsertJobs(ctx context.Context, jobs []schemas.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("rollback failed", zap.Error(rollbackErr))
		}
	}()

	inserted := 0
	for _, job := range jobs {
		raw := job.Raw
		if len(raw) == 0 || string(raw) == "null" {
			raw = json.RawMessage("{}")
		}
		createdAt := job.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		tag, err := tx.Exec(ctx, insertJobSQL,
			job.ID, job.RunID, job.SearchQuery, job.Title, job.Description, job.URL,
			job.ClientCountry, job.Type, job.HourlyMin, job.HourlyMax, job.FixedBudget,
			job.Duration, job.Level, job.Category, job.Skills, job.ClientTotalSpent,
			job.ClientHires, job.ClientRating, job.PaymentVerified, raw, createdAt.UTC(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert job %s: %w", job.ID, err)
		}
		if tag.RowsAffected() == 0 {
			s.log.Debug("known job reached, stopping batch",
				zap.String("job_id", job.ID), zap.Int("inserted", inserted))
			break
		}
		inserted++
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return inserted, nil
}

const unscoredJobsSQL = `
	SELECT job_id, run_id, search_query, title, description, url,
	       client_country, type, hourly_min, hourly_max, fixed_budget,
	       duration, level, category, skills, client_total_spent,
	       client_hires, client_rating, payment_verified, raw_data, created_at
	FROM jobs
	WHERE composite_score IS NULL
	ORDER BY created_at DESC
	LIMIT $1;
`

// UnscoredJobs returns up to limit jobs without a score, newest first.
func (s *Store) UnscoredJobs(ctx context.Context, limit int) ([]schemas.Job, error) {
	rows, err := s.pool.Query(ctx, unscoredJobsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("query unscored jobs: %w", err)
	}
	defer rows.Close()

	var jobs []schemas.Job
	for rows.Next() {
		var j schemas.Job
		err := rows.Scan(
			&j.ID, &j.RunID, &j.SearchQuery, &j.Title, &j.Description, &j.URL,
			&j.ClientCountry, &j.Type, &j.HourlyMin, &j.HourlyMax, &j.FixedBudget,
			&j.Duration, &j.Level, &j.Category, &j.Skills, &j.ClientTotalSpent,
			&j.ClientHires, &j.ClientRating, &j.PaymentVerified, &j.Raw, &j.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

const updateScoreSQL = `
	UPDATE jobs SET
		meeting_risk = $2,
		scope_clarity = $3,
		agency_fit = $4,
		red_flags = $5,
		meeting_indicators = $6,
		composite_score = $7,
		scored_at = $8
	WHERE job_id = $1;
`

// UpdateScore records the LLM verdict for one job.
func (s *Store) UpdateScore(ctx context.Context, score schemas.JobScore) error {
	tag, err := s.pool.Exec(ctx, updateScoreSQL,
		score.JobID, score.MeetingRisk, score.ScopeClarity, score.AgencyFit,
		score.RedFlags, score.MeetingIndicators, score.Composite, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update score for job %s: %w", score.JobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update score for job %s: no such job", score.JobID)
	}
	return nil
}
