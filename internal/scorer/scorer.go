package scorer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halfmoonsec/cleargate/api/schemas"
	"github.com/halfmoonsec/cleargate/internal/llmutil"
)

// Axis weights. Meeting risk dominates: the ranking exists to surface jobs an
// async-first team can take without calendar commitments.
const (
	weightMeetingRisk  = 0.5
	weightScopeClarity = 0.3
	weightAgencyFit    = 0.2

	// defaultAxis substitutes for axes the model omitted.
	defaultAxis = 5
)

const systemPrompt = `You are a job classifier for an async-first software agency.

Analyze the job and output ONLY valid JSON (no markdown, no explanation):
{
  "meeting_risk": <1-10>,
  "scope_clarity": <1-10>,
  "agency_fit": <1-10>,
  "red_flags": ["list of concerns"],
  "meeting_indicators": ["quotes about meetings/calls from description"]
}

Scoring guide:
- meeting_risk: 10=fully async/no meetings, 1=constant meetings required
  - HIGH RISK (1-3): "daily standup", "video call required", "must overlap hours", "real-time collaboration", "scrum", "agile ceremonies"
  - MEDIUM (4-6): "weekly sync", "occasional calls", "available for meetings"
  - LOW RISK (7-10): "async", "text-based", "flexible timezone", "no meetings", "autonomous"

- scope_clarity: 10=crystal clear deliverables, 1=vague requirements
  - CLEAR (7-10): specific tech stack, defined endpoints, wireframes mentioned
  - VAGUE (1-4): "build my app", "I have an idea", "need a developer"

- agency_fit: 10=perfect for outsourcing, 1=needs embedded team member
  - GOOD FIT (7-10): defined project, clear handoff points, documentation expected
  - BAD FIT (1-4): "part of our team", "long-term relationship", "learn our codebase"

Output ONLY the JSON object, nothing else.`

// Scorer runs job postings through the LLM and persists the verdicts.
type Scorer struct {
	llm   schemas.LLMClient
	store schemas.Store
	log   *zap.Logger

	temperature float64
	concurrency int
}

// New wires a scorer. concurrency caps parallel LLM calls.
func New(llm schemas.LLMClient, store schemas.Store, concurrency int, temperature float64, logger *zap.Logger) *Scorer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scorer{
		llm:         llm,
		store:       store,
		log:         logger.Named("scorer"),
		temperature: temperature,
		concurrency: concurrency,
	}
}

// verdict is the model's raw answer. Pointer axes distinguish "omitted" from
// a genuine low score.
type verdict struct {
	MeetingRisk       *int     `json:"meeting_risk"`
	ScopeClarity      *int     `json:"scope_clarity"`
	AgencyFit         *int     `json:"agency_fit"`
	RedFlags          []string `json:"red_flags"`
	MeetingIndicators []string `json:"meeting_indicators"`
}

// ScoreBatch scores up to limit unscored jobs. A job that fails to score is
// logged and skipped; the batch keeps going. Returns the number scored.
func (s *Scorer) ScoreBatch(ctx context.Context, limit int) (int, error) {
	jobs, err := s.store.UnscoredJobs(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("fetch unscored jobs: %w", err)
	}
	if len(jobs) == 0 {
		s.log.Info("no unscored jobs")
		return 0, nil
	}
	s.log.Info("scoring jobs", zap.Int("count", len(jobs)))

	var scored atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			score, err := s.ScoreJob(gctx, job)
			if err != nil {
				s.log.Warn("scoring failed, skipping job",
					zap.String("job_id", job.ID), zap.Error(err))
				return nil
			}
			if err := s.store.UpdateScore(gctx, score); err != nil {
				s.log.Warn("persisting score failed",
					zap.String("job_id", job.ID), zap.Error(err))
				return nil
			}
			scored.Add(1)
			s.log.Debug("job scored",
				zap.String("job_id", job.ID),
				zap.Float64("composite", score.Composite),
				zap.Int("meeting_risk", score.MeetingRisk))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(scored.Load()), err
	}
	return int(scored.Load()), nil
}

// ScoreJob asks the model for a verdict on a single job.
func (s *Scorer) ScoreJob(ctx context.Context, job schemas.Job) (schemas.JobScore, error) {
	userPrompt := fmt.Sprintf("TITLE: %s\n\nDESCRIPTION:\n%s", job.Title, job.Description)

	raw, err := s.llm.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt:    systemPrompt,
		UserPrompt:      userPrompt,
		Temperature:     s.temperature,
		ForceJSONFormat: true,
	})
	if err != nil {
		return schemas.JobScore{}, fmt.Errorf("generate verdict: %w", err)
	}

	v, err := llmutil.ParseJSONResponse[verdict](raw)
	if err != nil {
		return schemas.JobScore{}, err
	}

	score := schemas.JobScore{
		JobID:             job.ID,
		MeetingRisk:       axisValue(v.MeetingRisk),
		ScopeClarity:      axisValue(v.ScopeClarity),
		AgencyFit:         axisValue(v.AgencyFit),
		RedFlags:          v.RedFlags,
		MeetingIndicators: v.MeetingIndicators,
	}
	score.Composite = composite(score.MeetingRisk, score.ScopeClarity, score.AgencyFit)
	return score, nil
}

// axisValue substitutes omitted axes and clamps to the 1-10 scale.
func axisValue(p *int) int {
	if p == nil {
		return defaultAxis
	}
	v := *p
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// composite blends the axes into the ranking score, rounded to two decimals.
func composite(meetingRisk, scopeClarity, agencyFit int) float64 {
	raw := float64(meetingRisk)*weightMeetingRisk +
		float64(scopeClarity)*weightScopeClarity +
		float64(agencyFit)*weightAgencyFit
	return math.Round(raw*100) / 100
}
