package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChallengeType identifies which Cloudflare challenge variant is being solved.
type ChallengeType string

const (
	// ChallengeInterstitial is the full-page challenge that blocks all content
	// until cleared.
	ChallengeInterstitial ChallengeType = "interstitial"
	// ChallengeTurnstile is the inline widget embedded alongside page content.
	ChallengeTurnstile ChallengeType = "turnstile"
)

// Validate returns an error for any value outside the supported set. Callers
// must reject invalid types before starting a solve loop.
func (t ChallengeType) Validate() error {
	switch t {
	case ChallengeInterstitial, ChallengeTurnstile:
		return nil
	}
	return fmt.Errorf("unsupported challenge type %q (want %q or %q)", t, ChallengeInterstitial, ChallengeTurnstile)
}

// LoadState mirrors the document readiness milestones a Queryable can wait on.
type LoadState string

const (
	LoadDOMContentLoaded LoadState = "domcontentloaded"
	LoadComplete         LoadState = "load"
)

// Job is a single scraped job posting. String fields stay strings on purpose:
// listings render amounts inconsistently ("$1.2K+", "40+ hrs/week") and the
// scorer consumes them as text anyway.
type Job struct {
	ID               string          `json:"job_id"`
	RunID            string          `json:"run_id,omitempty"`
	SearchQuery      string          `json:"search_query,omitempty"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	URL              string          `json:"url"`
	ClientCountry    string          `json:"client_country,omitempty"`
	Type             string          `json:"type,omitempty"`
	HourlyMin        string          `json:"hourly_min,omitempty"`
	HourlyMax        string          `json:"hourly_max,omitempty"`
	FixedBudget      string          `json:"fixed_budget_amount,omitempty"`
	Duration         string          `json:"duration,omitempty"`
	Level            string          `json:"level,omitempty"`
	Category         string          `json:"category,omitempty"`
	Skills           []string        `json:"skills,omitempty"`
	ClientTotalSpent string          `json:"client_total_spent,omitempty"`
	ClientHires      string          `json:"client_hires,omitempty"`
	ClientRating     string          `json:"client_rating,omitempty"`
	PaymentVerified  bool            `json:"payment_verified"`
	CreatedAt        time.Time       `json:"created_at,omitzero"`
	Raw              json.RawMessage `json:"raw_data,omitempty"`
}

// JobScore is the LLM verdict for one job. Axis values are 1-10; Composite is
// the weighted blend used for ranking.
type JobScore struct {
	JobID             string   `json:"job_id"`
	MeetingRisk       int      `json:"meeting_risk"`
	ScopeClarity      int      `json:"scope_clarity"`
	AgencyFit         int      `json:"agency_fit"`
	RedFlags          []string `json:"red_flags,omitempty"`
	MeetingIndicators []string `json:"meeting_indicators,omitempty"`
	Composite         float64  `json:"composite"`
}

// GenerationRequest is a single prompt pair for the LLM client.
type GenerationRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	Temperature  float64 `json:"temperature"`
	// ForceJSONFormat asks the model for a bare JSON response body.
	ForceJSONFormat bool `json:"force_json_format"`
}
