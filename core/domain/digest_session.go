package domain

import "time"

// SessionStatus tracks the lifecycle of one digest run.
type SessionStatus string

const (
	SessionRunning  SessionStatus = "running"
	SessionComplete SessionStatus = "complete"
	SessionAborted  SessionStatus = "aborted"
)

// Session audits one end-to-end digest run. Immutable once written with
// status complete; aborted rows are reaped on the next startup.
type Session struct {
	SessionID       string        `db:"session_id" json:"session_id"`
	UserID          string        `db:"user_id" json:"user_id"`
	Status          SessionStatus `db:"status" json:"status"`
	Now             time.Time     `db:"now_utc" json:"now"`
	Timezone        string        `db:"timezone" json:"timezone"`
	InputMessageIDs []string      `db:"-" json:"input_message_ids"`
	OutputSHA256    string        `db:"output_sha256" json:"output_html_sha256"`

	// Per-stage wall time, keyed by stage name.
	StageTimings map[string]float64 `db:"-" json:"stage_timings,omitempty"`
	// Count of classifications per decider among the inputs.
	DeciderCounts map[string]int `db:"-" json:"decider_counts,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CostEvent is one metered LLM call. Content never appears here.
type CostEvent struct {
	ID            int64     `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Caller        string    `db:"caller" json:"caller"`
	ModelVersion  string    `db:"model_version" json:"model_version"`
	PromptVersion string    `db:"prompt_version" json:"prompt_version"`
	InputTokens   int       `db:"input_tokens" json:"input_tokens_est"`
	OutputTokens  int       `db:"output_tokens" json:"output_tokens_est"`
	CostUSD       float64   `db:"cost_usd" json:"cost_usd"`
	DurationMS    int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}
