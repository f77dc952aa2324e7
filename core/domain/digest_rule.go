package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PatternType is the shape of a learned sender rule. Precedence when several
// rules match: exact_sender > sender_domain > subject_contains.
type PatternType string

const (
	PatternExactSender     PatternType = "exact_sender"
	PatternSenderDomain    PatternType = "sender_domain"
	PatternSubjectContains PatternType = "subject_contains"
)

func (p PatternType) Valid() bool {
	switch p {
	case PatternExactSender, PatternSenderDomain, PatternSubjectContains:
		return true
	}
	return false
}

// Priority returns the match precedence; lower sorts first.
func (p PatternType) Priority() int {
	switch p {
	case PatternExactSender:
		return 0
	case PatternSenderDomain:
		return 1
	case PatternSubjectContains:
		return 2
	default:
		return 3
	}
}

// ClassificationTemplate is the partial classification a rule stamps onto
// matching messages.
type ClassificationTemplate struct {
	Type       EmailType  `json:"type"`
	Domains    []Domain   `json:"domains,omitempty"`
	Attention  Attention  `json:"attention"`
	Importance Importance `json:"importance"`
}

// Rule is a per-user learned sender rule. Unique on
// (user_id, pattern_type, pattern, template.type).
type Rule struct {
	ID          uuid.UUID              `db:"id" json:"id"`
	UserID      string                 `db:"user_id" json:"user_id"`
	PatternType PatternType            `db:"pattern_type" json:"pattern_type"`
	Pattern     string                 `db:"pattern" json:"pattern"`
	Template    ClassificationTemplate `db:"-" json:"classification_template"`
	Confidence  float64                `db:"confidence" json:"confidence"`
	UseCount    int64                  `db:"use_count" json:"use_count"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time              `db:"updated_at" json:"updated_at"`
}

// Matches reports whether the rule fires on the given message.
func (r *Rule) Matches(e *EmailInput) bool {
	switch r.PatternType {
	case PatternExactSender:
		return strings.EqualFold(strings.TrimSpace(e.From), r.Pattern)
	case PatternSenderDomain:
		return e.SenderDomain() == strings.ToLower(r.Pattern)
	case PatternSubjectContains:
		return strings.Contains(strings.ToLower(e.Subject), strings.ToLower(r.Pattern))
	}
	return false
}

// Correction is one user correction of a classification. Append-only.
type Correction struct {
	ID        int64          `db:"id" json:"id"`
	UserID    string         `db:"user_id" json:"user_id"`
	MessageID string         `db:"message_id" json:"message_id"`
	From      string         `db:"from_addr" json:"from"`
	Subject   string         `db:"subject" json:"subject"`
	Original  Classification `db:"-" json:"original_classification"`
	Corrected Classification `db:"-" json:"corrected_classification"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}

// LearnedPattern is a rule candidate accumulating support from corrections.
// Promoted to a Rule once support_count reaches the promotion floor.
type LearnedPattern struct {
	ID           int64                  `db:"id" json:"id"`
	UserID       string                 `db:"user_id" json:"user_id"`
	PatternType  PatternType            `db:"pattern_type" json:"pattern_type"`
	Pattern      string                 `db:"pattern" json:"pattern"`
	SupportCount int                    `db:"support_count" json:"support_count"`
	Template     ClassificationTemplate `db:"-" json:"template"`
	FirstSeen    time.Time              `db:"first_seen" json:"first_seen"`
	LastSeen     time.Time              `db:"last_seen" json:"last_seen"`
}
