package out

import (
	"context"
	"time"

	"digest_server/core/domain"
)

// RuleRepository stores per-user learned rules. Every query is scoped by
// user_id; there is no cross-tenant read path.
type RuleRepository interface {
	ListByUser(ctx context.Context, userID string) ([]domain.Rule, error)
	Insert(ctx context.Context, rule *domain.Rule) error
	IncrementUseCount(ctx context.Context, userID string, ruleID string, delta int64) error
	Delete(ctx context.Context, userID string, ruleID string) error
}

// FeedbackRepository persists corrections and learned patterns. RecordAndLearn
// runs inside one transaction via WithTx.
type FeedbackRepository interface {
	// WithTx runs fn inside one storage transaction. The TxFeedback handed to
	// fn shares the transaction.
	WithTx(ctx context.Context, fn func(tx TxFeedback) error) error
	RecentCorrections(ctx context.Context, userID string, limit int) ([]domain.Correction, error)
}

// TxFeedback is the transactional slice of the feedback store.
type TxFeedback interface {
	InsertCorrection(c *domain.Correction) error
	UpsertPattern(p *domain.LearnedPattern) (support int, err error)
	GetPattern(userID string, pt domain.PatternType, pattern string, templateType domain.EmailType) (*domain.LearnedPattern, error)
	InsertRule(rule *domain.Rule) error
	RuleExists(userID string, pt domain.PatternType, pattern string, templateType domain.EmailType) (bool, error)
	HigherPrecedenceRuleExists(userID string, than domain.PatternType, sender string) (bool, error)
}

// SessionRepository audits digest runs.
type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	Complete(ctx context.Context, s *domain.Session) error
	Abort(ctx context.Context, sessionID, userID string) error
	Get(ctx context.Context, userID, sessionID string) (*domain.Session, error)
	ReapAborted(ctx context.Context) (int, error)
}

// AuditRepository keeps the rolling classification audit and cost ledger.
type AuditRepository interface {
	InsertClassification(ctx context.Context, rec *domain.AuditRecord) error
	RecentByUser(ctx context.Context, userID string, limit int) ([]domain.AuditRecord, error)
	InsertCostEvent(ctx context.Context, ev *domain.CostEvent) error
	CostSince(ctx context.Context, since time.Time) (float64, error)
}

// StoreHealth is the storage dependency probe for /health.
type StoreHealth interface {
	Ping(ctx context.Context) error
}
