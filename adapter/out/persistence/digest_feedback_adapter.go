package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/clock"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
)

// FeedbackAdapter implements out.FeedbackRepository. RecordAndLearn's writes
// (correction, pattern upserts, promotion) run inside one transaction here.
type FeedbackAdapter struct {
	store *Store
	clk   clock.Clock
}

var _ out.FeedbackRepository = (*FeedbackAdapter)(nil)

// NewFeedbackAdapter creates the adapter.
func NewFeedbackAdapter(store *Store, clk clock.Clock) *FeedbackAdapter {
	return &FeedbackAdapter{store: store, clk: clk}
}

// WithTx runs fn in one storage transaction.
func (a *FeedbackAdapter) WithTx(ctx context.Context, fn func(tx out.TxFeedback) error) error {
	tx, err := a.store.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Storage("begin feedback tx", err)
	}
	wrapped := &feedbackTx{tx: tx, clk: a.clk}
	if err := fn(wrapped); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Storage("commit feedback tx", err)
	}
	return nil
}

// RecentCorrections lists the latest corrections for one tenant.
func (a *FeedbackAdapter) RecentCorrections(ctx context.Context, userID string, limit int) ([]domain.Correction, error) {
	if limit <= 0 {
		limit = 50
	}
	type row struct {
		ID        int64     `db:"id"`
		UserID    string    `db:"user_id"`
		MessageID string    `db:"message_id"`
		FromAddr  string    `db:"from_addr"`
		Subject   string    `db:"subject"`
		Original  string    `db:"original"`
		Corrected string    `db:"corrected"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []row
	err := a.store.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, message_id, from_addr, subject, original, corrected, created_at
		 FROM corrections WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperr.Storage("list corrections", err)
	}

	result := make([]domain.Correction, 0, len(rows))
	for _, r := range rows {
		c := domain.Correction{
			ID: r.ID, UserID: r.UserID, MessageID: r.MessageID,
			From: r.FromAddr, Subject: r.Subject, CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.Original), &c.Original); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(r.Corrected), &c.Corrected); err != nil {
			continue
		}
		result = append(result, c)
	}
	return result, nil
}

// feedbackTx is the transactional slice.
type feedbackTx struct {
	tx  *sqlx.Tx
	clk clock.Clock
}

func (t *feedbackTx) InsertCorrection(c *domain.Correction) error {
	original, err := json.Marshal(c.Original)
	if err != nil {
		return apperr.Storage("marshal original", err)
	}
	corrected, err := json.Marshal(c.Corrected)
	if err != nil {
		return apperr.Storage("marshal corrected", err)
	}
	_, err = t.tx.Exec(
		`INSERT INTO corrections (id, user_id, message_id, from_addr, subject, original, corrected, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.MessageID, c.From, c.Subject,
		string(original), string(corrected), c.CreatedAt, c.CreatedAt)
	if err != nil {
		return apperr.Storage("insert correction", err)
	}
	return nil
}

func (t *feedbackTx) UpsertPattern(p *domain.LearnedPattern) (int, error) {
	template, err := json.Marshal(p.Template)
	if err != nil {
		return 0, apperr.Storage("marshal pattern template", err)
	}
	now := t.clk.Now()
	_, err = t.tx.Exec(
		`INSERT INTO learned_patterns (user_id, pattern_type, pattern, template, template_type,
		                               support_count, first_seen, last_seen, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT (user_id, pattern_type, pattern, template_type)
		 DO UPDATE SET support_count = support_count + 1, last_seen = excluded.last_seen,
		               updated_at = excluded.updated_at`,
		p.UserID, string(p.PatternType), p.Pattern, string(template),
		string(p.Template.Type), p.FirstSeen, p.LastSeen, now)
	if err != nil {
		return 0, apperr.Storage("upsert pattern", err)
	}

	var support int
	err = t.tx.Get(&support,
		`SELECT support_count FROM learned_patterns
		 WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND template_type = ?`,
		p.UserID, string(p.PatternType), p.Pattern, string(p.Template.Type))
	if err != nil {
		return 0, apperr.Storage("read pattern support", err)
	}
	return support, nil
}

func (t *feedbackTx) GetPattern(userID string, pt domain.PatternType, pattern string, templateType domain.EmailType) (*domain.LearnedPattern, error) {
	type row struct {
		ID           int64     `db:"id"`
		UserID       string    `db:"user_id"`
		PatternType  string    `db:"pattern_type"`
		Pattern      string    `db:"pattern"`
		Template     string    `db:"template"`
		SupportCount int       `db:"support_count"`
		FirstSeen    time.Time `db:"first_seen"`
		LastSeen     time.Time `db:"last_seen"`
	}
	var r row
	err := t.tx.Get(&r,
		`SELECT id, user_id, pattern_type, pattern, template, support_count, first_seen, last_seen
		 FROM learned_patterns
		 WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND template_type = ?`,
		userID, string(pt), pattern, string(templateType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("get pattern", err)
	}

	p := &domain.LearnedPattern{
		ID: r.ID, UserID: r.UserID,
		PatternType: domain.PatternType(r.PatternType), Pattern: r.Pattern,
		SupportCount: r.SupportCount, FirstSeen: r.FirstSeen, LastSeen: r.LastSeen,
	}
	if err := json.Unmarshal([]byte(r.Template), &p.Template); err != nil {
		return nil, apperr.Storage("decode pattern template", err)
	}
	return p, nil
}

func (t *feedbackTx) InsertRule(rule *domain.Rule) error {
	template, err := json.Marshal(rule.Template)
	if err != nil {
		return apperr.Storage("marshal rule template", err)
	}
	// The unique key makes concurrent identical promotions idempotent: the
	// second insert is a no-op rather than a duplicate rule.
	_, err = t.tx.Exec(
		`INSERT INTO rules (id, user_id, pattern_type, pattern, template, template_type,
		                    confidence, use_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (user_id, pattern_type, pattern, template_type) DO NOTHING`,
		rule.ID.String(), rule.UserID, string(rule.PatternType), rule.Pattern,
		string(template), string(rule.Template.Type),
		rule.Confidence, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return apperr.Storage("insert promoted rule", err)
	}
	return nil
}

func (t *feedbackTx) RuleExists(userID string, pt domain.PatternType, pattern string, templateType domain.EmailType) (bool, error) {
	var n int
	err := t.tx.Get(&n,
		`SELECT COUNT(1) FROM rules
		 WHERE user_id = ? AND pattern_type = ? AND pattern = ? AND template_type = ?`,
		userID, string(pt), pattern, string(templateType))
	if err != nil {
		return false, apperr.Storage("rule exists", err)
	}
	return n > 0, nil
}

func (t *feedbackTx) HigherPrecedenceRuleExists(userID string, than domain.PatternType, sender string) (bool, error) {
	if than != domain.PatternSenderDomain {
		return false, nil
	}
	var n int
	err := t.tx.Get(&n,
		`SELECT COUNT(1) FROM rules
		 WHERE user_id = ? AND pattern_type = ? AND pattern = ?`,
		userID, string(domain.PatternExactSender), sender)
	if err != nil {
		return false, apperr.Storage("precedence check", err)
	}
	return n > 0, nil
}
