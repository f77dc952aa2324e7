package persistence

import (
	"context"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// RuleAdapter implements out.RuleRepository.
type RuleAdapter struct {
	store *Store
}

var _ out.RuleRepository = (*RuleAdapter)(nil)

// NewRuleAdapter creates the adapter.
func NewRuleAdapter(store *Store) *RuleAdapter {
	return &RuleAdapter{store: store}
}

type ruleRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	PatternType  string    `db:"pattern_type"`
	Pattern      string    `db:"pattern"`
	Template     string    `db:"template"`
	TemplateType string    `db:"template_type"`
	Confidence   float64   `db:"confidence"`
	UseCount     int64     `db:"use_count"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r ruleRow) toDomain() (domain.Rule, error) {
	var template domain.ClassificationTemplate
	if err := json.Unmarshal([]byte(r.Template), &template); err != nil {
		return domain.Rule{}, err
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Rule{}, err
	}
	return domain.Rule{
		ID:          id,
		UserID:      r.UserID,
		PatternType: domain.PatternType(r.PatternType),
		Pattern:     r.Pattern,
		Template:    template,
		Confidence:  r.Confidence,
		UseCount:    r.UseCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

// ListByUser returns all rules for one tenant.
func (a *RuleAdapter) ListByUser(ctx context.Context, userID string) ([]domain.Rule, error) {
	var rows []ruleRow
	err := a.store.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, pattern_type, pattern, template, template_type,
		        confidence, use_count, created_at, updated_at
		 FROM rules WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, apperr.Storage("list rules", err)
	}

	rules := make([]domain.Rule, 0, len(rows))
	for _, row := range rows {
		rule, cerr := row.toDomain()
		if cerr != nil {
			continue // a malformed row is skipped, not fatal
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Insert writes one rule; the unique key rejects duplicates.
func (a *RuleAdapter) Insert(ctx context.Context, rule *domain.Rule) error {
	template, err := json.Marshal(rule.Template)
	if err != nil {
		return apperr.Storage("marshal rule template", err)
	}
	_, err = a.store.db.ExecContext(ctx,
		`INSERT INTO rules (id, user_id, pattern_type, pattern, template, template_type,
		                    confidence, use_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		rule.ID.String(), rule.UserID, string(rule.PatternType), rule.Pattern,
		string(template), string(rule.Template.Type),
		rule.Confidence, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return apperr.Storage("insert rule", err)
	}
	return nil
}

// IncrementUseCount advances the usage counter for one rule.
func (a *RuleAdapter) IncrementUseCount(ctx context.Context, userID, ruleID string, delta int64) error {
	_, err := a.store.db.ExecContext(ctx,
		`UPDATE rules SET use_count = use_count + ?, updated_at = ?
		 WHERE user_id = ? AND id = ?`, delta, time.Now().UTC(), userID, ruleID)
	if err != nil {
		return apperr.Storage("increment use_count", err)
	}
	return nil
}

// Delete removes one rule for one tenant.
func (a *RuleAdapter) Delete(ctx context.Context, userID, ruleID string) error {
	_, err := a.store.db.ExecContext(ctx,
		`DELETE FROM rules WHERE user_id = ? AND id = ?`, userID, ruleID)
	if err != nil {
		return apperr.Storage("delete rule", err)
	}
	return nil
}
