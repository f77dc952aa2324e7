package persistence

import (
	"context"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/clock"

	"github.com/goccy/go-json"
)

// auditRetention bounds the rolling classification audit window.
const auditRetention = 30 * 24 * time.Hour

// AuditAdapter implements out.AuditRepository: the rolling classification
// audit and the cost ledger.
type AuditAdapter struct {
	store *Store
	clk   clock.Clock
}

var _ out.AuditRepository = (*AuditAdapter)(nil)

// NewAuditAdapter creates the adapter.
func NewAuditAdapter(store *Store, clk clock.Clock) *AuditAdapter {
	return &AuditAdapter{store: store, clk: clk}
}

// InsertClassification writes one audit row.
func (a *AuditAdapter) InsertClassification(ctx context.Context, rec *domain.AuditRecord) error {
	payload, err := json.Marshal(rec.Classified)
	if err != nil {
		return apperr.Storage("marshal classification", err)
	}
	now := a.clk.Now()
	_, err = a.store.db.ExecContext(ctx,
		`INSERT INTO classifications (id, user_id, message_id, payload, decider, type_conf,
		                              model_version, prompt_version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.MessageID, string(payload), rec.Decider, rec.TypeConf,
		rec.ModelVersion, rec.PromptVersion, now, now)
	if err != nil {
		return apperr.Storage("insert classification audit", err)
	}
	return nil
}

// RecentByUser lists the latest audit rows for one tenant.
func (a *AuditAdapter) RecentByUser(ctx context.Context, userID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	type row struct {
		ID            int64     `db:"id"`
		UserID        string    `db:"user_id"`
		MessageID     string    `db:"message_id"`
		Payload       string    `db:"payload"`
		Decider       string    `db:"decider"`
		TypeConf      float64   `db:"type_conf"`
		ModelVersion  string    `db:"model_version"`
		PromptVersion string    `db:"prompt_version"`
		CreatedAt     time.Time `db:"created_at"`
	}
	var rows []row
	err := a.store.db.SelectContext(ctx, &rows,
		`SELECT id, user_id, message_id, payload, decider, type_conf,
		        model_version, prompt_version, created_at
		 FROM classifications WHERE user_id = ? ORDER BY id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperr.Storage("list classification audit", err)
	}

	result := make([]domain.AuditRecord, 0, len(rows))
	for _, r := range rows {
		rec := domain.AuditRecord{
			ID: r.ID, UserID: r.UserID, MessageID: r.MessageID,
			Decider: r.Decider, TypeConf: r.TypeConf,
			ModelVersion: r.ModelVersion, PromptVersion: r.PromptVersion,
			CreatedAt: r.CreatedAt,
		}
		if err := json.Unmarshal([]byte(r.Payload), &rec.Classified); err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// InsertCostEvent writes one cost row.
func (a *AuditAdapter) InsertCostEvent(ctx context.Context, ev *domain.CostEvent) error {
	now := a.clk.Now()
	_, err := a.store.db.ExecContext(ctx,
		`INSERT INTO cost_events (id, user_id, caller, model_version, prompt_version,
		                          input_tokens, output_tokens, cost_usd, duration_ms,
		                          created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.Caller, ev.ModelVersion, ev.PromptVersion,
		ev.InputTokens, ev.OutputTokens, ev.CostUSD, ev.DurationMS,
		ev.CreatedAt, now)
	if err != nil {
		return apperr.Storage("insert cost event", err)
	}
	return nil
}

// CostSince sums spend from the given instant. The daily cap check reads this.
func (a *AuditAdapter) CostSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := a.store.db.GetContext(ctx, &total,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM cost_events WHERE created_at >= ?`, since)
	if err != nil {
		return 0, apperr.Storage("sum cost", err)
	}
	return total, nil
}

// PruneAudit drops classification rows older than the retention window.
// Called at startup next to session reaping.
func (a *AuditAdapter) PruneAudit(ctx context.Context) (int, error) {
	cutoff := a.clk.Now().Add(-auditRetention)
	res, err := a.store.db.ExecContext(ctx,
		`DELETE FROM classifications WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, apperr.Storage("prune audit", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
