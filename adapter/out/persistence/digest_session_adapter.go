package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/clock"

	"github.com/goccy/go-json"
)

// SessionAdapter implements out.SessionRepository.
type SessionAdapter struct {
	store *Store
	clk   clock.Clock
}

var _ out.SessionRepository = (*SessionAdapter)(nil)

// NewSessionAdapter creates the adapter.
func NewSessionAdapter(store *Store, clk clock.Clock) *SessionAdapter {
	return &SessionAdapter{store: store, clk: clk}
}

// Create inserts the running session row.
func (a *SessionAdapter) Create(ctx context.Context, s *domain.Session) error {
	timings, _ := json.Marshal(s.StageTimings)
	deciders, _ := json.Marshal(s.DeciderCounts)
	_, err := a.store.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, status, now_utc, timezone,
		                       input_message_ids, output_sha256, stage_timings, decider_counts,
		                       created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)
		 ON CONFLICT (user_id, session_id) DO NOTHING`,
		s.SessionID, s.UserID, string(s.Status), s.Now, s.Timezone,
		strings.Join(s.InputMessageIDs, ","), string(timings), string(deciders),
		s.CreatedAt, s.CreatedAt)
	if err != nil {
		return apperr.Storage("create session", err)
	}
	return nil
}

// Complete finalizes the session row; a completed session is immutable after
// this write.
func (a *SessionAdapter) Complete(ctx context.Context, s *domain.Session) error {
	timings, _ := json.Marshal(s.StageTimings)
	deciders, _ := json.Marshal(s.DeciderCounts)
	_, err := a.store.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, output_sha256 = ?, stage_timings = ?, decider_counts = ?, updated_at = ?
		 WHERE user_id = ? AND session_id = ? AND status = ?`,
		string(domain.SessionComplete), s.OutputSHA256, string(timings), string(deciders),
		a.clk.Now(), s.UserID, s.SessionID, string(domain.SessionRunning))
	if err != nil {
		return apperr.Storage("complete session", err)
	}
	return nil
}

// Abort marks a cancelled run; reaped at next startup.
func (a *SessionAdapter) Abort(ctx context.Context, sessionID, userID string) error {
	_, err := a.store.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ?
		 WHERE user_id = ? AND session_id = ? AND status = ?`,
		string(domain.SessionAborted), a.clk.Now(), userID, sessionID, string(domain.SessionRunning))
	if err != nil {
		return apperr.Storage("abort session", err)
	}
	return nil
}

// Get loads one session for its tenant.
func (a *SessionAdapter) Get(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	type row struct {
		SessionID       string    `db:"session_id"`
		UserID          string    `db:"user_id"`
		Status          string    `db:"status"`
		NowUTC          time.Time `db:"now_utc"`
		Timezone        string    `db:"timezone"`
		InputMessageIDs string    `db:"input_message_ids"`
		OutputSHA256    string    `db:"output_sha256"`
		StageTimings    string    `db:"stage_timings"`
		DeciderCounts   string    `db:"decider_counts"`
		CreatedAt       time.Time `db:"created_at"`
		UpdatedAt       time.Time `db:"updated_at"`
	}
	var r row
	err := a.store.db.GetContext(ctx, &r,
		`SELECT session_id, user_id, status, now_utc, timezone, input_message_ids,
		        output_sha256, stage_timings, decider_counts, created_at, updated_at
		 FROM sessions WHERE user_id = ? AND session_id = ?`, userID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("session")
	}
	if err != nil {
		return nil, apperr.Storage("get session", err)
	}

	s := &domain.Session{
		SessionID: r.SessionID,
		UserID:    r.UserID,
		Status:    domain.SessionStatus(r.Status),
		Now:       r.NowUTC,
		Timezone:  r.Timezone,

		OutputSHA256: r.OutputSHA256,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.InputMessageIDs != "" {
		s.InputMessageIDs = strings.Split(r.InputMessageIDs, ",")
	}
	json.Unmarshal([]byte(r.StageTimings), &s.StageTimings)
	json.Unmarshal([]byte(r.DeciderCounts), &s.DeciderCounts)
	return s, nil
}

// ReapAborted deletes leftover aborted rows. Called once at startup.
func (a *SessionAdapter) ReapAborted(ctx context.Context) (int, error) {
	res, err := a.store.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = ?`, string(domain.SessionAborted))
	if err != nil {
		return 0, apperr.Storage("reap aborted sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
