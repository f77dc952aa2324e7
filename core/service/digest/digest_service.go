package digest

import (
	"context"
	"fmt"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/clock"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"

	"golang.org/x/sync/singleflight"
)

// Result is what one digest run returns to the transport layer.
type Result struct {
	HTML         string                 `json:"html"`
	SessionID    string                 `json:"session_id"`
	SectionIndex map[domain.Section]int `json:"section_index"`
	Warnings     []string               `json:"warnings"`
}

// Service runs the digest pipeline once per (user_id, session_id): concurrent
// requests for the same key coalesce onto one execution and share the result.
// The pipeline itself is single-threaded within a session; independent
// sessions run in parallel.
type Service struct {
	pipeline  *Pipeline
	validator *Validator
	sessions  out.SessionRepository
	clk       clock.Clock
	counters  *metrics.Counters
	testMode  bool
	flight    singleflight.Group
	log       *logger.Logger
}

// ServiceDeps wires the digest service.
type ServiceDeps struct {
	Extractor *EntityExtractor
	Enricher  *Enricher
	Validator *Validator
	Sessions  out.SessionRepository
	Clock     clock.Clock
	Counters  *metrics.Counters
	TestMode  bool
}

// NewService assembles the seven-stage pipeline and validates the DAG once at
// construction.
func NewService(d ServiceDeps) (*Service, error) {
	stages := []*Stage{
		NewExtractStage(),
		NewIntrinsicStage(),
		NewDecayStage(),
		d.Extractor.Stage(),
		d.Enricher.Stage(),
		NewRenderStage(),
		d.Validator.Stage(),
	}
	p, err := NewPipeline(stages)
	if err != nil {
		return nil, err
	}
	return &Service{
		pipeline:  p,
		validator: d.Validator,
		sessions:  d.Sessions,
		clk:       d.Clock,
		counters:  d.Counters,
		testMode:  d.TestMode,
		log:       logger.Default().WithField("component", "digest"),
	}, nil
}

// Run executes (or joins) the digest for one session key.
func (s *Service) Run(ctx context.Context, userID, sessionID string, messages []domain.ClassifiedEmail, tz string, nowOverride *time.Time) (*Result, error) {
	key := userID + "\x1f" + sessionID
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.runOnce(ctx, userID, sessionID, messages, tz, nowOverride)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (s *Service) runOnce(ctx context.Context, userID, sessionID string, messages []domain.ClassifiedEmail, tz string, nowOverride *time.Time) (*Result, error) {
	now := s.clk.Now()
	if nowOverride != nil && s.testMode {
		now = nowOverride.UTC()
	}

	loc := time.UTC
	if tz != "" {
		if l, lerr := time.LoadLocation(tz); lerr == nil {
			loc = l
		}
	}

	s.counters.Inc(metrics.CounterDigestRuns)

	session := &domain.Session{
		SessionID: sessionID,
		UserID:    userID,
		Status:    domain.SessionRunning,
		Now:       now,
		Timezone:  loc.String(),
		CreatedAt: s.clk.Now(),
	}
	for i := range messages {
		session.InputMessageIDs = append(session.InputMessageIDs, messages[i].Email.ID)
	}
	session.DeciderCounts = deciderCounts(messages)

	if s.sessions != nil {
		if err := s.sessions.Create(ctx, session); err != nil {
			// A session row is auditing, not output; the digest still runs.
			s.log.WithError(err).Warn("session create failed")
		}
	}

	dctx := NewContext(userID, sessionID, now, loc, messages)
	if err := s.pipeline.Execute(ctx, dctx); err != nil {
		if ctx.Err() != nil {
			// Cancelled: the partial session row stays aborted and is reaped
			// at next startup.
			s.abort(userID, sessionID)
			return nil, ctx.Err()
		}
		// ContractViolation: never emit the broken render, fall back.
		s.log.WithError(err).Error("pipeline aborted")
		return s.fallbackResult(ctx, session, dctx, "pipeline aborted"), nil
	}

	html, _ := dctx.Value(KeyHTML).(string)
	enrichment, _ := dctx.Value(KeyEnrichment).(*Enrichment)

	// The validator already ran as a stage; re-checking here decides between
	// the full output and the deterministic fallback.
	if verr := s.validator.Validate(html); verr != nil {
		s.log.WithError(verr).Error("rendered digest failed validation")
		dctx.Warn("validation failed, serving minimal digest")
		return s.fallbackResult(ctx, session, dctx, "validation failed"), nil
	}

	session.Status = domain.SessionComplete
	session.OutputSHA256 = ContentHash(html)
	session.StageTimings = dctx.Timings()
	session.UpdatedAt = s.clk.Now()
	if s.sessions != nil {
		if err := s.sessions.Complete(ctx, session); err != nil {
			s.log.WithError(err).Warn("session complete failed")
		}
	}

	return &Result{
		HTML:         html,
		SessionID:    sessionID,
		SectionIndex: SectionCounts(enrichment),
		Warnings:     dctx.Warnings(),
	}, nil
}

// fallbackResult renders the counts-only digest. It passes the same escaper
// and is recorded in the session as complete-with-warnings.
func (s *Service) fallbackResult(ctx context.Context, session *domain.Session, dctx *Context, why string) *Result {
	s.counters.Inc(metrics.CounterDigestFallbacks)

	enrichment, _ := dctx.Value(KeyEnrichment).(*Enrichment)
	counts := SectionCounts(enrichment)
	greeting := "Hello"
	if enrichment != nil && enrichment.Greeting != "" {
		greeting = enrichment.Greeting
	}
	html := RenderFallback(greeting, counts)

	session.Status = domain.SessionComplete
	session.OutputSHA256 = ContentHash(html)
	session.StageTimings = dctx.Timings()
	session.UpdatedAt = s.clk.Now()
	if s.sessions != nil {
		if err := s.sessions.Complete(ctx, session); err != nil {
			s.log.WithError(err).Warn("session complete failed")
		}
	}

	warnings := append(dctx.Warnings(), fmt.Sprintf("fallback digest: %s", why))
	return &Result{
		HTML:         html,
		SessionID:    session.SessionID,
		SectionIndex: counts,
		Warnings:     warnings,
	}
}

func (s *Service) abort(userID, sessionID string) {
	if s.sessions == nil {
		return
	}
	// Abort bookkeeping survives request cancellation.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.Abort(ctx, sessionID, userID); err != nil {
		s.log.WithError(err).Warn("session abort failed")
	}
}

func deciderCounts(messages []domain.ClassifiedEmail) map[string]int {
	counts := make(map[string]int)
	for i := range messages {
		counts[string(messages[i].Classification.Decider)]++
	}
	return counts
}
