package llm

import (
	"context"
	"sync"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/clock"
	"digest_server/pkg/logger"
)

// Per-1M-token prices in USD. Unknown models fall back to the most expensive
// entry so the cap errs toward tripping early.
var modelPricing = map[string]struct{ in, outp float64 }{
	"gpt-4o-mini": {0.15, 0.60},
	"gpt-4o":      {2.50, 10.00},
}

func estimateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := modelPricing[model]
	if !ok {
		p = struct{ in, outp float64 }{2.50, 10.00}
	}
	return float64(inputTokens)/1e6*p.in + float64(outputTokens)/1e6*p.outp
}

// CostLedger implements CostSink over the audit repository, keeping a cached
// rolling daily sum so the cap check does not query storage per call.
type CostLedger struct {
	repo     out.AuditRepository
	clk      clock.Clock
	capUSD   float64
	ids      func() int64
	log      *logger.Logger

	mu          sync.Mutex
	cachedSpend float64
	cachedAt    time.Time
	cachedDay   string
}

// NewCostLedger creates the ledger. ids supplies snowflake ids for rows.
func NewCostLedger(repo out.AuditRepository, clk clock.Clock, capUSD float64, ids func() int64) *CostLedger {
	return &CostLedger{
		repo:   repo,
		clk:    clk,
		capUSD: capUSD,
		ids:    ids,
		log:    logger.Default().WithField("component", "cost-ledger"),
	}
}

// Record persists one cost event and advances the cached daily sum. Write
// failure only loses telemetry, never a classification, so it is logged and
// swallowed.
func (l *CostLedger) Record(ctx context.Context, ev *domain.CostEvent) {
	ev.ID = l.ids()
	ev.CreatedAt = l.clk.Now()
	if err := l.repo.InsertCostEvent(ctx, ev); err != nil {
		l.log.WithError(err).Warn("cost event write failed")
	}

	l.mu.Lock()
	if l.cachedDay == dayKey(ev.CreatedAt) {
		l.cachedSpend += ev.CostUSD
	}
	l.mu.Unlock()
}

// OverDailyCap reports whether today's spend breached the cap. The stored sum
// is refreshed at most once a minute.
func (l *CostLedger) OverDailyCap(ctx context.Context) bool {
	if l.capUSD <= 0 {
		return false
	}
	now := l.clk.Now()
	day := dayKey(now)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cachedDay != day || now.Sub(l.cachedAt) > time.Minute {
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		spend, err := l.repo.CostSince(ctx, midnight)
		if err != nil {
			l.log.WithError(err).Warn("cost sum query failed, keeping cached value")
		} else {
			l.cachedSpend = spend
		}
		l.cachedAt = now
		l.cachedDay = day
	}
	return l.cachedSpend >= l.capUSD
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
