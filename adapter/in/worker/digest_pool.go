// Package worker runs the bounded classification pool: per-message
// classification tasks fan out across a fixed worker set, so one large batch
// cannot monopolize the process.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"digest_server/core/domain"
	"digest_server/core/service/classify"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
)

// PoolConfig holds worker pool configuration.
type PoolConfig struct {
	Workers        int
	QueueSize      int
	JobTimeout     time.Duration
	WorkerChanSize int
}

// DefaultPoolConfig returns defaults sized for classification jobs.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		Workers:        8,
		QueueSize:      1000,
		JobTimeout:     60 * time.Second,
		WorkerChanSize: 32,
	}
}

// Job is one message to classify; Result delivers the outcome.
type Job struct {
	Ctx    context.Context
	UserID string
	Email  *domain.EmailInput
	Result chan domain.Classification
}

// Pool is the classification worker pool.
type Pool struct {
	orchestrator *classify.Orchestrator
	config       *PoolConfig

	group  *pool.WorkerGroup[*Job]
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool

	processed int64
	log       zerolog.Logger
}

// NewPool creates the pool around the classifier.
func NewPool(orchestrator *classify.Orchestrator, config *PoolConfig, log zerolog.Logger) *Pool {
	if config == nil {
		config = DefaultPoolConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		orchestrator: orchestrator,
		config:       config,
		ctx:          ctx,
		cancel:       cancel,
		log:          log.With().Str("component", "classify_pool").Logger(),
	}
}

// classifyWorker adapts the orchestrator to the pool worker contract.
type classifyWorker struct {
	p *Pool
}

func (w *classifyWorker) Do(ctx context.Context, job *Job) error {
	jobCtx := job.Ctx
	if jobCtx == nil {
		jobCtx = ctx
	}
	jobCtx, cancel := context.WithTimeout(jobCtx, w.p.config.JobTimeout)
	defer cancel()

	result := w.p.orchestrator.Classify(jobCtx, job.UserID, job.Email)
	atomic.AddInt64(&w.p.processed, 1)

	select {
	case job.Result <- result:
	case <-jobCtx.Done():
	}
	return nil
}

// Start brings the workers up.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}

	p.group = pool.New[*Job](p.config.Workers, &classifyWorker{p: p}).
		WithWorkerChanSize(p.config.WorkerChanSize).
		WithContinueOnError()

	if err := p.group.Go(p.ctx); err != nil {
		p.log.Error().Err(err).Msg("failed to start classify pool")
		return
	}
	p.started = true
	p.log.Info().Int("workers", p.config.Workers).Msg("classify pool started")
}

// Stop drains and shuts the pool down.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()
	if err := p.group.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("error closing classify pool")
	}
	p.cancel()
	p.log.Info().Int64("processed", atomic.LoadInt64(&p.processed)).Msg("classify pool stopped")
}

// ClassifyBatch fans a batch out and collects results in input order. Each
// message is classified independently; a per-item failure surfaces as that
// item's fallback classification, never as a batch error.
func (p *Pool) ClassifyBatch(ctx context.Context, userID string, emails []domain.EmailInput) []domain.Classification {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	results := make([]domain.Classification, len(emails))

	if !started {
		// Degraded path: classify inline.
		for i := range emails {
			results[i] = p.orchestrator.Classify(ctx, userID, &emails[i])
		}
		return results
	}

	channels := make([]chan domain.Classification, len(emails))
	for i := range emails {
		channels[i] = make(chan domain.Classification, 1)
		p.group.Submit(&Job{
			Ctx:    ctx,
			UserID: userID,
			Email:  &emails[i],
			Result: channels[i],
		})
	}

	for i := range channels {
		select {
		case results[i] = <-channels[i]:
		case <-ctx.Done():
			results[i] = cancelledResult(emails[i].ID)
		}
	}
	return results
}

func cancelledResult(messageID string) domain.Classification {
	return domain.Classification{
		MessageID:    messageID,
		Type:         domain.TypeUncategorized,
		Attention:    domain.AttentionNone,
		Importance:   domain.ImportanceRoutine,
		Relationship: domain.FromUnknown,
		ClientLabel:  domain.LabelEverythingElse,
		Decider:      domain.DeciderFallback,
		Reason:       "cancelled",
	}
}
