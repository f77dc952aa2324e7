// Package bootstrap constructs the process: the explicit dependency record,
// the fiber app, and the route table. Everything is built once here and
// passed down; no component reaches for a module global.
package bootstrap

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"digest_server/adapter/in/worker"
	"digest_server/adapter/out/persistence"
	"digest_server/config"
	"digest_server/core/agent/llm"
	"digest_server/core/service/classify"
	"digest_server/core/service/classify/typemap"
	"digest_server/core/service/digest"
	"digest_server/core/service/feedback"
	"digest_server/pkg/cache"
	"digest_server/pkg/clock"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"
	"digest_server/pkg/ratelimit"
	"digest_server/pkg/resilience"
	"digest_server/pkg/snowflake"

	"github.com/redis/go-redis/v9"
)

// Dependencies is the explicit dependency record for the whole process.
type Dependencies struct {
	Config   *config.Config
	Features *config.Features
	Clock    clock.Clock
	Counters *metrics.Counters
	Latency  *metrics.LatencyTracker

	Store    *persistence.Store
	Rules    *persistence.RuleAdapter
	Feedback *persistence.FeedbackAdapter
	Sessions *persistence.SessionAdapter
	Audit    *persistence.AuditAdapter

	Redis  *redis.Client // optional
	Dedupe *cache.DedupeCache

	LLM          *llm.Client
	CostBreaker  *resilience.CircuitBreaker
	Limiter      *ratelimit.Limiter
	RuleStore    *classify.RuleStore
	Orchestrator *classify.Orchestrator
	Verifier     *classify.Verifier
	Learner      *feedback.Service
	Digest       *digest.Service
	Pool         *worker.Pool

	IDs *snowflake.Generator

	policyMu sync.RWMutex
	policy   config.Policy
}

// Policy returns the current policy snapshot.
func (d *Dependencies) Policy() config.Policy {
	d.policyMu.RLock()
	defer d.policyMu.RUnlock()
	return d.policy
}

// NewDependencies wires everything. The returned cleanup is safe to call
// once, in any state.
func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	d := &Dependencies{
		Config:   cfg,
		Features: config.NewFeatures(),
		Clock:    clock.System{},
		Counters: metrics.NewCounters(),
		Latency:  metrics.NewLatencyTracker(2048),
	}

	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("policy: %w", err)
	}
	d.policy = policy

	ids, err := snowflake.NewGenerator(nodeIDFrom(cfg.InstanceID))
	if err != nil {
		return nil, nil, err
	}
	d.IDs = ids

	store, err := persistence.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	d.Store = store
	d.Rules = persistence.NewRuleAdapter(store)
	d.Feedback = persistence.NewFeedbackAdapter(store, d.Clock)
	d.Sessions = persistence.NewSessionAdapter(store, d.Clock)
	d.Audit = persistence.NewAuditAdapter(store, d.Clock)

	// Startup housekeeping: cancelled digests and expired audit rows.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n, rerr := d.Sessions.ReapAborted(ctx); rerr == nil && n > 0 {
		logger.Info("reaped %d aborted sessions", n)
	}
	if n, perr := d.Audit.PruneAudit(ctx); perr == nil && n > 0 {
		logger.Info("pruned %d audit rows", n)
	}

	if cfg.RedisURL != "" {
		opt, rerr := redis.ParseURL(cfg.RedisURL)
		if rerr != nil {
			store.Close()
			return nil, nil, fmt.Errorf("redis: %w", rerr)
		}
		d.Redis = redis.NewClient(opt)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if perr := d.Redis.Ping(pingCtx).Err(); perr != nil {
			logger.WithError(perr).Warn("redis unreachable, dedupe falls back to local memory")
		}
		pingCancel()
	}
	d.Dedupe = cache.New(d.Redis)

	d.CostBreaker = resilience.New(resilience.DefaultConfig("llm-cost"))
	ledger := llm.NewCostLedger(d.Audit, d.Clock, policy.DailyCostCapUSD, ids.MustGenerate)
	d.LLM = llm.New(llm.Config{
		APIKey:        cfg.OpenAIAPIKey,
		Model:         cfg.LLMModel,
		MaxTokens:     cfg.LLMMaxTokens,
		Temperature:   cfg.LLMTemperature,
		CallTimeout:   cfg.LLMTimeout,
		MaxRetries:    cfg.LLMMaxRetries,
		PromptVersion: cfg.PromptVersion,
	}, d.CostBreaker, ledger, d.Counters)

	d.Limiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: policy.RequestsPerMinute,
		EmailsPerMinute:   policy.EmailsPerMinute,
		EmailsPerHour:     policy.EmailsPerHour,
		MaxTrackedIdents:  policy.MaxTrackedIdents,
	}, d.Clock)

	d.RuleStore = classify.NewRuleStore(d.Rules)
	d.Learner = feedback.New(d.Feedback, d.Clock, ids.MustGenerate, d.Counters, d.RuleStore.Invalidate)
	d.Verifier = classify.NewVerifier(d.LLM, d.Audit, d.Counters, ids.MustGenerate)
	d.Orchestrator = classify.NewOrchestrator(classify.OrchestratorDeps{
		Mapper:   typemap.NewDefaultRegistry(),
		Rules:    d.RuleStore,
		LLM:      d.LLM,
		Verifier: d.Verifier,
		Learner:  d.Learner,
		Features: d.Features,
		Policy:   d.Policy,
		Audit:    d.Audit,
		Counters: d.Counters,
		IDs:      ids.MustGenerate,
	})

	links, err := digest.NewLinkBuilder(cfg.MailProviderLinkBase)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("link base: %w", err)
	}
	extractor := digest.NewEntityExtractor(d.LLM, func() bool {
		return d.Features.Enabled(config.FeatureLLMEntities)
	})
	enricher := digest.NewEnricher(links, nil, func() bool {
		return d.Features.Enabled(config.FeatureGreetingExtras)
	})
	validator := digest.NewValidator(links.Host())
	digestSvc, err := digest.NewService(digest.ServiceDeps{
		Extractor: extractor,
		Enricher:  enricher,
		Validator: validator,
		Sessions:  d.Sessions,
		Clock:     d.Clock,
		Counters:  d.Counters,
		TestMode:  cfg.TestMode,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("digest pipeline: %w", err)
	}
	d.Digest = digestSvc

	d.Pool = worker.NewPool(d.Orchestrator, &worker.PoolConfig{
		Workers:        cfg.WorkerCount,
		QueueSize:      cfg.WorkerQueueSize,
		JobTimeout:     60 * time.Second,
		WorkerChanSize: 32,
	}, zerologFor(cfg))
	d.Pool.Start()

	cleanup := func() {
		d.Pool.Stop()
		d.RuleStore.Close()
		if d.Redis != nil {
			d.Redis.Close()
		}
		d.Store.Close()
	}
	return d, cleanup, nil
}

// nodeIDFrom hashes the instance id into the snowflake node space.
func nodeIDFrom(instanceID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(instanceID))
	return int64(h.Sum32() % 1024)
}
