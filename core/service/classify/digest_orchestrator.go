package classify

import (
	"context"
	"errors"

	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/core/service/classify/typemap"
	"digest_server/pkg/apperr"
	"digest_server/pkg/hygiene"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"
)

// Learner receives learn-eligible classifications as rule candidates. The
// feedback service implements it; the indirection keeps the learning write
// out of this package's dependency graph.
type Learner interface {
	RecordCandidate(ctx context.Context, userID string, email *domain.EmailInput, c domain.Classification) error
}

// Orchestrator runs the tier ladder per message:
//
//	TypeMapper → RuleStore → LLM → Verifier
//
// Each tier short-circuits the rest; every path exits through the confidence
// gate. Classification is pure per message — batching and admission happen in
// the transport layer.
type Orchestrator struct {
	mapper   *typemap.Registry
	rules    *RuleStore
	llm      out.LLMClient
	verifier *Verifier
	learner  Learner
	features *config.Features
	policy   func() config.Policy
	audit    out.AuditRepository
	san      *hygiene.Sanitizer
	counters *metrics.Counters
	ids      func() int64
	log      *logger.Logger
}

// OrchestratorDeps is the explicit dependency record; there are no package
// globals behind it.
type OrchestratorDeps struct {
	Mapper   *typemap.Registry
	Rules    *RuleStore
	LLM      out.LLMClient
	Verifier *Verifier
	Learner  Learner
	Features *config.Features
	Policy   func() config.Policy
	Audit    out.AuditRepository
	Counters *metrics.Counters
	IDs      func() int64
}

// NewOrchestrator wires the classifier.
func NewOrchestrator(d OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		mapper:   d.Mapper,
		rules:    d.Rules,
		llm:      d.LLM,
		verifier: d.Verifier,
		learner:  d.Learner,
		features: d.Features,
		policy:   d.Policy,
		audit:    d.Audit,
		san:      hygiene.New(1200),
		counters: d.Counters,
		ids:      d.IDs,
		log:      logger.Default().WithField("component", "classifier"),
	}
}

// Classify runs one message through the ladder. A cancelled context drops the
// model call and produces no writes.
func (o *Orchestrator) Classify(ctx context.Context, userID string, email *domain.EmailInput) domain.Classification {
	p := o.policy()
	o.counters.Inc(metrics.CounterClassifyTotal)

	rel := domain.FromUnknown

	// Tier 1: deterministic global type mapper.
	if m := o.mapper.Match(email); m != nil {
		c := mapperClassification(email, m, rel)
		c = applyGate(c, p)
		o.finish(ctx, userID, c)
		return c
	}

	// Tier 2: learned per-sender rules.
	if rule, err := o.rules.MatchAndTrackUsage(ctx, userID, email); err == nil && rule != nil {
		c := o.rules.Apply(rule, email, domain.FromContact)
		c = applyGate(c, p)
		o.finish(ctx, userID, c)
		return c
	} else if err != nil {
		o.log.WithError(err).Warn("rule match failed, continuing to model")
	}

	// Tier 3: the model, over sanitized fields only.
	sanitized := o.sanitize(email)
	result, err := o.llm.ClassifyEmail(ctx, userID, sanitized)
	if err != nil {
		return o.fallback(ctx, userID, email, rel, err)
	}

	c := llmClassification(email, result, rel)

	// Tier 4: selective verification.
	if o.features.Enabled(config.FeatureVerifier) {
		if fire, why := shouldTrigger(c, email, p); fire {
			o.log.WithField("trigger", why).Debug("verifier engaged")
			c = o.verifier.Reconsider(ctx, userID, sanitized, c, p)
		}
	}

	c = applyGate(c, p)

	// Learning: only model-decided (or verifier-confirmed) results confident
	// enough to stand on their own become rule candidates. The learning write
	// happens strictly after the final classification is decided.
	learn := o.features.Enabled(config.FeatureLearning) && learnEligible(c, p) && ctx.Err() == nil
	o.finish(ctx, userID, c)
	if learn && o.learner != nil {
		if err := o.learner.RecordCandidate(ctx, userID, email, c); err != nil {
			o.log.WithError(err).Warn("candidate record failed")
		}
	}
	return c
}

// learnEligible: decider is the model (or the verifier standing behind it)
// and the gated confidence clears the learning floor.
func learnEligible(c domain.Classification, p config.Policy) bool {
	if c.Type == domain.TypeUncategorized {
		return false
	}
	if c.Decider != domain.DeciderLLM && c.Decider != domain.DeciderVerifier {
		return false
	}
	return c.TypeConf >= p.LearningMinConf
}

// fallback is the classification of last resort; it is never learned.
func (o *Orchestrator) fallback(ctx context.Context, userID string, email *domain.EmailInput, rel domain.Relationship, err error) domain.Classification {
	reason := "model unavailable"
	var appErr *apperr.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperr.CodeLLMTimeout:
			reason = "model call timed out"
		case apperr.CodeCircuitOpen:
			reason = "model circuit open"
		case apperr.CodeLLMSchemaInvalid:
			reason = "model output rejected"
		case apperr.CodeLLMRefused:
			reason = "model refused"
		}
	}
	if errors.Is(err, context.Canceled) {
		reason = "cancelled"
	}

	c := domain.Classification{
		MessageID:    email.ID,
		Type:         domain.TypeUncategorized,
		TypeConf:     0,
		Attention:    domain.AttentionNone,
		Importance:   domain.ImportanceRoutine,
		Relationship: rel,
		ClientLabel:  domain.LabelEverythingElse,
		Decider:      domain.DeciderFallback,
		Reason:       reason,
	}
	o.counters.Inc(metrics.CounterDeciderPrefix + string(domain.DeciderFallback))

	// A cancelled classify writes nothing.
	if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		o.writeAudit(ctx, userID, c)
	}
	return c
}

// finish counts the decider and writes the audit row. Cancelled contexts
// skip the write.
func (o *Orchestrator) finish(ctx context.Context, userID string, c domain.Classification) {
	o.counters.Inc(metrics.CounterDeciderPrefix + string(c.Decider))
	if ctx.Err() != nil {
		return
	}
	o.writeAudit(ctx, userID, c)
}

func (o *Orchestrator) writeAudit(ctx context.Context, userID string, c domain.Classification) {
	if o.audit == nil {
		return
	}
	rec := &domain.AuditRecord{
		ID:            o.ids(),
		UserID:        userID,
		MessageID:     c.MessageID,
		Classified:    c,
		Decider:       string(c.Decider),
		TypeConf:      c.TypeConf,
		ModelVersion:  c.ModelVersion,
		PromptVersion: c.PromptVersion,
	}
	if err := o.audit.InsertClassification(ctx, rec); err != nil {
		o.log.WithError(err).Warn("classification audit write failed")
	}
}

// sanitize scrubs the fields that will cross into the model prompt.
func (o *Orchestrator) sanitize(email *domain.EmailInput) out.SanitizedEmail {
	return out.SanitizedEmail{
		MessageID: email.ID,
		From:      o.san.CleanTo(email.From, 200),
		Subject:   o.san.CleanTo(email.Subject, 300),
		Snippet:   o.san.Clean(email.Snippet),
	}
}

// mapperClassification builds a classification from a type-mapper hit.
func mapperClassification(email *domain.EmailInput, m *typemap.Result, rel domain.Relationship) domain.Classification {
	c := domain.Classification{
		MessageID:      email.ID,
		Type:           m.Type,
		TypeConf:       m.TypeConf,
		Domains:        m.Domains,
		Attention:      m.Attention,
		AttentionConf:  m.TypeConf,
		Importance:     m.Importance,
		ImportanceConf: m.TypeConf,
		Relationship:   rel,
		Decider:        m.Decider,
		Reason:         m.Reason,
	}
	c.ClientLabel = domain.LabelFor(c.Type, c.Attention)
	return c
}

// llmClassification builds a classification from the model result.
func llmClassification(email *domain.EmailInput, r *out.LLMClassification, rel domain.Relationship) domain.Classification {
	c := domain.Classification{
		MessageID:      email.ID,
		Type:           r.Type,
		TypeConf:       r.TypeConf,
		Domains:        r.Domains,
		DomainConf:     r.DomainConf,
		Attention:      r.Attention,
		AttentionConf:  r.AttentionConf,
		Importance:     r.Importance,
		ImportanceConf: r.ImportanceConf,
		Relationship:   rel,
		Decider:        domain.DeciderLLM,
		Reason:         r.Reason,
		ModelVersion:   r.ModelVersion,
		PromptVersion:  r.PromptVersion,
	}
	c.ClientLabel = domain.LabelFor(c.Type, c.Attention)
	return c
}
