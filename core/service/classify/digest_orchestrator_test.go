package classify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/core/service/classify/typemap"
	"digest_server/pkg/metrics"

	"github.com/google/uuid"
)

// fakeLLM scripts the primary and verifier responses and counts calls.
type fakeLLM struct {
	mu          sync.Mutex
	classifyN   int
	verifyN     int
	classifyOut *out.LLMClassification
	classifyErr error
	verifyOut   *out.VerifierVerdict
}

func (f *fakeLLM) ClassifyEmail(ctx context.Context, userID string, email out.SanitizedEmail) (*out.LLMClassification, error) {
	f.mu.Lock()
	f.classifyN++
	f.mu.Unlock()
	if f.classifyErr != nil {
		return nil, f.classifyErr
	}
	return f.classifyOut, nil
}

func (f *fakeLLM) VerifyClassification(ctx context.Context, userID string, email out.SanitizedEmail, original domain.Classification) (*out.VerifierVerdict, error) {
	f.mu.Lock()
	f.verifyN++
	f.mu.Unlock()
	if f.verifyOut == nil {
		return &out.VerifierVerdict{Verdict: "confirm", Confidence: 0.9}, nil
	}
	return f.verifyOut, nil
}

func (f *fakeLLM) ExtractEntities(ctx context.Context, userID string, email out.SanitizedEmail) ([]out.ExtractedEntity, error) {
	return nil, nil
}

func (f *fakeLLM) Healthy() bool { return true }

// fakeRuleRepo is an in-memory rule repository.
type fakeRuleRepo struct {
	mu    sync.Mutex
	rules []domain.Rule
	incs  int
}

func (f *fakeRuleRepo) ListByUser(ctx context.Context, userID string) ([]domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var outRules []domain.Rule
	for _, r := range f.rules {
		if r.UserID == userID {
			outRules = append(outRules, r)
		}
	}
	return outRules, nil
}

func (f *fakeRuleRepo) Insert(ctx context.Context, rule *domain.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, *rule)
	return nil
}

func (f *fakeRuleRepo) IncrementUseCount(ctx context.Context, userID, ruleID string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incs++
	return nil
}

func (f *fakeRuleRepo) Delete(ctx context.Context, userID, ruleID string) error { return nil }

type fakeLearner struct {
	mu         sync.Mutex
	candidates []domain.Classification
}

func (f *fakeLearner) RecordCandidate(ctx context.Context, userID string, email *domain.EmailInput, c domain.Classification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

var seq int64

func testIDs() int64 { seq++; return seq }

func newTestOrchestrator(llm *fakeLLM, ruleRepo *fakeRuleRepo, learner *fakeLearner) (*Orchestrator, *RuleStore) {
	counters := metrics.NewCounters()
	rules := NewRuleStore(ruleRepo)
	pol := config.DefaultPolicy()
	o := NewOrchestrator(OrchestratorDeps{
		Mapper:   typemap.NewDefaultRegistry(),
		Rules:    rules,
		LLM:      llm,
		Verifier: NewVerifier(llm, nil, counters, testIDs),
		Learner:  learner,
		Features: config.NewFeatures(),
		Policy:   func() config.Policy { return pol },
		Counters: counters,
		IDs:      testIDs,
	})
	return o, rules
}

func TestDetectorShortCircuitsModel(t *testing.T) {
	llm := &fakeLLM{}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, nil)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID:      "m1",
		From:    "security@bank.example",
		Subject: "Your verification code is 123456",
		Snippet: "Do not share",
	})

	if c.Type != domain.TypeOTP {
		t.Fatalf("type = %s, want otp", c.Type)
	}
	if c.ClientLabel != domain.LabelActionRequired {
		t.Errorf("client_label = %s, want action-required", c.ClientLabel)
	}
	if c.Decider != domain.DeciderDetector {
		t.Errorf("decider = %s, want detector", c.Decider)
	}
	if c.TypeConf < 0.95 {
		t.Errorf("type_conf = %v, want >= 0.95", c.TypeConf)
	}
	if c.Importance != domain.ImportanceCritical {
		t.Errorf("importance = %s, want critical", c.Importance)
	}
	if llm.classifyN != 0 {
		t.Errorf("model called %d times, want 0", llm.classifyN)
	}
}

func TestLearnedRuleSkipsModel(t *testing.T) {
	ruleRepo := &fakeRuleRepo{rules: []domain.Rule{{
		ID:          uuid.New(),
		UserID:      "u1",
		PatternType: domain.PatternExactSender,
		Pattern:     "auto-reply@retailer.example",
		Template: domain.ClassificationTemplate{
			Type:       domain.TypeReceipt,
			Attention:  domain.AttentionNone,
			Importance: domain.ImportanceRoutine,
		},
		Confidence: 0.85,
		UpdatedAt:  time.Now(),
	}}}
	llm := &fakeLLM{}
	o, rules := newTestOrchestrator(llm, ruleRepo, nil)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID:      "m2",
		From:    "auto-reply@retailer.example",
		Subject: "About item A-101",
	})

	if c.Decider != domain.DeciderRule {
		t.Fatalf("decider = %s, want rule", c.Decider)
	}
	if c.Type != domain.TypeReceipt {
		t.Errorf("type = %s, want receipt", c.Type)
	}
	if llm.classifyN != 0 {
		t.Errorf("model called %d times, want 0", llm.classifyN)
	}
}

func TestGateDemotesUncertainModelResult(t *testing.T) {
	llm := &fakeLLM{classifyOut: &out.LLMClassification{
		Type: domain.TypeNewsletter, TypeConf: 0.68,
		Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
		Reason: "looks like a newsletter",
	}}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, nil)
	defer rules.Close()

	// 0.68 sits inside the verifier window; the fake confirms, then the gate
	// (min 0.70) demotes.
	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m3", From: "someone@unknown.example", Subject: "hi there", Snippet: "plain text",
	})

	if c.Type != domain.TypeUncategorized {
		t.Fatalf("type = %s, want uncategorized", c.Type)
	}
	if c.ClientLabel != domain.LabelEverythingElse {
		t.Errorf("client_label = %s, want everything-else", c.ClientLabel)
	}
	if c.Decider != domain.DeciderLLM {
		t.Errorf("decider = %s, want llm", c.Decider)
	}
	if want := "below type gate"; !strings.Contains(c.Reason, want) {
		t.Errorf("reason %q does not mention %q", c.Reason, want)
	}
}

func TestGateIsInclusiveAtThreshold(t *testing.T) {
	llm := &fakeLLM{classifyOut: &out.LLMClassification{
		Type: domain.TypeNewsletter, TypeConf: 0.70,
		Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
	}}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, nil)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m4", From: "someone@unknown.example", Subject: "monthly update", Snippet: "news",
	})

	if c.Type != domain.TypeNewsletter {
		t.Fatalf("type_conf exactly at the gate must pass, got %s", c.Type)
	}
}

func TestVerifierRejectAcceptedOnDelta(t *testing.T) {
	llm := &fakeLLM{
		classifyOut: &out.LLMClassification{
			Type: domain.TypePromotion, TypeConf: 0.72,
			Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
		},
		verifyOut: &out.VerifierVerdict{
			Verdict:    "reject",
			Confidence: 0.9,
			Correction: &out.LLMClassification{
				Type: domain.TypeReceipt, TypeConf: 0.90,
				Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
				Reason: "order number present",
			},
		},
	}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, nil)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m5", From: "hello@brand.example",
		Subject: "Thanks for shopping", Snippet: "Your order #B-2231 total was $41.00",
	})

	if c.Decider != domain.DeciderVerifier {
		t.Fatalf("decider = %s, want verifier", c.Decider)
	}
	if c.Type != domain.TypeReceipt {
		t.Errorf("type = %s, want receipt", c.Type)
	}
	if llm.verifyN != 1 {
		t.Errorf("verifier called %d times, want 1", llm.verifyN)
	}
}

func TestVerifierRejectIgnoredBelowDelta(t *testing.T) {
	llm := &fakeLLM{
		classifyOut: &out.LLMClassification{
			Type: domain.TypePromotion, TypeConf: 0.80,
			Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
		},
		verifyOut: &out.VerifierVerdict{
			Verdict:    "reject",
			Confidence: 0.6,
			Correction: &out.LLMClassification{
				Type: domain.TypeReceipt, TypeConf: 0.86, // delta 0.06 < 0.15
				Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
			},
		},
	}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, nil)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m6", From: "hello@brand.example", Subject: "Big savings", Snippet: "no identifiers here",
	})

	if c.Decider != domain.DeciderLLM {
		t.Errorf("decider = %s, want llm (original stands)", c.Decider)
	}
	if c.Type != domain.TypePromotion {
		t.Errorf("type = %s, want promotion", c.Type)
	}
}

func TestModelFailureProducesFallbackAndNoLearning(t *testing.T) {
	learner := &fakeLearner{}
	llm := &fakeLLM{classifyErr: errors.New("boom")}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, learner)
	defer rules.Close()

	c := o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m7", From: "x@y.example", Subject: "whatever", Snippet: "text",
	})

	if c.Decider != domain.DeciderFallback {
		t.Fatalf("decider = %s, want fallback", c.Decider)
	}
	if c.Type != domain.TypeUncategorized || c.TypeConf != 0 {
		t.Errorf("fallback must be uncategorized/0, got %s/%v", c.Type, c.TypeConf)
	}
	if len(learner.candidates) != 0 {
		t.Errorf("fallback result must not be learned")
	}
}

func TestConfidentModelResultIsLearned(t *testing.T) {
	learner := &fakeLearner{}
	llm := &fakeLLM{classifyOut: &out.LLMClassification{
		Type: domain.TypeReceipt, TypeConf: 0.90,
		Attention: domain.AttentionNone, Importance: domain.ImportanceRoutine,
	}}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, learner)
	defer rules.Close()

	o.Classify(context.Background(), "u1", &domain.EmailInput{
		ID: "m8", From: "billing@service.example", Subject: "Payment processed", Snippet: "thanks",
	})

	if len(learner.candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(learner.candidates))
	}
	if learner.candidates[0].Type != domain.TypeReceipt {
		t.Errorf("candidate type = %s", learner.candidates[0].Type)
	}
}

func TestCancelledClassifyDoesNotLearn(t *testing.T) {
	learner := &fakeLearner{}
	llm := &fakeLLM{classifyErr: context.Canceled}
	o, rules := newTestOrchestrator(llm, &fakeRuleRepo{}, learner)
	defer rules.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := o.Classify(ctx, "u1", &domain.EmailInput{
		ID: "m9", From: "x@y.example", Subject: "s", Snippet: "t",
	})

	if c.Decider != domain.DeciderFallback {
		t.Fatalf("decider = %s", c.Decider)
	}
	if len(learner.candidates) != 0 {
		t.Errorf("cancelled classify must not learn")
	}
}
