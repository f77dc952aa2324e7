package feedback

import (
	"context"
	"sync"
	"testing"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/clock"
	"digest_server/pkg/metrics"
)

// memFeedbackRepo is an in-memory FeedbackRepository whose transactions are a
// single mutex: good enough to exercise the promotion logic and the
// at-most-one-rule guarantee.
type memFeedbackRepo struct {
	mu          sync.Mutex
	corrections []domain.Correction
	patterns    map[string]*domain.LearnedPattern
	rules       []domain.Rule
}

func newMemFeedbackRepo() *memFeedbackRepo {
	return &memFeedbackRepo{patterns: make(map[string]*domain.LearnedPattern)}
}

func patternKey(userID string, pt domain.PatternType, pattern string, tt domain.EmailType) string {
	return userID + "|" + string(pt) + "|" + pattern + "|" + string(tt)
}

func (m *memFeedbackRepo) WithTx(ctx context.Context, fn func(tx out.TxFeedback) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&memTx{repo: m})
}

func (m *memFeedbackRepo) RecentCorrections(ctx context.Context, userID string, limit int) ([]domain.Correction, error) {
	return m.corrections, nil
}

type memTx struct{ repo *memFeedbackRepo }

func (t *memTx) InsertCorrection(c *domain.Correction) error {
	t.repo.corrections = append(t.repo.corrections, *c)
	return nil
}

func (t *memTx) UpsertPattern(p *domain.LearnedPattern) (int, error) {
	key := patternKey(p.UserID, p.PatternType, p.Pattern, p.Template.Type)
	if existing, ok := t.repo.patterns[key]; ok {
		existing.SupportCount++
		existing.LastSeen = p.LastSeen
		return existing.SupportCount, nil
	}
	p.SupportCount = 1
	cp := *p
	t.repo.patterns[key] = &cp
	return 1, nil
}

func (t *memTx) GetPattern(userID string, pt domain.PatternType, pattern string, tt domain.EmailType) (*domain.LearnedPattern, error) {
	p, ok := t.repo.patterns[patternKey(userID, pt, pattern, tt)]
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (t *memTx) InsertRule(rule *domain.Rule) error {
	t.repo.rules = append(t.repo.rules, *rule)
	return nil
}

func (t *memTx) RuleExists(userID string, pt domain.PatternType, pattern string, tt domain.EmailType) (bool, error) {
	for _, r := range t.repo.rules {
		if r.UserID == userID && r.PatternType == pt && r.Pattern == pattern && r.Template.Type == tt {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) HigherPrecedenceRuleExists(userID string, than domain.PatternType, sender string) (bool, error) {
	for _, r := range t.repo.rules {
		if r.UserID == userID && r.PatternType == domain.PatternExactSender && r.Pattern == sender {
			return true, nil
		}
	}
	return false, nil
}

var idSeq int64

func ids() int64 { idSeq++; return idSeq }

func receiptClassification(msgID string) domain.Classification {
	return domain.Classification{
		MessageID:   msgID,
		Type:        domain.TypeReceipt,
		TypeConf:    0.9,
		Attention:   domain.AttentionNone,
		Importance:  domain.ImportanceRoutine,
		ClientLabel: domain.LabelReceipts,
		Decider:     domain.DeciderLLM,
	}
}

func TestCandidateThenConfirmationPromotes(t *testing.T) {
	repo := newMemFeedbackRepo()
	var invalidated []string
	svc := New(repo, clock.At("2025-11-10T12:00:00Z"), ids, metrics.NewCounters(),
		func(u string) { invalidated = append(invalidated, u) })

	email := &domain.EmailInput{ID: "m1", From: "auto-confirm@retailer.example", Subject: "Order #A-100"}

	// Classify writes one unit of support.
	if err := svc.RecordCandidate(context.Background(), "u1", email, receiptClassification("m1")); err != nil {
		t.Fatal(err)
	}
	if len(repo.rules) != 0 {
		t.Fatalf("support 1 must not promote, rules = %d", len(repo.rules))
	}

	// The user's confirmation is the second unit; both candidates reach the
	// floor, but sender_domain is skipped because the exact rule now covers.
	res, err := svc.RecordAndLearn(context.Background(), "u1", "m1",
		"auto-confirm@retailer.example", "Order #A-100",
		receiptClassification("m1"), receiptClassification("m1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.CorrectionID == 0 {
		t.Error("correction id missing")
	}
	if res.PromotedRuleID == "" {
		t.Fatal("no promotion at support 2")
	}
	if len(repo.rules) != 1 {
		t.Fatalf("rules = %d, want exactly 1 (exact_sender only)", len(repo.rules))
	}
	r := repo.rules[0]
	if r.PatternType != domain.PatternExactSender {
		t.Errorf("pattern_type = %s, want exact_sender", r.PatternType)
	}
	if r.Pattern != "auto-confirm@retailer.example" {
		t.Errorf("pattern = %q", r.Pattern)
	}
	if want := promotionConfidence(2); r.Confidence != want {
		t.Errorf("confidence = %v, want %v", r.Confidence, want)
	}
	if len(invalidated) == 0 || invalidated[0] != "u1" {
		t.Errorf("rule cache not invalidated: %v", invalidated)
	}
}

func TestAtMostOneRulePerPatternUnderRepeats(t *testing.T) {
	repo := newMemFeedbackRepo()
	svc := New(repo, clock.At("2025-11-10T12:00:00Z"), ids, metrics.NewCounters(), nil)

	c := receiptClassification("m")
	for i := 0; i < 5; i++ {
		if _, err := svc.RecordAndLearn(context.Background(), "u1", "m",
			"billing@vendor.example", "Invoice", c, c); err != nil {
			t.Fatal(err)
		}
	}

	exactRules := 0
	for _, r := range repo.rules {
		if r.PatternType == domain.PatternExactSender {
			exactRules++
		}
	}
	if exactRules != 1 {
		t.Errorf("exact_sender rules = %d, want 1", exactRules)
	}
	if len(repo.corrections) != 5 {
		t.Errorf("corrections = %d, want append-only 5", len(repo.corrections))
	}
}

func TestUncategorizedIsNeverLearned(t *testing.T) {
	repo := newMemFeedbackRepo()
	svc := New(repo, clock.At("2025-11-10T12:00:00Z"), ids, metrics.NewCounters(), nil)

	c := receiptClassification("m")
	c.Type = domain.TypeUncategorized
	if err := svc.RecordCandidate(context.Background(), "u1",
		&domain.EmailInput{ID: "m", From: "x@y.example"}, c); err != nil {
		t.Fatal(err)
	}
	if len(repo.patterns) != 0 {
		t.Errorf("uncategorized produced %d pattern candidates", len(repo.patterns))
	}
}

func TestPromotionConfidenceCap(t *testing.T) {
	if got := promotionConfidence(2); got != 0.80 {
		t.Errorf("promotionConfidence(2) = %v, want 0.80", got)
	}
	if got := promotionConfidence(10); got != 0.95 {
		t.Errorf("promotionConfidence(10) = %v, want cap 0.95", got)
	}
}

func TestDomainPatternPromotesIndependentlyWhenNoExactRule(t *testing.T) {
	repo := newMemFeedbackRepo()
	svc := New(repo, clock.At("2025-11-10T12:00:00Z"), ids, metrics.NewCounters(), nil)

	// Two different senders at the same domain: exact candidates stay at
	// support 1, the domain candidate reaches 2 and promotes alone.
	c := receiptClassification("m")
	if _, err := svc.RecordAndLearn(context.Background(), "u1", "m1", "a@shop.example", "s", c, c); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordAndLearn(context.Background(), "u1", "m2", "b@shop.example", "s", c, c); err != nil {
		t.Fatal(err)
	}

	if len(repo.rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(repo.rules))
	}
	if repo.rules[0].PatternType != domain.PatternSenderDomain || repo.rules[0].Pattern != "shop.example" {
		t.Errorf("rule = %+v, want sender_domain shop.example", repo.rules[0])
	}
}
