// Package classify implements the tiered classifier: deterministic type
// mapper, learned per-sender rules, model call, and the selective verifier,
// joined by the confidence gate.
package classify

import (
	"context"
	"sort"
	"sync"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/logger"
)

// RuleStore matches per-user learned rules against messages. The rule cache
// is read-mostly copy-on-write: lookups share an immutable slice, and any
// write replaces the whole per-user entry.
type RuleStore struct {
	repo out.RuleRepository
	log  *logger.Logger

	mu    sync.RWMutex
	cache map[string][]domain.Rule

	// Usage increments lag the classification return by at most one flush
	// epoch. The queue is bounded; Close drains it before process exit.
	usageCh chan usageEvent
	done    chan struct{}
	wg      sync.WaitGroup
}

type usageEvent struct {
	userID string
	ruleID string
}

// NewRuleStore creates the store and starts the usage write-behind worker.
func NewRuleStore(repo out.RuleRepository) *RuleStore {
	s := &RuleStore{
		repo:    repo,
		log:     logger.Default().WithField("component", "rule-store"),
		cache:   make(map[string][]domain.Rule),
		usageCh: make(chan usageEvent, 1024),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.usageWriter()
	return s
}

// MatchAndTrackUsage returns the winning matching rule for the message, or
// nil. Side effect: the winner's use_count increment is enqueued for the next
// write epoch (the name carries the side effect on purpose).
func (s *RuleStore) MatchAndTrackUsage(ctx context.Context, userID string, email *domain.EmailInput) (*domain.Rule, error) {
	rules, err := s.rulesFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	var matched []domain.Rule
	for _, r := range rules {
		if r.Matches(email) {
			matched = append(matched, r)
		}
	}
	if len(matched) == 0 {
		return nil, nil
	}

	// Highest confidence wins; ties break by pattern precedence, then
	// use_count descending, then recency.
	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if pa, pb := a.PatternType.Priority(), b.PatternType.Priority(); pa != pb {
			return pa < pb
		}
		if a.UseCount != b.UseCount {
			return a.UseCount > b.UseCount
		}
		return a.UpdatedAt.After(b.UpdatedAt)
	})

	winner := matched[0]
	ev := usageEvent{userID: userID, ruleID: winner.ID.String()}
	select {
	case s.usageCh <- ev:
	default:
		// Queue full: commit inline rather than lose the increment.
		s.flushOne(ev)
	}
	return &winner, nil
}

// rulesFor returns the cached per-user rule slice, loading on miss.
func (s *RuleStore) rulesFor(ctx context.Context, userID string) ([]domain.Rule, error) {
	s.mu.RLock()
	rules, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return rules, nil
	}

	loaded, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[userID] = loaded
	s.mu.Unlock()
	return loaded, nil
}

// Invalidate drops the cached rules for a user; the next match reloads.
// Called after a promotion writes a new rule.
func (s *RuleStore) Invalidate(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}

// usageWriter drains the increment queue.
func (s *RuleStore) usageWriter() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.usageCh:
			s.flushOne(ev)
		case <-s.done:
			// Drain remaining events before exit so increments are not lost
			// on shutdown.
			for {
				select {
				case ev := <-s.usageCh:
					s.flushOne(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *RuleStore) flushOne(ev usageEvent) {
	if err := s.repo.IncrementUseCount(context.Background(), ev.userID, ev.ruleID, 1); err != nil {
		s.log.WithError(err).Warn("use_count increment failed")
	}
}

// Close stops the writer after draining pending increments.
func (s *RuleStore) Close() {
	close(s.done)
	s.wg.Wait()
}

// Apply stamps the rule's template onto a classification for the message.
func (s *RuleStore) Apply(rule *domain.Rule, email *domain.EmailInput, relationship domain.Relationship) domain.Classification {
	t := rule.Template
	c := domain.Classification{
		MessageID:      email.ID,
		Type:           t.Type,
		TypeConf:       rule.Confidence,
		Domains:        t.Domains,
		Attention:      t.Attention,
		AttentionConf:  rule.Confidence,
		Importance:     t.Importance,
		ImportanceConf: rule.Confidence,
		Relationship:   relationship,
		Decider:        domain.DeciderRule,
		Reason:         "learned sender rule (" + string(rule.PatternType) + ")",
	}
	c.ClientLabel = domain.LabelFor(c.Type, c.Attention)
	return c
}
