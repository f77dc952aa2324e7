// Package feedback turns user corrections into learned per-sender rules.
// Every write in the composite operations is listed on the method contract;
// nothing writes as a hidden side effect.
package feedback

import (
	"context"
	"strings"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/clock"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"

	"github.com/google/uuid"
)

// promotionFloor is the support count at which a candidate becomes a rule.
const promotionFloor = 2

// promotionConfidence grows with support, capped below certainty so a learned
// rule can still lose a tie against an exact mapper hit.
func promotionConfidence(support int) float64 {
	conf := float64(70+5*support) / 100
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

// Service implements the learning pipeline and the classifier's Learner port.
type Service struct {
	repo       out.FeedbackRepository
	clk        clock.Clock
	ids        func() int64
	counters   *metrics.Counters
	invalidate func(userID string) // rule-cache invalidation hook
	log        *logger.Logger
}

// New creates the service. invalidate may be nil.
func New(repo out.FeedbackRepository, clk clock.Clock, ids func() int64, counters *metrics.Counters, invalidate func(string)) *Service {
	if invalidate == nil {
		invalidate = func(string) {}
	}
	return &Service{
		repo:       repo,
		clk:        clk,
		ids:        ids,
		counters:   counters,
		invalidate: invalidate,
		log:        logger.Default().WithField("component", "feedback"),
	}
}

// LearnResult reports what RecordAndLearn wrote.
type LearnResult struct {
	CorrectionID   int64
	PromotedRuleID string
}

// RecordAndLearn is the single entry point for a user correction. It performs,
// in one storage transaction:
//
//  1. an append-only corrections row,
//  2. support-count upserts for the derived (exact_sender, sender_domain)
//     pattern candidates,
//  3. at most one rules insert per candidate whose support reached the
//     promotion floor.
//
// No other table is touched. Concurrent identical corrections race on the
// unique rule key; the loser observes the existing rule and skips the insert.
func (s *Service) RecordAndLearn(ctx context.Context, userID string, msgID, from, subject string, original, corrected domain.Classification) (*LearnResult, error) {
	now := s.clk.Now()
	result := &LearnResult{}

	err := s.repo.WithTx(ctx, func(tx out.TxFeedback) error {
		correction := &domain.Correction{
			ID:        s.ids(),
			UserID:    userID,
			MessageID: msgID,
			From:      from,
			Subject:   subject,
			Original:  original,
			Corrected: corrected,
			CreatedAt: now,
		}
		if err := tx.InsertCorrection(correction); err != nil {
			return err
		}
		result.CorrectionID = correction.ID

		promoted, err := s.countAndPromote(tx, userID, from, corrected, now)
		if err != nil {
			return err
		}
		result.PromotedRuleID = promoted
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.PromotedRuleID != "" {
		s.counters.Inc(metrics.CounterRulesPromoted)
		s.invalidate(userID)
	}
	return result, nil
}

// RecordCandidate implements the classifier's learning write: a confident
// model classification counts as one unit of support for its sender patterns.
// Writes: learned_patterns upserts, plus a rules insert on promotion. There is
// no corrections row — nothing was corrected.
func (s *Service) RecordCandidate(ctx context.Context, userID string, email *domain.EmailInput, c domain.Classification) error {
	now := s.clk.Now()
	var promoted string

	err := s.repo.WithTx(ctx, func(tx out.TxFeedback) error {
		p, err := s.countAndPromote(tx, userID, email.From, c, now)
		promoted = p
		return err
	})
	if err != nil {
		return err
	}

	if promoted != "" {
		s.counters.Inc(metrics.CounterRulesPromoted)
		s.invalidate(userID)
	}
	return nil
}

// candidatesFor derives the pattern candidates a classification supports.
func candidatesFor(from string, c domain.Classification) []domain.LearnedPattern {
	template := domain.ClassificationTemplate{
		Type:       c.Type,
		Domains:    c.Domains,
		Attention:  c.Attention,
		Importance: c.Importance,
	}

	sender := strings.ToLower(strings.TrimSpace(from))
	patterns := []domain.LearnedPattern{{
		PatternType: domain.PatternExactSender,
		Pattern:     sender,
		Template:    template,
	}}
	if d := domain.DomainOfAddress(from); d != "" {
		patterns = append(patterns, domain.LearnedPattern{
			PatternType: domain.PatternSenderDomain,
			Pattern:     d,
			Template:    template,
		})
	}
	return patterns
}

// countAndPromote upserts support for each candidate and promotes the ones at
// the floor. A sender_domain candidate is not promoted while an exact_sender
// rule already covers this sender; the narrower rule wins outright.
func (s *Service) countAndPromote(tx out.TxFeedback, userID, from string, c domain.Classification, now time.Time) (string, error) {
	if c.Type == domain.TypeUncategorized || !c.Type.Valid() {
		return "", nil
	}

	var promotedID string
	for _, cand := range candidatesFor(from, c) {
		cand.UserID = userID
		cand.FirstSeen = now
		cand.LastSeen = now

		support, err := tx.UpsertPattern(&cand)
		if err != nil {
			return "", err
		}
		if support < promotionFloor {
			continue
		}

		exists, err := tx.RuleExists(userID, cand.PatternType, cand.Pattern, cand.Template.Type)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}

		if cand.PatternType == domain.PatternSenderDomain {
			covered, err := tx.HigherPrecedenceRuleExists(userID, domain.PatternSenderDomain, strings.ToLower(strings.TrimSpace(from)))
			if err != nil {
				return "", err
			}
			if covered {
				continue
			}
		}

		rule := &domain.Rule{
			ID:          uuid.New(),
			UserID:      userID,
			PatternType: cand.PatternType,
			Pattern:     cand.Pattern,
			Template:    cand.Template,
			Confidence:  promotionConfidence(support),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertRule(rule); err != nil {
			return "", err
		}
		if promotedID == "" {
			promotedID = rule.ID.String()
		}
	}
	return promotedID, nil
}
