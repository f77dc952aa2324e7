package classify

import (
	"context"
	"regexp"

	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/logger"
	"digest_server/pkg/metrics"
)

// Contradiction signals that route a classification to the verifier even
// outside the confidence window.
var (
	contraOrderNumber = regexp.MustCompile(`(?i)order\s*#?\s*[A-Z0-9][A-Z0-9-]{3,}|tracking\s+(number|#)`)
	contraUnsubscribe = regexp.MustCompile(`(?i)unsubscribe|manage\s+preferences`)
)

// multiPurposeSenders are domains that legitimately send several types of
// mail from nearby addresses; a single medium-confidence guess about them is
// worth a second look.
var multiPurposeSenders = map[string]bool{
	"amazon.com": true,
	"paypal.com": true,
	"google.com": true,
	"apple.com":  true,
	"ebay.com":   true,
}

// Verifier runs the second, stricter pass over suspicious classifications.
type Verifier struct {
	llm      out.LLMClient
	audit    out.AuditRepository
	counters *metrics.Counters
	log      *logger.Logger
	ids      func() int64
}

// NewVerifier creates the verifier. audit may be nil in tests.
func NewVerifier(llm out.LLMClient, audit out.AuditRepository, counters *metrics.Counters, ids func() int64) *Verifier {
	return &Verifier{
		llm:      llm,
		audit:    audit,
		counters: counters,
		log:      logger.Default().WithField("component", "verifier"),
		ids:      ids,
	}
}

// shouldTrigger implements the verifier trigger: the confidence window, a
// detected contradiction, or a multi-purpose sender.
func shouldTrigger(c domain.Classification, email *domain.EmailInput, p config.Policy) (bool, string) {
	if c.TypeConf >= p.VerifierTriggerLo && c.TypeConf <= p.VerifierTriggerHi {
		return true, "confidence window"
	}
	if reason := contradiction(c, email); reason != "" {
		return true, reason
	}
	if multiPurposeSenders[email.SenderDomain()] {
		return true, "multi-purpose sender"
	}
	return false, ""
}

// contradiction returns a non-empty reason when the classified type disagrees
// with strong content signals.
func contradiction(c domain.Classification, email *domain.EmailInput) string {
	text := email.Subject + " " + email.Snippet
	switch c.Type {
	case domain.TypePromotion, domain.TypeNewsletter:
		if contraOrderNumber.MatchString(text) {
			return "promotion carrying an order number"
		}
	case domain.TypeReceipt:
		if contraUnsubscribe.MatchString(text) && !contraOrderNumber.MatchString(text) {
			return "receipt with bulk-mail framing and no order reference"
		}
	}
	return ""
}

// Reconsider runs the verifier call and applies the accept-delta rule: a
// reject is accepted only when the correction is more confident than the
// original by at least verifier_accept_delta. Both outcomes are audited.
func (v *Verifier) Reconsider(ctx context.Context, userID string, email out.SanitizedEmail, original domain.Classification, p config.Policy) domain.Classification {
	v.counters.Inc(metrics.CounterVerifierRuns)

	verdict, err := v.llm.VerifyClassification(ctx, userID, email, original)
	if err != nil {
		// Verification is best-effort; on failure the original stands.
		v.log.WithError(err).Warn("verifier call failed, keeping original")
		return original
	}

	result := original
	if verdict.Verdict == "reject" && verdict.Correction != nil &&
		verdict.Correction.TypeConf-original.TypeConf >= p.VerifierAcceptDelta {
		v.counters.Inc(metrics.CounterVerifierRejects)
		corr := verdict.Correction
		result = domain.Classification{
			MessageID:      original.MessageID,
			Type:           corr.Type,
			TypeConf:       corr.TypeConf,
			Domains:        corr.Domains,
			DomainConf:     corr.DomainConf,
			Attention:      corr.Attention,
			AttentionConf:  corr.AttentionConf,
			Importance:     corr.Importance,
			ImportanceConf: corr.ImportanceConf,
			Relationship:   original.Relationship,
			Decider:        domain.DeciderVerifier,
			Reason:         "verifier correction: " + corr.Reason,
			ModelVersion:   corr.ModelVersion,
			PromptVersion:  corr.PromptVersion,
		}
		result.ClientLabel = domain.LabelFor(result.Type, result.Attention)
	}

	v.auditOutcome(ctx, userID, original, result, verdict.Verdict)
	return result
}

// auditOutcome records the verifier decision next to the primary result.
func (v *Verifier) auditOutcome(ctx context.Context, userID string, original, final domain.Classification, verdict string) {
	if v.audit == nil {
		return
	}
	rec := &domain.AuditRecord{
		ID:            v.ids(),
		UserID:        userID,
		MessageID:     original.MessageID,
		Classified:    final,
		Decider:       "verifier:" + verdict,
		TypeConf:      final.TypeConf,
		ModelVersion:  final.ModelVersion,
		PromptVersion: final.PromptVersion,
	}
	if err := v.audit.InsertClassification(ctx, rec); err != nil {
		v.log.WithError(err).Warn("verifier audit write failed")
	}
}
