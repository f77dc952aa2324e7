package typemap

import (
	"regexp"

	"digest_server/core/domain"
)

// Commerce: receipts, shipping, and the payment processors whose sender
// domains are unambiguous. Domain rules are guarded by a subject condition
// where the sender is multi-purpose (a marketplace sends receipts and
// promotions from nearby addresses).

var (
	receiptSubjectPattern = regexp.MustCompile(`(?i)\b(your\s+)?(order|purchase)\s+(confirmation|receipt)\b|receipt\s+for\s+|receipt\s+from\s+|invoice\s+#?\d`)
	orderNumberPattern    = regexp.MustCompile(`(?i)order\s*#?\s*[A-Z0-9][A-Z0-9-]{3,}`)
	shippedSubjectPattern = regexp.MustCompile(`(?i)\b(shipped|out\s+for\s+delivery|has\s+been\s+delivered|delivery\s+(update|scheduled)|on\s+its\s+way)\b`)
	trackingBodyPattern   = regexp.MustCompile(`(?i)tracking\s+(number|#)|1Z[0-9A-Z]{16}|\b\d{12,22}\b.{0,20}(ups|fedex|usps|dhl)`)
	paymentDuePattern     = regexp.MustCompile(`(?i)payment\s+(due|reminder)|bill\s+is\s+(ready|due)|statement\s+(is\s+)?(ready|available)`)
)

func registerCommerceRules(reg *Registry) {
	receipt := Result{
		Type:       domain.TypeReceipt,
		TypeConf:   0.98,
		Importance: domain.ImportanceRoutine,
		Attention:  domain.AttentionNone,
		Domains:    []domain.Domain{domain.DomainShopping},
		Decider:    domain.DeciderTypeMapper,
		Reason:     "order receipt sender",
	}

	// Payment processors: domain-exact, receipts only when the subject agrees.
	for _, d := range []string{"stripe.com", "paypal.com", "squareup.com"} {
		r := receipt
		r.Domains = []domain.Domain{domain.DomainFinance}
		r.Reason = "payment processor receipt"
		reg.Register(&Rule{
			Name:   "commerce:processor-" + d,
			Kind:   MatchDomainExact,
			Domain: d,
			Guard:  regexp.MustCompile(`(?i)receipt|invoice|payment|payout|refund`),
			Result: r,
		})
	}

	// Order-confirmation sender idioms.
	reg.Register(&Rule{
		Name:          "commerce:auto-confirm-sender",
		Kind:          MatchSenderPattern,
		SenderPattern: regexp.MustCompile(`(?i)^(auto-?confirm|order(s)?|receipts?|no-?reply\+orders?)@`),
		Guard:         orderNumberPattern,
		Result:        receipt,
	})

	reg.Register(&Rule{
		Name:    "commerce:receipt-subject",
		Kind:    MatchSubject,
		Subject: receiptSubjectPattern,
		Result:  receipt,
	})

	delivery := Result{
		Type:       domain.TypeNotification,
		TypeConf:   0.98,
		Importance: domain.ImportanceTimeSensitive,
		Attention:  domain.AttentionNone,
		Domains:    []domain.Domain{domain.DomainShopping},
		Decider:    domain.DeciderTypeMapper,
		Reason:     "shipping update",
	}
	reg.Register(&Rule{
		Name:    "commerce:shipping-subject",
		Kind:    MatchSubject,
		Subject: shippedSubjectPattern,
		Result:  delivery,
	})
	reg.Register(&Rule{
		Name:   "commerce:tracking-body",
		Kind:   MatchBody,
		Body:   trackingBodyPattern,
		Result: delivery,
	})

	reg.Register(&Rule{
		Name:    "commerce:payment-due",
		Kind:    MatchSubject,
		Subject: paymentDuePattern,
		Result: Result{
			Type:       domain.TypeNotification,
			TypeConf:   0.98,
			Importance: domain.ImportanceTimeSensitive,
			Attention:  domain.AttentionActionRequired,
			Domains:    []domain.Domain{domain.DomainFinance},
			Decider:    domain.DeciderTypeMapper,
			Reason:     "payment due notice",
		},
	})

	// An attached document on an otherwise unmatched message from an invoice
	// idiom sender is a receipt more often than not, but the attachment alone
	// is the weakest signal; it sits on the last rung by construction.
	reg.Register(&Rule{
		Name:       "commerce:invoice-attachment",
		Kind:       MatchAttachment,
		Attachment: true,
		Guard:      regexp.MustCompile(`(?i)invoice|receipt|statement`),
		Result: Result{
			Type:       domain.TypeReceipt,
			TypeConf:   0.98,
			Importance: domain.ImportanceRoutine,
			Attention:  domain.AttentionNone,
			Domains:    []domain.Domain{domain.DomainFinance},
			Decider:    domain.DeciderTypeMapper,
			Reason:     "invoice attachment",
		},
	})
}
