package typemap

import (
	"regexp"

	"digest_server/core/domain"
)

// Bulk mail: newsletters, promotions, calendar invitations. Header-based
// signals (List-Unsubscribe, Precedence) are the strongest and are checked as
// sender-pattern rung rules via the Headers map, since they identify the
// sending infrastructure rather than content.

var (
	newsletterSenderPattern = regexp.MustCompile(`(?i)^(newsletter|digest|weekly|daily|news)@|@(substack\.com|mail\.beehiiv\.com|buttondown\.email)$`)
	promoSubjectPattern     = regexp.MustCompile(`(?i)(^|\s)(\d{1,2}%\s+off|sale\s+(ends|starts)|limited\s+time|free\s+shipping|flash\s+sale|deal\s+of\s+the)`)
	eventInvitePattern      = regexp.MustCompile(`(?i)invitation:|\binvited?\s+you\b|calendar\s+invite|\bRSVP\b`)
	eventUpdatePattern      = regexp.MustCompile(`(?i)^(updated\s+invitation|canceled\s+event|event\s+(update|reminder)):?`)
)

// headerRule fires on a transport header; expressed on the sender rung so it
// outranks subject and body content.
func headerRule(name, header string, val *regexp.Regexp, res Result) *Rule {
	return &Rule{
		Name:          name,
		Kind:          MatchSenderPattern,
		SenderPattern: regexp.MustCompile(`.`), // sender always matches; the header is the condition
		Result:        res,
		headerKey:     header,
		headerVal:     val,
	}
}

func registerBulkMailRules(reg *Registry) {
	newsletter := Result{
		Type:       domain.TypeNewsletter,
		TypeConf:   0.98,
		Importance: domain.ImportanceRoutine,
		Attention:  domain.AttentionNone,
		Decider:    domain.DeciderTypeMapper,
		Reason:     "newsletter infrastructure",
	}

	reg.Register(headerRule("bulk:list-unsubscribe", "List-Unsubscribe", nil, newsletter))
	reg.Register(headerRule("bulk:precedence-bulk", "Precedence", regexp.MustCompile(`(?i)^bulk$`), Result{
		Type:       domain.TypePromotion,
		TypeConf:   0.98,
		Importance: domain.ImportanceRoutine,
		Attention:  domain.AttentionNone,
		Decider:    domain.DeciderTypeMapper,
		Reason:     "bulk precedence header",
	}))

	reg.Register(&Rule{
		Name:          "bulk:newsletter-sender",
		Kind:          MatchSenderPattern,
		SenderPattern: newsletterSenderPattern,
		Result:        newsletter,
	})

	reg.Register(&Rule{
		Name:    "bulk:promo-subject",
		Kind:    MatchSubject,
		Subject: promoSubjectPattern,
		Result: Result{
			Type:       domain.TypePromotion,
			TypeConf:   0.98,
			Importance: domain.ImportanceRoutine,
			Attention:  domain.AttentionNone,
			Domains:    []domain.Domain{domain.DomainShopping},
			Decider:    domain.DeciderTypeMapper,
			Reason:     "promotional subject",
		},
	})

	event := Result{
		Type:       domain.TypeEvent,
		TypeConf:   0.98,
		Importance: domain.ImportanceTimeSensitive,
		Attention:  domain.AttentionNone,
		Decider:    domain.DeciderTypeMapper,
		Reason:     "calendar invitation",
	}
	reg.Register(&Rule{
		Name:    "bulk:event-invite",
		Kind:    MatchSubject,
		Subject: eventInvitePattern,
		Result:  event,
	})
	reg.Register(&Rule{
		Name:    "bulk:event-update",
		Kind:    MatchSubject,
		Subject: eventUpdatePattern,
		Result:  event,
	})
}
