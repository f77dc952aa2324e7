package digest

import (
	"context"
	"regexp"
	"strings"
	"time"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/hygiene"
)

// Entity extraction is rule-first: regex families structure the common cases
// for free. The model is consulted only for messages in the urgent sections
// that the rules could not structure, and its output passes the same dedupe.

var (
	flightNumberPattern = regexp.MustCompile(`\b([A-Z]{2})\s?(\d{2,4})\b`)
	flightCue           = regexp.MustCompile(`(?i)\bflight\b|\bboarding\b|\bdeparture\b|\bgate\b|\bitinerary\b`)
	trackingPattern     = regexp.MustCompile(`\b(1Z[0-9A-Z]{16})\b|\b(\d{12,22})\b`)
	carrierCue          = regexp.MustCompile(`(?i)\b(ups|fedex|usps|dhl)\b|\btracking\b|\bshipment\b|\bpackage\b`)
	amountPattern       = regexp.MustCompile(`[$€£]\s?\d{1,3}(?:,\d{3})*(?:\.\d{2})?`)
	dueCue              = regexp.MustCompile(`(?i)\bdue\b|\bpayment\s+(?:due|reminder)\b|\bbill\b|\bowe\b`)
	confirmationPattern = regexp.MustCompile(`(?i)confirmation\s*(?:code|number|#)?[:#]?\s*([A-Z0-9]{5,8})\b`)
	promoCodePattern    = regexp.MustCompile(`(?i)\b(?:code|coupon)[:\s]+([A-Z0-9]{4,12})\b`)
	promoCue            = regexp.MustCompile(`(?i)%\s+off|\bsale\b|\bdeal\b|\bdiscount\b|\bpromo\b`)
)

// urgentSections gate the model fallback.
var urgentSections = map[domain.Section]bool{
	domain.SectionCritical: true,
	domain.SectionToday:    true,
	domain.SectionComingUp: true,
}

// EntityExtractor builds the extraction stage. The LLM is optional; with a
// nil client (or the feature off) extraction is rules only.
type EntityExtractor struct {
	llm        out.LLMClient
	llmEnabled func() bool
	san        *hygiene.Sanitizer
}

// NewEntityExtractor creates the extractor.
func NewEntityExtractor(llm out.LLMClient, llmEnabled func() bool) *EntityExtractor {
	if llmEnabled == nil {
		llmEnabled = func() bool { return false }
	}
	return &EntityExtractor{llm: llm, llmEnabled: llmEnabled, san: hygiene.New(1200)}
}

// Stage returns the DAG node.
func (x *EntityExtractor) Stage() *Stage {
	return &Stage{
		Name:      "entity_extract",
		DependsOn: []string{"temporal_decay"},
		Inputs:    []Key{KeyMessages, KeyTemporal, KeyT1Sections},
		Outputs:   []Key{KeyEntities, KeySectionIndex},
		Run:       x.run,
	}
}

func (x *EntityExtractor) run(sc *StageContext) error {
	mv, err := sc.Get(KeyMessages)
	if err != nil {
		return err
	}
	tv, err := sc.Get(KeyTemporal)
	if err != nil {
		return err
	}
	t1v, err := sc.Get(KeyT1Sections)
	if err != nil {
		return err
	}
	messages, _ := mv.([]domain.ClassifiedEmail)
	temporal, _ := tv.(map[string]*domain.TemporalContext)
	t1, _ := t1v.(map[string]domain.Section)

	// Safe defaults first: a failure below still leaves declared outputs set.
	var entities []domain.Entity
	seen := make(map[string]bool)

	add := func(e domain.Entity) {
		if e.Validate() != nil {
			return
		}
		key := e.DedupeKey()
		if seen[key] {
			return // earliest wins
		}
		seen[key] = true
		entities = append(entities, e)
	}

	for i := range messages {
		m := &messages[i]
		section := t1[m.Email.ID]
		if section == domain.SectionSkip {
			continue
		}

		found := extractByRules(m, temporal[m.Email.ID])
		for _, e := range found {
			add(e)
		}

		// Model fallback: urgent sections the rules left unstructured.
		if len(found) == 0 && urgentSections[section] && x.llm != nil && x.llmEnabled() {
			llmEntities, lerr := x.extractByModel(sc, m, temporal[m.Email.ID])
			if lerr != nil {
				sc.Warn("entity model extraction failed for one message: %v", lerr)
				continue
			}
			for _, e := range llmEntities {
				add(e)
			}
		}
	}

	index := make(map[domain.Section][]int)
	for i := range entities {
		id := entities[i].SourceMessageID
		index[t1[id]] = append(index[t1[id]], i)
	}

	if err := sc.Set(KeyEntities, entities); err != nil {
		return err
	}
	return sc.Set(KeySectionIndex, index)
}

// extractByRules runs the regex families over one message.
func extractByRules(m *domain.ClassifiedEmail, tc *domain.TemporalContext) []domain.Entity {
	text := m.Email.Subject + " " + m.Email.Snippet
	var result []domain.Entity

	base := func(kind domain.EntityKind) domain.Entity {
		e := domain.Entity{
			Kind:            kind,
			SourceMessageID: m.Email.ID,
			SourceSubject:   m.Email.Subject,
			Importance:      m.Classification.Importance,
		}
		if tc != nil && tc.EventStart != nil {
			e.EventTime = tc.EventStart
		}
		return e
	}

	if flightCue.MatchString(text) {
		if fm := flightNumberPattern.FindStringSubmatch(text); fm != nil {
			e := base(domain.EntityFlight)
			e.Flight = &domain.FlightPayload{
				Carrier:      fm[1],
				FlightNumber: fm[1] + fm[2],
			}
			if cm := confirmationPattern.FindStringSubmatch(text); cm != nil {
				e.Flight.Confirmation = cm[1]
			}
			result = append(result, e)
		}
	}

	if carrierCue.MatchString(text) {
		if tm := trackingPattern.FindStringSubmatch(text); tm != nil {
			tracking := tm[1]
			if tracking == "" {
				tracking = tm[2]
			}
			e := base(domain.EntityDelivery)
			e.Delivery = &domain.DeliveryPayload{
				TrackingNumber: tracking,
				Status:         deliveryStatus(text),
			}
			if tc != nil && tc.DeliveryDate != nil {
				e.EventTime = tc.DeliveryDate
			}
			result = append(result, e)
		}
	}

	if dueCue.MatchString(text) {
		if am := amountPattern.FindString(text); am != "" {
			e := base(domain.EntityDeadline)
			e.Deadline = &domain.DeadlinePayload{
				What:   m.Email.Subject,
				Amount: am,
			}
			if tc != nil && tc.ExpirationDate != nil {
				e.EventTime = tc.ExpirationDate
			}
			result = append(result, e)
		}
	}

	if m.Classification.Type == domain.TypeEvent && tc != nil && tc.EventStart != nil {
		e := base(domain.EntityEvent)
		e.Event = &domain.EventPayload{Title: eventTitle(m.Email.Subject)}
		result = append(result, e)
	}

	if m.Classification.Type == domain.TypePromotion && promoCue.MatchString(text) {
		p := domain.NewPromo(m.Email.ID, m.Email.Subject, domain.PromoPayload{
			Merchant: m.Email.SenderDomain(),
			Offer:    strings.TrimSpace(m.Email.Subject),
		})
		if cm := promoCodePattern.FindStringSubmatch(text); cm != nil {
			p.Promo.Code = cm[1]
		}
		if tc != nil && tc.ExpirationDate != nil {
			p.EventTime = tc.ExpirationDate
		}
		result = append(result, p)
	}

	return result
}

// extractByModel converts model output into entities. The declared inputs
// supply everything; the call inherits the session deadline.
func (x *EntityExtractor) extractByModel(sc *StageContext, m *domain.ClassifiedEmail, tc *domain.TemporalContext) ([]domain.Entity, error) {
	ctx, cancel := context.WithTimeout(sc.Context(), 20*time.Second)
	defer cancel()

	sanitized := out.SanitizedEmail{
		MessageID: m.Email.ID,
		From:      x.san.CleanTo(m.Email.From, 200),
		Subject:   x.san.CleanTo(m.Email.Subject, 300),
		Snippet:   x.san.Clean(m.Email.Snippet),
	}
	raw, err := x.llm.ExtractEntities(ctx, sc.UserID(), sanitized)
	if err != nil {
		return nil, err
	}

	var result []domain.Entity
	for _, r := range raw {
		e := domain.Entity{
			Kind:            domain.EntityKind(r.Kind),
			SourceMessageID: m.Email.ID,
			SourceSubject:   m.Email.Subject,
			Importance:      m.Classification.Importance,
		}
		if r.When != "" {
			if ts, perr := time.Parse(time.RFC3339, r.When); perr == nil {
				utc := ts.UTC()
				e.EventTime = &utc
			}
		}
		if e.EventTime == nil && tc != nil && tc.EventStart != nil {
			e.EventTime = tc.EventStart
		}

		switch e.Kind {
		case domain.EntityFlight:
			e.Flight = &domain.FlightPayload{FlightNumber: r.Reference}
			if e.Flight.FlightNumber == "" {
				e.Flight.FlightNumber = r.Title
			}
		case domain.EntityEvent:
			e.Event = &domain.EventPayload{Title: r.Title, Location: r.Location}
		case domain.EntityDeadline:
			e.Deadline = &domain.DeadlinePayload{What: r.Title, Amount: r.Amount}
		case domain.EntityReminder:
			e.Reminder = &domain.ReminderPayload{What: r.Title}
		case domain.EntityDelivery:
			e.Delivery = &domain.DeliveryPayload{TrackingNumber: r.Reference, Status: r.Title}
		case domain.EntityPromo:
			e = domain.NewPromo(m.Email.ID, m.Email.Subject, domain.PromoPayload{Offer: r.Title, Code: r.Reference})
		case domain.EntityNotification:
			e.Notification = &domain.NotificationPayload{Summary: r.Title}
		default:
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

var (
	statusDelivered = regexp.MustCompile(`(?i)\bdelivered\b`)
	statusOutForDel = regexp.MustCompile(`(?i)out\s+for\s+delivery`)
	statusShipped   = regexp.MustCompile(`(?i)\bshipped\b`)
)

func deliveryStatus(text string) string {
	switch {
	case statusDelivered.MatchString(text):
		return "delivered"
	case statusOutForDel.MatchString(text):
		return "out for delivery"
	case statusShipped.MatchString(text):
		return "shipped"
	default:
		return "in transit"
	}
}

// eventTitle strips calendar-invite prefixes from a subject.
func eventTitle(subject string) string {
	s := subject
	for _, prefix := range []string{"Invitation:", "invitation:", "Updated invitation:", "Event:"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if i := strings.Index(s, "@"); i > 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return subject
	}
	return s
}
