package digest

import (
	"context"
	"fmt"
	"time"

	"digest_server/core/domain"
)

// Enrichment is what the enricher adds on top of the extracted entities:
// resolved importance, human time labels, per-item links, and the greeting.
type Enrichment struct {
	Greeting string
	Cards    []Card
}

// Card is one renderable digest item.
type Card struct {
	EntityIndex int
	Section     domain.Section
	Title       string
	Detail      string
	TimeLabel   string
	Link        string
	Sender      string
	Importance  domain.Importance
}

// GreetingProvider is the optional weather/location collaborator. Absent or
// failing, the enricher falls back to a static greeting.
type GreetingProvider interface {
	Greeting(ctx context.Context, userID string, now time.Time, loc *time.Location) (string, error)
}

// Enricher fills the presentation fields the renderer consumes.
type Enricher struct {
	links    *LinkBuilder
	greeting GreetingProvider // nil means static only
	enabled  func() bool      // greeting collaborator feature gate
}

// NewEnricher creates the enricher.
func NewEnricher(links *LinkBuilder, greeting GreetingProvider, enabled func() bool) *Enricher {
	if enabled == nil {
		enabled = func() bool { return false }
	}
	return &Enricher{links: links, greeting: greeting, enabled: enabled}
}

// Stage returns the DAG node.
func (e *Enricher) Stage() *Stage {
	return &Stage{
		Name:      "enrich",
		DependsOn: []string{"entity_extract"},
		Inputs:    []Key{KeyMessages, KeyEntities, KeyT1Sections},
		Outputs:   []Key{KeyEntities, KeyEnrichment},
		Run:       e.run,
	}
}

func (e *Enricher) run(sc *StageContext) error {
	mv, err := sc.Get(KeyMessages)
	if err != nil {
		return err
	}
	ev, err := sc.Get(KeyEntities)
	if err != nil {
		return err
	}
	t1v, err := sc.Get(KeyT1Sections)
	if err != nil {
		return err
	}
	messages, _ := mv.([]domain.ClassifiedEmail)
	entities, _ := ev.([]domain.Entity)
	t1, _ := t1v.(map[string]domain.Section)

	senderOf := make(map[string]string, len(messages))
	for i := range messages {
		senderOf[messages[i].Email.ID] = messages[i].Email.From
	}

	now := sc.Now()
	loc := sc.Location()

	enrichment := &Enrichment{Greeting: e.resolveGreeting(sc, now, loc)}

	for i := range entities {
		ent := &entities[i]
		section := t1[ent.SourceMessageID]

		// The enricher is the only mutator of extracted entities: it resolves
		// importance against the decayed section and stamps the section.
		ent.DigestSection = section
		ent.ResolvedImportance = resolveImportance(ent.Importance, section)

		card := Card{
			EntityIndex: i,
			Section:     section,
			Title:       cardTitle(ent),
			Detail:      cardDetail(ent),
			Sender:      senderOf[ent.SourceMessageID],
			Importance:  ent.ResolvedImportance,
			Link:        e.links.MessageLink(ent.SourceMessageID),
		}
		if ent.EventTime != nil {
			card.TimeLabel = RelativeTimeLabel(*ent.EventTime, now, loc)
		}
		enrichment.Cards = append(enrichment.Cards, card)
	}

	if err := sc.Set(KeyEntities, entities); err != nil {
		return err
	}
	return sc.Set(KeyEnrichment, enrichment)
}

// resolveGreeting asks the optional collaborator, falling back to the static
// time-of-day greeting on absence, gate-off, or failure.
func (e *Enricher) resolveGreeting(sc *StageContext, now time.Time, loc *time.Location) string {
	if e.greeting != nil && e.enabled() {
		ctx, cancel := context.WithTimeout(sc.Context(), 3*time.Second)
		defer cancel()
		if g, err := e.greeting.Greeting(ctx, sc.UserID(), now, loc); err == nil && g != "" {
			return g
		}
		sc.Warn("greeting collaborator unavailable, using static greeting")
	}
	return staticGreeting(now.In(loc))
}

func staticGreeting(local time.Time) string {
	switch h := local.Hour(); {
	case h < 5:
		return "Burning the midnight oil?"
	case h < 12:
		return "Good morning"
	case h < 17:
		return "Good afternoon"
	default:
		return "Good evening"
	}
}

// resolveImportance mirrors the T1 promotion or demotion onto the entity.
func resolveImportance(intrinsic domain.Importance, section domain.Section) domain.Importance {
	switch section {
	case domain.SectionCritical:
		return domain.ImportanceCritical
	case domain.SectionToday, domain.SectionComingUp:
		if intrinsic == domain.ImportanceCritical {
			return intrinsic
		}
		return domain.ImportanceTimeSensitive
	default:
		if intrinsic == domain.ImportanceCritical {
			return intrinsic
		}
		return domain.ImportanceRoutine
	}
}

// RelativeTimeLabel renders a timestamp the way a person reads it, in their
// timezone: "in 2 hours", "tomorrow 6:30pm", "Nov 21".
func RelativeTimeLabel(t, now time.Time, loc *time.Location) string {
	lt := t.In(loc)
	lnow := now.In(loc)
	delta := t.Sub(now)

	switch {
	case delta < -dayWindow:
		return lt.Format("Jan 2")
	case delta < -time.Hour:
		return fmt.Sprintf("%d hours ago", int(-delta.Hours()))
	case delta < 0:
		return fmt.Sprintf("%d minutes ago", maxInt(1, int(-delta.Minutes())))
	case delta < time.Hour:
		return fmt.Sprintf("in %d minutes", maxInt(1, int(delta.Minutes())))
	case delta < dayWindow && lt.Day() == lnow.Day():
		return fmt.Sprintf("today %s", clockLabel(lt))
	case isTomorrow(lt, lnow):
		return fmt.Sprintf("tomorrow %s", clockLabel(lt))
	case delta < weekWindow:
		return fmt.Sprintf("%s %s", lt.Format("Mon"), clockLabel(lt))
	default:
		return lt.Format("Jan 2")
	}
}

func clockLabel(t time.Time) string {
	if t.Minute() == 0 {
		return t.Format("3pm")
	}
	return t.Format("3:04pm")
}

func isTomorrow(t, now time.Time) bool {
	y1, m1, d1 := now.AddDate(0, 0, 1).Date()
	y2, m2, d2 := t.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// cardTitle picks the human label per variant.
func cardTitle(e *domain.Entity) string {
	switch e.Kind {
	case domain.EntityFlight:
		return "Flight " + e.Flight.FlightNumber
	case domain.EntityEvent:
		return e.Event.Title
	case domain.EntityDeadline:
		return e.Deadline.What
	case domain.EntityReminder:
		return e.Reminder.What
	case domain.EntityDelivery:
		if e.Delivery.Status != "" {
			return "Package " + e.Delivery.Status
		}
		return "Package update"
	case domain.EntityPromo:
		return e.Promo.Offer
	case domain.EntityNotification:
		return e.Notification.Summary
	}
	return e.SourceSubject
}

// cardDetail picks the secondary line per variant.
func cardDetail(e *domain.Entity) string {
	switch e.Kind {
	case domain.EntityFlight:
		if e.Flight.Confirmation != "" {
			return "Confirmation " + e.Flight.Confirmation
		}
	case domain.EntityEvent:
		return e.Event.Location
	case domain.EntityDeadline:
		return e.Deadline.Amount
	case domain.EntityDelivery:
		return e.Delivery.TrackingNumber
	case domain.EntityPromo:
		if e.Promo.Code != "" {
			return "Code " + e.Promo.Code
		}
	}
	return ""
}
