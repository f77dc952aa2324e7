package digest

import (
	"time"

	"digest_server/core/domain"
)

// Intrinsic section assignment (T0) uses only what the message is: type,
// importance, and the extracted temporal context. It never sees the clock,
// which is what makes it testable without mocking time.

// NewIntrinsicStage builds the T0 stage.
func NewIntrinsicStage() *Stage {
	return &Stage{
		Name:      "intrinsic_sections",
		DependsOn: []string{"temporal_extract"},
		Inputs:    []Key{KeyMessages, KeyTemporal},
		Outputs:   []Key{KeyT0Sections},
		Run:       runIntrinsic,
	}
}

func runIntrinsic(sc *StageContext) error {
	mv, err := sc.Get(KeyMessages)
	if err != nil {
		return err
	}
	tv, err := sc.Get(KeyTemporal)
	if err != nil {
		return err
	}
	messages, _ := mv.([]domain.ClassifiedEmail)
	temporal, _ := tv.(map[string]*domain.TemporalContext)

	t0 := make(map[string]domain.Section, len(messages))
	for i := range messages {
		m := &messages[i]
		t0[m.Email.ID] = IntrinsicSection(m.Classification, temporal[m.Email.ID])
	}
	return sc.Set(KeyT0Sections, t0)
}

// IntrinsicSection maps a classified message to its T0 section.
func IntrinsicSection(c domain.Classification, tc *domain.TemporalContext) domain.Section {
	switch {
	case c.Type == domain.TypeOTP:
		// Too short-lived to digest.
		return domain.SectionSkip
	case c.Importance == domain.ImportanceCritical:
		return domain.SectionCritical
	case c.Importance == domain.ImportanceTimeSensitive && tc.HasAnyTimestamp():
		return domain.SectionToday
	default:
		return domain.SectionEverythingElse
	}
}

// Temporal decay (T1) is the sole stage that consumes the evaluation clock.
// It applies the ordered rule table to the T0 section; the one-hour grace
// absorbs client timezone skew around "now".

const (
	graceWindow = time.Hour
	dayWindow   = 24 * time.Hour
	weekWindow  = 7 * 24 * time.Hour
)

// NewDecayStage builds the T1 stage.
func NewDecayStage() *Stage {
	return &Stage{
		Name:      "temporal_decay",
		DependsOn: []string{"intrinsic_sections"},
		Inputs:    []Key{KeyMessages, KeyTemporal, KeyT0Sections},
		Outputs:   []Key{KeyT1Sections},
		Run:       runDecay,
	}
}

func runDecay(sc *StageContext) error {
	mv, err := sc.Get(KeyMessages)
	if err != nil {
		return err
	}
	tv, err := sc.Get(KeyTemporal)
	if err != nil {
		return err
	}
	t0v, err := sc.Get(KeyT0Sections)
	if err != nil {
		return err
	}
	messages, _ := mv.([]domain.ClassifiedEmail)
	temporal, _ := tv.(map[string]*domain.TemporalContext)
	t0, _ := t0v.(map[string]domain.Section)

	now := sc.Now()
	t1 := make(map[string]domain.Section, len(messages))
	for i := range messages {
		id := messages[i].Email.ID
		t1[id] = DecaySection(t0[id], temporal[id], messages[i].Classification, now)
	}
	return sc.Set(KeyT1Sections, t1)
}

// DecaySection applies the T1 rule table, first match wins. A critical T0
// section that is not event-driven never demotes.
func DecaySection(t0 domain.Section, tc *domain.TemporalContext, c domain.Classification, now time.Time) domain.Section {
	if t0 == domain.SectionSkip {
		return domain.SectionSkip
	}

	hasEvent := tc != nil && tc.EventStart != nil
	if hasEvent {
		start := *tc.EventStart

		// Past events, with the one-hour grace on either the end or the start.
		if tc.EventEnd != nil {
			if tc.EventEnd.Before(now.Add(-graceWindow)) {
				return domain.SectionSkip
			}
		} else if start.Before(now.Add(-graceWindow)) {
			return domain.SectionSkip
		}

		delta := start.Sub(now)
		switch {
		case absDuration(delta) <= graceWindow:
			return domain.SectionCritical
		case delta <= dayWindow:
			return domain.SectionToday
		case delta <= weekWindow:
			return domain.SectionComingUp
		default:
			// Demoted from today; it is information, not a plan yet.
			return domain.SectionWorthKnowing
		}
	}

	// Critical non-event never demotes.
	if t0 == domain.SectionCritical {
		return domain.SectionCritical
	}

	if tc != nil && tc.DeliveryDate != nil {
		age := now.Sub(*tc.DeliveryDate)
		if age >= 0 && age <= dayWindow {
			return domain.SectionToday
		}
		if age > dayWindow && c.Importance == domain.ImportanceRoutine {
			return domain.SectionEverythingElse
		}
	}

	if tc != nil && tc.PurchaseDate != nil && tc.PurchaseDate.Before(now) {
		return domain.SectionEverythingElse
	}

	return t0
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
