package digest

import (
	"testing"
	"time"

	"digest_server/core/domain"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestExtractTemporal(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		snippet string
		field   string // which field should be set
		want    string // RFC3339, "" for none
	}{
		{
			name:    "word date with at-time is event start",
			subject: "Dinner @ Fri Nov 21, 2025 6:30pm",
			snippet: "See you there",
			field:   "event_start",
			want:    "2025-11-21T18:30:00Z",
		},
		{
			name:    "iso datetime",
			subject: "Reservation confirmed",
			snippet: "Your table is booked for 2025-12-01T19:00",
			field:   "event_start",
			want:    "2025-12-01T19:00:00Z",
		},
		{
			name:    "delivered cue yields delivery date",
			subject: "Your package was delivered",
			snippet: "Delivered on Nov 8, 2025",
			field:   "delivery_date",
			want:    "2025-11-08T00:00:00Z",
		},
		{
			name:    "expiry cue yields expiration date",
			subject: "Your offer expires Dec 31, 2025",
			field:   "expiration_date",
			want:    "2025-12-31T00:00:00Z",
		},
		{
			name:    "purchase cue yields purchase date",
			subject: "Payment received",
			snippet: "Order placed 11/05/2025",
			field:   "purchase_date",
			want:    "2025-11-05T00:00:00Z",
		},
		{
			name:    "no year means no timestamp",
			subject: "Dinner @ Fri Nov 21 6:30pm",
			field:   "",
			want:    "",
		},
		{
			name:    "plain text has nothing",
			subject: "Lunch soon?",
			snippet: "We should catch up",
			field:   "",
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := ExtractTemporal(tt.subject, tt.snippet)
			if tt.want == "" {
				if !tc.Empty() {
					t.Fatalf("expected empty context, got %+v", tc)
				}
				return
			}
			want := mustTime(t, tt.want)
			var got *time.Time
			switch tt.field {
			case "event_start":
				got = tc.EventStart
			case "delivery_date":
				got = tc.DeliveryDate
			case "expiration_date":
				got = tc.ExpirationDate
			case "purchase_date":
				got = tc.PurchaseDate
			}
			if got == nil {
				t.Fatalf("%s not set, context %+v", tt.field, tc)
			}
			if !got.Equal(want) {
				t.Errorf("%s = %s, want %s", tt.field, got.Format(time.RFC3339), want.Format(time.RFC3339))
			}
		})
	}
}

func TestExtractTemporalEventRange(t *testing.T) {
	tc := ExtractTemporal("Team offsite Nov 21, 2025 2:00pm - 4:00pm", "")
	if tc.EventStart == nil || tc.EventEnd == nil {
		t.Fatalf("range not extracted: %+v", tc)
	}
	if !tc.EventEnd.After(*tc.EventStart) {
		t.Errorf("event_end %v not after event_start %v", tc.EventEnd, tc.EventStart)
	}
}

func TestIntrinsicSection(t *testing.T) {
	stamp := mustTime(t, "2025-11-21T18:30:00Z")
	withEvent := &domain.TemporalContext{EventStart: &stamp}

	tests := []struct {
		name string
		c    domain.Classification
		tc   *domain.TemporalContext
		want domain.Section
	}{
		{
			name: "otp skips",
			c:    domain.Classification{Type: domain.TypeOTP, Importance: domain.ImportanceCritical},
			want: domain.SectionSkip,
		},
		{
			name: "critical goes to critical",
			c:    domain.Classification{Type: domain.TypeNotification, Importance: domain.ImportanceCritical},
			want: domain.SectionCritical,
		},
		{
			name: "time sensitive with timestamp goes to today",
			c:    domain.Classification{Type: domain.TypeEvent, Importance: domain.ImportanceTimeSensitive},
			tc:   withEvent,
			want: domain.SectionToday,
		},
		{
			name: "time sensitive without timestamp falls through",
			c:    domain.Classification{Type: domain.TypeNotification, Importance: domain.ImportanceTimeSensitive},
			want: domain.SectionEverythingElse,
		},
		{
			name: "routine goes to everything else",
			c:    domain.Classification{Type: domain.TypeNewsletter, Importance: domain.ImportanceRoutine},
			want: domain.SectionEverythingElse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IntrinsicSection(tt.c, tt.tc); got != tt.want {
				t.Errorf("IntrinsicSection = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecaySectionEventLadder(t *testing.T) {
	eventStart := mustTime(t, "2025-11-21T18:30:00Z")
	tc := &domain.TemporalContext{EventStart: &eventStart}
	timeSensitive := domain.Classification{Importance: domain.ImportanceTimeSensitive}

	tests := []struct {
		name string
		now  string
		want domain.Section
	}{
		{"eleven days out demotes to worth knowing", "2025-11-10T12:00:00Z", domain.SectionWorthKnowing},
		{"next day is coming up", "2025-11-20T12:00:00Z", domain.SectionComingUp},
		{"within the hour is critical", "2025-11-21T18:00:00Z", domain.SectionCritical},
		{"thirty minutes past with grace is critical", "2025-11-21T19:00:00Z", domain.SectionCritical},
		{"well past skips", "2025-11-21T20:00:00Z", domain.SectionSkip},
		{"same day ahead is today", "2025-11-21T10:00:00Z", domain.SectionToday},
		{"exactly seven days out is coming up", "2025-11-14T18:30:00Z", domain.SectionComingUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := mustTime(t, tt.now)
			got := DecaySection(domain.SectionToday, tc, timeSensitive, now)
			if got != tt.want {
				t.Errorf("DecaySection(now=%s) = %s, want %s", tt.now, got, tt.want)
			}
		})
	}
}

func TestDecayGraceWindow(t *testing.T) {
	// An event that started 30 minutes ago with no end is still critical, not
	// skipped: the grace hour absorbs client timezone skew.
	now := mustTime(t, "2025-11-10T12:00:00Z")
	start := now.Add(-30 * time.Minute)
	tc := &domain.TemporalContext{EventStart: &start}

	got := DecaySection(domain.SectionToday, tc, domain.Classification{Importance: domain.ImportanceTimeSensitive}, now)
	if got != domain.SectionCritical {
		t.Errorf("DecaySection = %s, want critical inside the grace window", got)
	}
}

func TestDecayCriticalNonEventNeverDemotes(t *testing.T) {
	now := mustTime(t, "2025-11-10T12:00:00Z")
	old := now.Add(-90 * 24 * time.Hour)

	// Critical with only an old purchase date stays critical.
	tc := &domain.TemporalContext{PurchaseDate: &old}
	got := DecaySection(domain.SectionCritical, tc, domain.Classification{Importance: domain.ImportanceCritical}, now)
	if got != domain.SectionCritical {
		t.Errorf("critical non-event demoted to %s", got)
	}
}

func TestDecayDeliveryRules(t *testing.T) {
	now := mustTime(t, "2025-11-10T12:00:00Z")
	routine := domain.Classification{Importance: domain.ImportanceRoutine}

	recent := now.Add(-6 * time.Hour)
	if got := DecaySection(domain.SectionEverythingElse, &domain.TemporalContext{DeliveryDate: &recent}, routine, now); got != domain.SectionToday {
		t.Errorf("recent delivery = %s, want today", got)
	}

	stale := now.Add(-72 * time.Hour)
	if got := DecaySection(domain.SectionToday, &domain.TemporalContext{DeliveryDate: &stale}, routine, now); got != domain.SectionEverythingElse {
		t.Errorf("stale routine delivery = %s, want everything_else", got)
	}
}

func TestDecayPastPurchaseGoesToEverythingElse(t *testing.T) {
	now := mustTime(t, "2025-11-10T12:00:00Z")
	purchased := now.Add(-48 * time.Hour)
	tc := &domain.TemporalContext{PurchaseDate: &purchased}

	got := DecaySection(domain.SectionToday, tc, domain.Classification{Importance: domain.ImportanceRoutine}, now)
	if got != domain.SectionEverythingElse {
		t.Errorf("past purchase = %s, want everything_else", got)
	}
}

func TestDecayEndedEventWithGrace(t *testing.T) {
	now := mustTime(t, "2025-11-10T12:00:00Z")
	start := now.Add(-3 * time.Hour)
	end := now.Add(-30 * time.Minute)
	tc := &domain.TemporalContext{EventStart: &start, EventEnd: &end}

	// Ended 30 minutes ago: inside the grace on the end, and the start delta
	// puts it outside the critical window, so it lands back on the ladder.
	got := DecaySection(domain.SectionToday, tc, domain.Classification{Importance: domain.ImportanceTimeSensitive}, now)
	if got == domain.SectionSkip {
		t.Errorf("event ended inside grace must not skip")
	}

	longOver := now.Add(-2 * time.Hour)
	tc2 := &domain.TemporalContext{EventStart: &start, EventEnd: &longOver}
	if got := DecaySection(domain.SectionToday, tc2, domain.Classification{Importance: domain.ImportanceTimeSensitive}, now); got != domain.SectionSkip {
		t.Errorf("event ended beyond grace = %s, want skip", got)
	}
}
