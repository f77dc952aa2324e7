package domain

import (
	"fmt"
	"time"
)

// TemporalContext holds intrinsic timestamps extracted from a message. These
// are facts about the message itself, never comparisons against the clock;
// the decay stage is the only place the clock enters.
type TemporalContext struct {
	EventStart     *time.Time `json:"event_start,omitempty"`
	EventEnd       *time.Time `json:"event_end,omitempty"`
	DeliveryDate   *time.Time `json:"delivery_date,omitempty"`
	PurchaseDate   *time.Time `json:"purchase_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
}

// Empty reports whether no timestamp was extracted.
func (tc *TemporalContext) Empty() bool {
	if tc == nil {
		return true
	}
	return tc.EventStart == nil && tc.EventEnd == nil &&
		tc.DeliveryDate == nil && tc.PurchaseDate == nil && tc.ExpirationDate == nil
}

// HasAnyTimestamp reports whether at least one field is set.
func (tc *TemporalContext) HasAnyTimestamp() bool {
	return !tc.Empty()
}

// Validate enforces ordering: an event cannot end before it starts.
func (tc *TemporalContext) Validate() error {
	if tc == nil {
		return nil
	}
	if tc.EventStart != nil && tc.EventEnd != nil && tc.EventEnd.Before(*tc.EventStart) {
		return fmt.Errorf("temporal: event_end %s before event_start %s",
			tc.EventEnd.Format(time.RFC3339), tc.EventStart.Format(time.RFC3339))
	}
	return nil
}

// Section is a digest section. Skip is terminal: a skipped message appears in
// no rendered section.
type Section string

const (
	SectionSkip           Section = "skip"
	SectionCritical       Section = "critical"
	SectionToday          Section = "today"
	SectionComingUp       Section = "coming_up"
	SectionWorthKnowing   Section = "worth_knowing"
	SectionEverythingElse Section = "everything_else"
)

// RenderedSections lists the sections that appear in the digest, in render
// order. SectionSkip is deliberately absent.
var RenderedSections = []Section{
	SectionCritical,
	SectionToday,
	SectionComingUp,
	SectionWorthKnowing,
	SectionEverythingElse,
}

func (s Section) Valid() bool {
	switch s {
	case SectionSkip, SectionCritical, SectionToday, SectionComingUp,
		SectionWorthKnowing, SectionEverythingElse:
		return true
	}
	return false
}

// Rendered reports whether the section appears in digest output.
func (s Section) Rendered() bool {
	return s.Valid() && s != SectionSkip
}
