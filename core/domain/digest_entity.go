package domain

import (
	"fmt"
	"time"
)

// EntityKind discriminates the Entity sum type.
type EntityKind string

const (
	EntityFlight       EntityKind = "flight"
	EntityEvent        EntityKind = "event"
	EntityDeadline     EntityKind = "deadline"
	EntityReminder     EntityKind = "reminder"
	EntityDelivery     EntityKind = "delivery"
	EntityPromo        EntityKind = "promo"
	EntityNotification EntityKind = "notification"
)

func (k EntityKind) Valid() bool {
	switch k {
	case EntityFlight, EntityEvent, EntityDeadline, EntityReminder,
		EntityDelivery, EntityPromo, EntityNotification:
		return true
	}
	return false
}

// Entity is a structured fact extracted from one message. Exactly one payload
// pointer is non-nil, selected by Kind. Entities are created by the extractor
// stage; only the enricher mutates them afterwards (ResolvedImportance and
// DigestSection), and deduplication is the only way one is dropped.
type Entity struct {
	Kind            EntityKind `json:"kind"`
	SourceMessageID string     `json:"source_message_id"`
	SourceSubject   string     `json:"source_subject"`
	Importance      Importance `json:"importance"`
	EventTime       *time.Time `json:"event_time,omitempty"`

	Flight       *FlightPayload       `json:"flight,omitempty"`
	Event        *EventPayload        `json:"event,omitempty"`
	Deadline     *DeadlinePayload     `json:"deadline,omitempty"`
	Reminder     *ReminderPayload     `json:"reminder,omitempty"`
	Delivery     *DeliveryPayload     `json:"delivery,omitempty"`
	Promo        *PromoPayload        `json:"promo,omitempty"`
	Notification *NotificationPayload `json:"notification,omitempty"`

	// Filled by the enricher, never by the extractor.
	ResolvedImportance Importance `json:"resolved_importance,omitempty"`
	DigestSection      Section    `json:"digest_section,omitempty"`
}

type FlightPayload struct {
	Carrier       string `json:"carrier,omitempty"`
	FlightNumber  string `json:"flight_number"`
	Origin        string `json:"origin,omitempty"`
	Destination   string `json:"destination,omitempty"`
	Confirmation  string `json:"confirmation,omitempty"`
	DepartureGate string `json:"departure_gate,omitempty"`
}

type EventPayload struct {
	Title    string `json:"title"`
	Location string `json:"location,omitempty"`
}

type DeadlinePayload struct {
	What   string `json:"what"`
	Amount string `json:"amount,omitempty"`
}

type ReminderPayload struct {
	What string `json:"what"`
}

type DeliveryPayload struct {
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
	Status         string `json:"status,omitempty"`
}

type PromoPayload struct {
	Merchant string `json:"merchant,omitempty"`
	Offer    string `json:"offer,omitempty"`
	Code     string `json:"code,omitempty"`
}

type NotificationPayload struct {
	Summary string `json:"summary"`
}

// NewPromo builds a promo entity. Promos are routine by construction.
func NewPromo(msgID, subject string, p PromoPayload) Entity {
	return Entity{
		Kind:            EntityPromo,
		SourceMessageID: msgID,
		SourceSubject:   subject,
		Importance:      ImportanceRoutine,
		Promo:           &p,
	}
}

// NaturalKey returns the dedupe key component specific to the variant. Two
// entities with equal (SourceMessageID, Kind, NaturalKey) are duplicates;
// the earliest wins.
func (e *Entity) NaturalKey() string {
	switch e.Kind {
	case EntityFlight:
		if e.Flight != nil {
			return e.Flight.FlightNumber
		}
	case EntityEvent:
		if e.Event != nil {
			return e.Event.Title
		}
	case EntityDeadline:
		if e.Deadline != nil {
			return e.Deadline.What
		}
	case EntityReminder:
		if e.Reminder != nil {
			return e.Reminder.What
		}
	case EntityDelivery:
		if e.Delivery != nil {
			return e.Delivery.TrackingNumber
		}
	case EntityPromo:
		if e.Promo != nil {
			return e.Promo.Merchant + "|" + e.Promo.Code
		}
	case EntityNotification:
		if e.Notification != nil {
			return e.Notification.Summary
		}
	}
	return ""
}

// DedupeKey is the full key duplicates collapse on.
func (e *Entity) DedupeKey() string {
	return e.SourceMessageID + "\x1f" + string(e.Kind) + "\x1f" + e.NaturalKey()
}

// Validate checks the kind and that the matching payload is present.
func (e *Entity) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("entity: unknown kind %q", e.Kind)
	}
	if e.SourceMessageID == "" {
		return fmt.Errorf("entity: empty source_message_id")
	}
	var payloadSet bool
	switch e.Kind {
	case EntityFlight:
		payloadSet = e.Flight != nil
	case EntityEvent:
		payloadSet = e.Event != nil
	case EntityDeadline:
		payloadSet = e.Deadline != nil
	case EntityReminder:
		payloadSet = e.Reminder != nil
	case EntityDelivery:
		payloadSet = e.Delivery != nil
	case EntityPromo:
		payloadSet = e.Promo != nil
		if payloadSet && e.Importance != ImportanceRoutine {
			return fmt.Errorf("entity: promo importance must be routine")
		}
	case EntityNotification:
		payloadSet = e.Notification != nil
	}
	if !payloadSet {
		return fmt.Errorf("entity: kind %q missing payload", e.Kind)
	}
	return nil
}
