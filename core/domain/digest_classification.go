package domain

import (
	"fmt"
	"time"
)

// EmailType is the primary classification axis for a message.
type EmailType string

const (
	TypeNewsletter    EmailType = "newsletter"
	TypeNotification  EmailType = "notification"
	TypeReceipt       EmailType = "receipt"
	TypeEvent         EmailType = "event"
	TypePromotion     EmailType = "promotion"
	TypeMessage       EmailType = "message"
	TypeOTP           EmailType = "otp"
	TypeUncategorized EmailType = "uncategorized"
)

// Valid reports whether t is a known email type.
func (t EmailType) Valid() bool {
	switch t {
	case TypeNewsletter, TypeNotification, TypeReceipt, TypeEvent,
		TypePromotion, TypeMessage, TypeOTP, TypeUncategorized:
		return true
	}
	return false
}

// Domain is a life-area tag; a message may carry several.
type Domain string

const (
	DomainFinance      Domain = "finance"
	DomainShopping     Domain = "shopping"
	DomainProfessional Domain = "professional"
	DomainPersonal     Domain = "personal"
)

func (d Domain) Valid() bool {
	switch d {
	case DomainFinance, DomainShopping, DomainProfessional, DomainPersonal:
		return true
	}
	return false
}

// Attention marks whether the message demands something from the user.
type Attention string

const (
	AttentionActionRequired Attention = "action_required"
	AttentionNone           Attention = "none"
)

func (a Attention) Valid() bool {
	return a == AttentionActionRequired || a == AttentionNone
}

// Importance is the intrinsic urgency of a message, independent of when it is
// read. The digest's T0 section assignment consumes it directly.
type Importance string

const (
	ImportanceCritical      Importance = "critical"
	ImportanceTimeSensitive Importance = "time_sensitive"
	ImportanceRoutine       Importance = "routine"
)

func (i Importance) Valid() bool {
	switch i {
	case ImportanceCritical, ImportanceTimeSensitive, ImportanceRoutine:
		return true
	}
	return false
}

// Relationship distinguishes known senders from strangers.
type Relationship string

const (
	FromContact Relationship = "from_contact"
	FromUnknown Relationship = "from_unknown"
)

// ClientLabel is the mailbox label the provider adapter applies.
type ClientLabel string

const (
	LabelReceipts       ClientLabel = "receipts"
	LabelActionRequired ClientLabel = "action-required"
	LabelMessages       ClientLabel = "messages"
	LabelEverythingElse ClientLabel = "everything-else"
)

func (l ClientLabel) Valid() bool {
	switch l {
	case LabelReceipts, LabelActionRequired, LabelMessages, LabelEverythingElse:
		return true
	}
	return false
}

// Decider records which tier of the classifier produced the result.
type Decider string

const (
	DeciderTypeMapper Decider = "type_mapper"
	DeciderRule       Decider = "rule"
	DeciderLLM        Decider = "llm"
	DeciderVerifier   Decider = "verifier"
	DeciderDetector   Decider = "detector"
	DeciderFallback   Decider = "fallback"
)

func (d Decider) Valid() bool {
	switch d {
	case DeciderTypeMapper, DeciderRule, DeciderLLM, DeciderVerifier,
		DeciderDetector, DeciderFallback:
		return true
	}
	return false
}

// Classification is the record the classifier returns and the digest consumes.
type Classification struct {
	MessageID string `json:"message_id"`

	Type     EmailType `json:"type"`
	TypeConf float64   `json:"type_conf"`

	Domains    []Domain           `json:"domains,omitempty"`
	DomainConf map[Domain]float64 `json:"domain_conf,omitempty"`

	Attention     Attention `json:"attention"`
	AttentionConf float64   `json:"attention_conf"`

	Importance     Importance `json:"importance"`
	ImportanceConf float64    `json:"importance_conf"`

	Relationship Relationship `json:"relationship"`
	ClientLabel  ClientLabel  `json:"client_label"`

	Decider Decider `json:"decider"`
	Reason  string  `json:"reason,omitempty"`

	// Pinned for rollback and cost attribution.
	ModelVersion  string `json:"model_version,omitempty"`
	PromptVersion string `json:"prompt_version,omitempty"`
}

// Validate checks enum membership and confidence ranges. Validation is strict:
// unknown enum values and out-of-range confidences fail closed.
func (c *Classification) Validate() error {
	if c.MessageID == "" {
		return fmt.Errorf("classification: empty message_id")
	}
	if !c.Type.Valid() {
		return fmt.Errorf("classification: unknown type %q", c.Type)
	}
	if err := validConf("type_conf", c.TypeConf); err != nil {
		return err
	}
	for _, d := range c.Domains {
		if !d.Valid() {
			return fmt.Errorf("classification: unknown domain %q", d)
		}
	}
	for d, conf := range c.DomainConf {
		if !d.Valid() {
			return fmt.Errorf("classification: unknown domain %q in domain_conf", d)
		}
		if err := validConf("domain_conf", conf); err != nil {
			return err
		}
	}
	if !c.Attention.Valid() {
		return fmt.Errorf("classification: unknown attention %q", c.Attention)
	}
	if err := validConf("attention_conf", c.AttentionConf); err != nil {
		return err
	}
	if !c.Importance.Valid() {
		return fmt.Errorf("classification: unknown importance %q", c.Importance)
	}
	if err := validConf("importance_conf", c.ImportanceConf); err != nil {
		return err
	}
	if c.Relationship != FromContact && c.Relationship != FromUnknown {
		return fmt.Errorf("classification: unknown relationship %q", c.Relationship)
	}
	if !c.ClientLabel.Valid() {
		return fmt.Errorf("classification: unknown client_label %q", c.ClientLabel)
	}
	if !c.Decider.Valid() {
		return fmt.Errorf("classification: unknown decider %q", c.Decider)
	}
	if c.Type == TypeOTP && c.ClientLabel != LabelActionRequired {
		return fmt.Errorf("classification: otp must carry client_label %q", LabelActionRequired)
	}
	return nil
}

func validConf(field string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("classification: %s %v out of [0,1]", field, v)
	}
	return nil
}

// LabelFor maps a classified message onto its mailbox label.
func LabelFor(t EmailType, attention Attention) ClientLabel {
	if t == TypeOTP {
		return LabelActionRequired
	}
	if attention == AttentionActionRequired {
		return LabelActionRequired
	}
	switch t {
	case TypeReceipt:
		return LabelReceipts
	case TypeMessage:
		return LabelMessages
	default:
		return LabelEverythingElse
	}
}

// AuditRecord is a persisted classification with its pins, kept for a rolling
// window so verifier decisions and rollbacks can be inspected.
type AuditRecord struct {
	ID            int64          `db:"id" json:"id"`
	UserID        string         `db:"user_id" json:"user_id"`
	MessageID     string         `db:"message_id" json:"message_id"`
	Classified    Classification `db:"-" json:"classification"`
	Payload       string         `db:"payload" json:"-"`
	Decider       string         `db:"decider" json:"decider"`
	TypeConf      float64        `db:"type_conf" json:"type_conf"`
	ModelVersion  string         `db:"model_version" json:"model_version"`
	PromptVersion string         `db:"prompt_version" json:"prompt_version"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
}
