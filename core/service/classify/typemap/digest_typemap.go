// Package typemap implements the deterministic, user-independent first tier
// of the classifier: a compiled registry of sender/subject/body/attachment
// rules that produce a type override with high confidence.
//
// Matching order is stable and first-match-wins:
//
//	domain exact → sender pattern → subject → body → attachment
//
// The quality bar is the false-positive rate: a rule that would fire on a
// non-matching type belongs in the dataset test suite, not in production.
package typemap

import (
	"regexp"
	"strings"

	"digest_server/core/domain"
)

// MatchKind orders the ladder; lower runs first.
type MatchKind int

const (
	MatchDomainExact MatchKind = iota
	MatchSenderPattern
	MatchSubject
	MatchBody
	MatchAttachment
)

// Result is one deterministic classification override.
type Result struct {
	Type       domain.EmailType
	TypeConf   float64
	Importance domain.Importance
	Attention  domain.Attention
	Domains    []domain.Domain
	Decider    domain.Decider // type_mapper, or detector for OTP/security
	Reason     string
	Source     string // rule identifier for telemetry
}

// Rule is one compiled mapper rule.
type Rule struct {
	Name string
	Kind MatchKind

	// Exactly one matcher is set, selected by Kind.
	Domain        string         // MatchDomainExact: sender domain, lower-case
	SenderPattern *regexp.Regexp // MatchSenderPattern: against the full from address
	Subject       *regexp.Regexp // MatchSubject
	Body          *regexp.Regexp // MatchBody: against the snippet
	Attachment    bool           // MatchAttachment: fires when an attachment is present

	// Guard narrows a domain/sender rule with a subject condition; nil means
	// unconditional.
	Guard *regexp.Regexp

	// headerKey, when set, additionally requires the named transport header
	// to be present; headerVal, when also set, must match its value.
	headerKey string
	headerVal *regexp.Regexp

	Result Result
}

// matches reports whether the rule fires on the message.
func (r *Rule) matches(e *domain.EmailInput) bool {
	switch r.Kind {
	case MatchDomainExact:
		if e.SenderDomain() != r.Domain {
			return false
		}
	case MatchSenderPattern:
		if r.SenderPattern == nil || !r.SenderPattern.MatchString(strings.ToLower(e.From)) {
			return false
		}
	case MatchSubject:
		if r.Subject == nil || !r.Subject.MatchString(e.Subject) {
			return false
		}
	case MatchBody:
		if r.Body == nil || !r.Body.MatchString(e.Snippet) {
			return false
		}
	case MatchAttachment:
		if !r.Attachment || !e.HasAttachment {
			return false
		}
	default:
		return false
	}
	if r.headerKey != "" {
		if e.Headers == nil || e.Headers[r.headerKey] == "" {
			return false
		}
		if r.headerVal != nil && !r.headerVal.MatchString(e.Headers[r.headerKey]) {
			return false
		}
	}
	if r.Guard != nil && !r.Guard.MatchString(e.Subject) && !r.Guard.MatchString(e.Snippet) {
		return false
	}
	return true
}

// Registry holds the compiled rule set bucketed by ladder rung.
type Registry struct {
	buckets [5][]*Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a rule to its rung. Registration order within a rung is the
// tiebreak order.
func (reg *Registry) Register(r *Rule) {
	reg.buckets[r.Kind] = append(reg.buckets[r.Kind], r)
}

// Match walks the ladder and returns the first firing rule's result, or nil.
func (reg *Registry) Match(e *domain.EmailInput) *Result {
	for kind := MatchDomainExact; kind <= MatchAttachment; kind++ {
		for _, r := range reg.buckets[kind] {
			if r.matches(e) {
				res := r.Result
				if res.Source == "" {
					res.Source = r.Name
				}
				if res.Decider == "" {
					res.Decider = domain.DeciderTypeMapper
				}
				return &res
			}
		}
	}
	return nil
}

// NewDefaultRegistry compiles the production rule set.
func NewDefaultRegistry() *Registry {
	reg := NewRegistry()
	registerSecurityRules(reg)
	registerCommerceRules(reg)
	registerBulkMailRules(reg)
	return reg
}
