package domain

import "strings"

// EmailInput is the provider-independent view of one incoming message. The
// transport that fetched it is out of scope; the core only ever sees this.
type EmailInput struct {
	ID      string            `json:"id"`
	From    string            `json:"from"`
	Subject string            `json:"subject"`
	Snippet string            `json:"snippet"`
	Headers map[string]string `json:"headers,omitempty"`

	HasAttachment bool `json:"has_attachment,omitempty"`
}

// SenderDomain returns the lower-cased domain part of the From address, or ""
// when the address has no @.
func (e *EmailInput) SenderDomain() string {
	return DomainOfAddress(e.From)
}

// DomainOfAddress extracts the lower-cased domain from an email address.
func DomainOfAddress(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	d := strings.ToLower(addr[at+1:])
	return strings.TrimSuffix(d, ">")
}

// ClassifiedEmail pairs a message with its classification and the temporal
// context extracted from it. This is the unit the digest pipeline consumes.
type ClassifiedEmail struct {
	Email          EmailInput       `json:"email"`
	Classification Classification   `json:"classification"`
	Temporal       *TemporalContext `json:"temporal,omitempty"`
}
