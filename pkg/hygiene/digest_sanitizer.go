// Package hygiene scrubs message text before it reaches a language model and
// hashes PII fields before they reach a log line.
package hygiene

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// RedactionMarker replaces a matched injection pattern.
const RedactionMarker = "[redacted]"

// injectionPatterns cover the usual prompt-injection phrasings plus role
// impersonation. Compiled once; matching is case-insensitive.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions?`),
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?prior\s+instructions?`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior)\s+\w+`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior)\s+instructions?`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\s`),
	regexp.MustCompile(`(?i)(^|\n)\s*(system|assistant|user)\s*:`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>`),
	regexp.MustCompile("(?is)```\\s*(system|assistant|role)\\b.*?```"),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
}

// controlChars strips C0/C1 controls except \t, \n and \r.
var controlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f-\u009f]")

// markupDelims are removed entirely; they have no legitimate use inside a
// subject or snippet sent to the model.
var markupDelims = strings.NewReplacer(
	"<", " ", ">", " ", "{", " ", "}", " ", "|", " ", "`", " ",
)

// Sanitizer prepares text fields for model prompts.
type Sanitizer struct {
	maxLen int
}

// New creates a sanitizer with a component-specified length cap.
func New(maxLen int) *Sanitizer {
	if maxLen <= 0 {
		maxLen = 2000
	}
	return &Sanitizer{maxLen: maxLen}
}

// Clean truncates, redacts injection patterns, and strips control characters
// and markup delimiters. Safe to call on empty input.
func (s *Sanitizer) Clean(text string) string {
	if text == "" {
		return ""
	}
	if len(text) > s.maxLen {
		text = truncateUTF8(text, s.maxLen)
	}
	for _, p := range injectionPatterns {
		text = p.ReplaceAllString(text, RedactionMarker)
	}
	text = controlChars.ReplaceAllString(text, "")
	text = markupDelims.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}

// CleanTo applies Clean with a one-off cap below the sanitizer's own.
func (s *Sanitizer) CleanTo(text string, maxLen int) string {
	if maxLen > 0 && maxLen < s.maxLen {
		return New(maxLen).Clean(text)
	}
	return s.Clean(text)
}

// truncateUTF8 cuts at a rune boundary at or below max bytes.
func truncateUTF8(text string, max int) string {
	if len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8Start(text[cut]) {
		cut--
	}
	return text[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

// HashPII returns a stable 12-hex prefix of SHA-256 for a field that must not
// appear raw in structured logs.
func HashPII(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])[:12]
}

// HashContent hashes arbitrary content without normalization; used for audit
// digests where byte identity matters.
func HashContent(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
