package llm

import (
	"context"
	"fmt"

	"digest_server/core/domain"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/metrics"

	"github.com/goccy/go-json"
)

const verifySystemPrompt = `You are a strict email classification reviewer. You receive an email and a proposed classification. Challenge it: look for contradictions (a "promotion" carrying an order number, a "receipt" with unsubscribe framing, a security alert typed as "notification").
Return exactly this JSON shape:
{
  "verdict": "confirm|reject",
  "confidence": 0.0,
  "correction": {
    "type": "newsletter|notification|receipt|event|promotion|message|otp",
    "type_conf": 0.0,
    "attention": "action_required|none",
    "attention_conf": 0.0,
    "importance": "critical|time_sensitive|routine",
    "importance_conf": 0.0,
    "reason": "one short sentence"
  }
}
Omit "correction" when the verdict is "confirm". Do not wrap the JSON in markdown.`

type verifyPayload struct {
	Verdict    string           `json:"verdict"`
	Confidence float64          `json:"confidence"`
	Correction *classifyPayload `json:"correction,omitempty"`
}

// VerifyClassification runs the second, stricter pass over a suspicious
// primary classification.
func (c *Client) VerifyClassification(ctx context.Context, userID string, email out.SanitizedEmail, original domain.Classification) (*out.VerifierVerdict, error) {
	userPrompt := fmt.Sprintf(
		"From: %s\nSubject: %s\nSnippet: %s\n\nProposed classification: type=%s type_conf=%.2f attention=%s importance=%s reason=%s",
		email.From, email.Subject, email.Snippet,
		original.Type, original.TypeConf, original.Attention, original.Importance, original.Reason,
	)

	content, err := c.complete(ctx, userID, "verify", verifySystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var p verifyPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		c.counters.Inc(metrics.CounterLLMSchemaRejected)
		return nil, apperr.LLMSchemaInvalid(err)
	}
	if p.Verdict != "confirm" && p.Verdict != "reject" {
		c.counters.Inc(metrics.CounterLLMEnumCollapsed)
		// Unknown verdict collapses to confirm: the original stands.
		p.Verdict = "confirm"
		p.Correction = nil
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, apperr.LLMSchemaInvalid(fmt.Errorf("verdict confidence %v out of range", p.Confidence))
	}

	verdict := &out.VerifierVerdict{Verdict: p.Verdict, Confidence: p.Confidence}

	if p.Verdict == "reject" {
		if p.Correction == nil {
			// Reject with no correction cannot be applied; treat as confirm.
			verdict.Verdict = "confirm"
			return verdict, nil
		}
		corr, perr := c.parseClassification(mustJSON(p.Correction))
		if perr != nil {
			return nil, apperr.LLMSchemaInvalid(perr)
		}
		verdict.Correction = corr
	}
	return verdict, nil
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
