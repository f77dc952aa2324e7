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

const classifySystemPrompt = `You are an email classification engine. Classify the email into exactly this JSON shape, nothing else:
{
  "type": "newsletter|notification|receipt|event|promotion|message|otp",
  "type_conf": 0.0,
  "domains": ["finance|shopping|professional|personal"],
  "domain_conf": {"finance": 0.0},
  "attention": "action_required|none",
  "attention_conf": 0.0,
  "importance": "critical|time_sensitive|routine",
  "importance_conf": 0.0,
  "reason": "one short sentence, max 120 chars"
}
Rules:
- Confidences are floats in [0,1].
- "otp" is one-time codes and verification codes only.
- "importance" is intrinsic urgency: security and fraud alerts are critical; events, deadlines and deliveries are time_sensitive; the rest routine.
- Do not invent fields. Do not wrap the JSON in markdown.`

// classifyPayload mirrors the schema the model must return. Field length caps
// are enforced after parsing.
type classifyPayload struct {
	Type           string             `json:"type"`
	TypeConf       float64            `json:"type_conf"`
	Domains        []string           `json:"domains"`
	DomainConf     map[string]float64 `json:"domain_conf"`
	Attention      string             `json:"attention"`
	AttentionConf  float64            `json:"attention_conf"`
	Importance     string             `json:"importance"`
	ImportanceConf float64            `json:"importance_conf"`
	Reason         string             `json:"reason"`
}

const maxReasonLen = 160

// ClassifyEmail runs the primary classification call. The output is schema
// validated; enum values outside the known set collapse to a safe fallback
// and increment a counter rather than failing the message.
func (c *Client) ClassifyEmail(ctx context.Context, userID string, email out.SanitizedEmail) (*out.LLMClassification, error) {
	userPrompt := fmt.Sprintf("From: %s\nSubject: %s\nSnippet: %s", email.From, email.Subject, email.Snippet)

	content, err := c.complete(ctx, userID, "classify", classifySystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	result, perr := c.parseClassification(content)
	if perr != nil {
		// One repair attempt with a stricter instruction, then fail.
		c.counters.Inc(metrics.CounterLLMSchemaRejected)
		repairPrompt := userPrompt + "\n\nYour previous output was not valid JSON for the schema. Return only the JSON object."
		content, err = c.complete(ctx, userID, "classify-repair", classifySystemPrompt, repairPrompt)
		if err != nil {
			return nil, err
		}
		result, perr = c.parseClassification(content)
		if perr != nil {
			c.counters.Inc(metrics.CounterLLMSchemaRejected)
			return nil, apperr.LLMSchemaInvalid(perr)
		}
	}
	return result, nil
}

func (c *Client) parseClassification(content string) (*out.LLMClassification, error) {
	var p classifyPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		return nil, fmt.Errorf("classification payload: %w", err)
	}
	if err := checkConfRange(p.TypeConf, p.AttentionConf, p.ImportanceConf); err != nil {
		return nil, err
	}

	result := &out.LLMClassification{
		TypeConf:       p.TypeConf,
		AttentionConf:  p.AttentionConf,
		ImportanceConf: p.ImportanceConf,
		Reason:         capString(p.Reason, maxReasonLen),
		ModelVersion:   c.cfg.Model,
		PromptVersion:  c.cfg.PromptVersion,
	}

	// Enum whitelist: out-of-set values collapse rather than error.
	result.Type = domain.EmailType(p.Type)
	if !result.Type.Valid() || result.Type == domain.TypeUncategorized {
		c.counters.Inc(metrics.CounterLLMEnumCollapsed)
		result.Type = domain.TypeUncategorized
		result.TypeConf = 0
	}

	result.Attention = domain.Attention(p.Attention)
	if !result.Attention.Valid() {
		c.counters.Inc(metrics.CounterLLMEnumCollapsed)
		result.Attention = domain.AttentionNone
		result.AttentionConf = 0
	}

	result.Importance = domain.Importance(p.Importance)
	if !result.Importance.Valid() {
		c.counters.Inc(metrics.CounterLLMEnumCollapsed)
		result.Importance = domain.ImportanceRoutine
		result.ImportanceConf = 0
	}

	result.DomainConf = make(map[domain.Domain]float64)
	for _, d := range p.Domains {
		dd := domain.Domain(d)
		if !dd.Valid() {
			c.counters.Inc(metrics.CounterLLMEnumCollapsed)
			continue
		}
		result.Domains = append(result.Domains, dd)
	}
	for d, conf := range p.DomainConf {
		dd := domain.Domain(d)
		if !dd.Valid() {
			c.counters.Inc(metrics.CounterLLMEnumCollapsed)
			continue
		}
		if conf < 0 || conf > 1 {
			return nil, fmt.Errorf("domain_conf %v out of range", conf)
		}
		result.DomainConf[dd] = conf
	}

	return result, nil
}

func checkConfRange(confs ...float64) error {
	for _, v := range confs {
		if v < 0 || v > 1 {
			return fmt.Errorf("confidence %v out of [0,1]", v)
		}
	}
	return nil
}

func capString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
