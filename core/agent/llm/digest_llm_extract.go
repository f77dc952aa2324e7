package llm

import (
	"context"
	"fmt"

	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/metrics"

	"github.com/goccy/go-json"
)

const extractSystemPrompt = `You extract structured facts from an email. Return exactly this JSON shape:
{
  "entities": [
    {
      "kind": "flight|event|deadline|reminder|delivery|promo|notification",
      "title": "short label, max 80 chars",
      "when": "RFC3339 UTC timestamp or empty string",
      "amount": "monetary amount as written, or empty",
      "reference": "tracking/confirmation/reservation id, or empty",
      "location": "place, or empty"
    }
  ]
}
Return {"entities": []} when nothing structured is present. Never guess a timestamp; leave "when" empty unless the email states one. Do not wrap the JSON in markdown.`

type extractPayload struct {
	Entities []struct {
		Kind      string `json:"kind"`
		Title     string `json:"title"`
		When      string `json:"when"`
		Amount    string `json:"amount"`
		Reference string `json:"reference"`
		Location  string `json:"location"`
	} `json:"entities"`
}

const (
	maxEntityTitleLen = 80
	maxEntityFieldLen = 64
	maxEntitiesPerMsg = 8
)

var knownEntityKinds = map[string]bool{
	"flight": true, "event": true, "deadline": true, "reminder": true,
	"delivery": true, "promo": true, "notification": true,
}

// ExtractEntities asks the model to structure a message the regex families
// could not. Only called for messages already placed in an urgent section.
func (c *Client) ExtractEntities(ctx context.Context, userID string, email out.SanitizedEmail) ([]out.ExtractedEntity, error) {
	userPrompt := fmt.Sprintf("From: %s\nSubject: %s\nSnippet: %s", email.From, email.Subject, email.Snippet)

	content, err := c.complete(ctx, userID, "extract", extractSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	var p extractPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil {
		c.counters.Inc(metrics.CounterLLMSchemaRejected)
		return nil, apperr.LLMSchemaInvalid(err)
	}

	results := make([]out.ExtractedEntity, 0, len(p.Entities))
	for _, e := range p.Entities {
		if len(results) >= maxEntitiesPerMsg {
			break
		}
		if !knownEntityKinds[e.Kind] {
			c.counters.Inc(metrics.CounterLLMEnumCollapsed)
			continue
		}
		results = append(results, out.ExtractedEntity{
			Kind:      e.Kind,
			Title:     capString(e.Title, maxEntityTitleLen),
			When:      capString(e.When, maxEntityFieldLen),
			Amount:    capString(e.Amount, maxEntityFieldLen),
			Reference: capString(e.Reference, maxEntityFieldLen),
			Location:  capString(e.Location, maxEntityFieldLen),
		})
	}
	return results, nil
}
