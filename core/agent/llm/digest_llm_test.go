package llm

import (
	"strings"
	"testing"

	"digest_server/core/domain"
	"digest_server/pkg/metrics"
	"digest_server/pkg/resilience"
)

func testClient() *Client {
	return New(DefaultConfig(""), resilience.New(resilience.DefaultConfig("t")), nil, metrics.NewCounters())
}

func TestParseClassificationValid(t *testing.T) {
	c := testClient()
	content := `{
		"type": "receipt",
		"type_conf": 0.92,
		"domains": ["shopping"],
		"domain_conf": {"shopping": 0.9},
		"attention": "none",
		"attention_conf": 0.8,
		"importance": "routine",
		"importance_conf": 0.85,
		"reason": "order confirmation with total"
	}`

	got, err := c.parseClassification(content)
	if err != nil {
		t.Fatalf("parseClassification: %v", err)
	}
	if got.Type != domain.TypeReceipt || got.TypeConf != 0.92 {
		t.Errorf("type = %s/%v", got.Type, got.TypeConf)
	}
	if len(got.Domains) != 1 || got.Domains[0] != domain.DomainShopping {
		t.Errorf("domains = %v", got.Domains)
	}
}

func TestParseClassificationCollapsesUnknownEnums(t *testing.T) {
	c := testClient()
	content := `{
		"type": "pizza",
		"type_conf": 0.99,
		"domains": ["shopping", "crypto"],
		"attention": "maybe",
		"attention_conf": 0.5,
		"importance": "extreme",
		"importance_conf": 0.5,
		"reason": "x"
	}`

	got, err := c.parseClassification(content)
	if err != nil {
		t.Fatalf("parseClassification: %v", err)
	}
	if got.Type != domain.TypeUncategorized || got.TypeConf != 0 {
		t.Errorf("unknown type should collapse to uncategorized/0, got %s/%v", got.Type, got.TypeConf)
	}
	if got.Attention != domain.AttentionNone {
		t.Errorf("unknown attention should collapse to none, got %s", got.Attention)
	}
	if got.Importance != domain.ImportanceRoutine {
		t.Errorf("unknown importance should collapse to routine, got %s", got.Importance)
	}
	if len(got.Domains) != 1 || got.Domains[0] != domain.DomainShopping {
		t.Errorf("unknown domain should be dropped, got %v", got.Domains)
	}
	if c.counters.Get(metrics.CounterLLMEnumCollapsed) == 0 {
		t.Error("collapse counter not incremented")
	}
}

func TestParseClassificationRejectsOutOfRangeConf(t *testing.T) {
	c := testClient()
	for _, content := range []string{
		`{"type":"receipt","type_conf":1.5,"attention":"none","attention_conf":0,"importance":"routine","importance_conf":0}`,
		`{"type":"receipt","type_conf":-0.1,"attention":"none","attention_conf":0,"importance":"routine","importance_conf":0}`,
		`{"type":"receipt","type_conf":0.9,"attention":"none","attention_conf":0,"importance":"routine","importance_conf":0,"domain_conf":{"finance":7}}`,
	} {
		if _, err := c.parseClassification(content); err == nil {
			t.Errorf("out-of-range confidence accepted: %s", content)
		}
	}
}

func TestParseClassificationCapsReason(t *testing.T) {
	c := testClient()
	long := strings.Repeat("r", 500)
	content := `{"type":"receipt","type_conf":0.9,"attention":"none","attention_conf":0,"importance":"routine","importance_conf":0,"reason":"` + long + `"}`
	got, err := c.parseClassification(content)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Reason) > maxReasonLen {
		t.Errorf("reason len = %d, cap %d", len(got.Reason), maxReasonLen)
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"a\":1}\n```"
	if got := stripFences(in); got != `{"a":1}` {
		t.Errorf("stripFences = %q", got)
	}
}

func TestEstimateCostUnknownModelIsExpensive(t *testing.T) {
	known := estimateCost("gpt-4o-mini", 1000, 1000)
	unknown := estimateCost("mystery-model", 1000, 1000)
	if unknown <= known {
		t.Errorf("unknown model cost %v should exceed mini %v", unknown, known)
	}
}
