package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Policy holds the confidence thresholds and budgets loaded from the policy
// YAML. The file is authoritative; unset keys fall back to compiled defaults.
type Policy struct {
	MinTypeConf         float64 `yaml:"min_type_conf"`
	MinLabelConf        float64 `yaml:"min_label_conf"`
	TypeGate            float64 `yaml:"type_gate"`
	DomainGate          float64 `yaml:"domain_gate"`
	AttentionGate       float64 `yaml:"attention_gate"`
	LearningMinConf     float64 `yaml:"learning_min_conf"`
	VerifierTriggerLo   float64 `yaml:"verifier_trigger_lo"`
	VerifierTriggerHi   float64 `yaml:"verifier_trigger_hi"`
	VerifierAcceptDelta float64 `yaml:"verifier_accept_delta"`
	DailyCostCapUSD     float64 `yaml:"daily_cost_cap_usd"`
	EmailsPerMinute     int     `yaml:"emails_per_minute"`
	EmailsPerHour       int     `yaml:"emails_per_hour"`
	RequestsPerMinute   int     `yaml:"requests_per_minute"`
	MaxTrackedIdents    int     `yaml:"max_tracked_ips"`
}

// DefaultPolicy returns the compiled defaults; the verify-first posture keeps
// the primary type gate at 0.70 and routes the medium band through the
// verifier instead.
func DefaultPolicy() Policy {
	return Policy{
		MinTypeConf:         0.70,
		MinLabelConf:        0.60,
		TypeGate:            0.70,
		DomainGate:          0.50,
		AttentionGate:       0.65,
		LearningMinConf:     0.80,
		VerifierTriggerLo:   0.60,
		VerifierTriggerHi:   0.85,
		VerifierAcceptDelta: 0.15,
		DailyCostCapUSD:     25.0,
		EmailsPerMinute:     500,
		EmailsPerHour:       5000,
		RequestsPerMinute:   60,
		MaxTrackedIdents:    10000,
	}
}

// LoadPolicy reads the policy file, overlaying it on the defaults. A missing
// file is fine (defaults apply); a malformed file or out-of-range threshold
// is a startup misconfig.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("policy: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks threshold ranges and window ordering.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"min_type_conf":         p.MinTypeConf,
		"min_label_conf":        p.MinLabelConf,
		"type_gate":             p.TypeGate,
		"domain_gate":           p.DomainGate,
		"attention_gate":        p.AttentionGate,
		"learning_min_conf":     p.LearningMinConf,
		"verifier_trigger_lo":   p.VerifierTriggerLo,
		"verifier_trigger_hi":   p.VerifierTriggerHi,
		"verifier_accept_delta": p.VerifierAcceptDelta,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("policy: %s %v out of [0,1]", name, v)
		}
	}
	if p.VerifierTriggerLo > p.VerifierTriggerHi {
		return fmt.Errorf("policy: verifier_trigger_lo %v > verifier_trigger_hi %v",
			p.VerifierTriggerLo, p.VerifierTriggerHi)
	}
	if p.DailyCostCapUSD < 0 {
		return fmt.Errorf("policy: daily_cost_cap_usd must be non-negative")
	}
	return nil
}

// Features is the runtime feature-gate set. Overrides apply to the current
// process only and are read on each request; they fall back to env, then to
// the compiled default.
type Features struct {
	mu        sync.RWMutex
	overrides map[string]bool
	defaults  map[string]bool
}

// Known feature names.
const (
	FeatureVerifier       = "verifier"
	FeatureLearning       = "learning"
	FeatureLLMEntities    = "llm_entities"
	FeatureGreetingExtras = "greeting_extras"
)

// NewFeatures creates the gate set with compiled defaults.
func NewFeatures() *Features {
	return &Features{
		overrides: make(map[string]bool),
		defaults: map[string]bool{
			FeatureVerifier:       true,
			FeatureLearning:       true,
			FeatureLLMEntities:    true,
			FeatureGreetingExtras: false,
		},
	}
}

// Known reports whether name is a recognized feature.
func (f *Features) Known(name string) bool {
	_, ok := f.defaults[name]
	return ok
}

// Enabled resolves a gate: runtime override, then env FEATURE_<NAME>, then
// the compiled default.
func (f *Features) Enabled(name string) bool {
	f.mu.RLock()
	v, ok := f.overrides[name]
	f.mu.RUnlock()
	if ok {
		return v
	}
	if env := os.Getenv("FEATURE_" + toEnvKey(name)); env != "" {
		return env == "1" || env == "true"
	}
	return f.defaults[name]
}

// Set applies an ephemeral per-process override.
func (f *Features) Set(name string, enabled bool) {
	f.mu.Lock()
	f.overrides[name] = enabled
	f.mu.Unlock()
}

// Snapshot returns the resolved state of every known feature.
func (f *Features) Snapshot() map[string]bool {
	out := make(map[string]bool, len(f.defaults))
	for name := range f.defaults {
		out[name] = f.Enabled(name)
	}
	return out
}

func toEnvKey(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
