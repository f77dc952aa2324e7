package http

import (
	"context"
	"time"

	"digest_server/config"
	"digest_server/core/port/out"
	"digest_server/pkg/apperr"
	"digest_server/pkg/metrics"
	"digest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// Version is stamped at build time.
var Version = "dev"

// AdminHandler serves health, config, feature flags, and the rule listing.
type AdminHandler struct {
	cfg      *config.Config
	policy   func() config.Policy
	features *config.Features
	llm      out.LLMClient
	storage  out.StoreHealth
	rules    out.RuleRepository
	counters *metrics.Counters
}

// AdminDeps wires the handler.
type AdminDeps struct {
	Config   *config.Config
	Policy   func() config.Policy
	Features *config.Features
	LLM      out.LLMClient
	Storage  out.StoreHealth
	Rules    out.RuleRepository
	Counters *metrics.Counters
}

// NewAdminHandler creates the handler.
func NewAdminHandler(d AdminDeps) *AdminHandler {
	return &AdminHandler{
		cfg:      d.Config,
		policy:   d.Policy,
		features: d.Features,
		llm:      d.LLM,
		storage:  d.Storage,
		rules:    d.Rules,
		counters: d.Counters,
	}
}

// Health handles GET /health. No auth.
func (h *AdminHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	deps := fiber.Map{}
	ok := true

	if h.llm != nil && h.llm.Healthy() {
		deps["llm"] = "healthy"
	} else {
		deps["llm"] = "unavailable"
	}

	if h.storage != nil {
		if err := h.storage.Ping(ctx); err != nil {
			deps["storage"] = "unhealthy"
			ok = false
		} else {
			deps["storage"] = "healthy"
		}
	} else {
		deps["storage"] = "not configured"
	}

	status := fiber.StatusOK
	if !ok {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"ok":      ok,
		"version": Version,
		"deps":    deps,
	})
}

// Confidence handles GET /config/confidence: the current thresholds,
// read-only.
func (h *AdminHandler) Confidence(c *fiber.Ctx) error {
	p := h.policy()
	return response.OK(c, fiber.Map{
		"min_type_conf":         p.MinTypeConf,
		"min_label_conf":        p.MinLabelConf,
		"type_gate":             p.TypeGate,
		"domain_gate":           p.DomainGate,
		"attention_gate":        p.AttentionGate,
		"learning_min_conf":     p.LearningMinConf,
		"verifier_trigger_lo":   p.VerifierTriggerLo,
		"verifier_trigger_hi":   p.VerifierTriggerHi,
		"verifier_accept_delta": p.VerifierAcceptDelta,
	})
}

// Features handles GET /features: the resolved gate state.
func (h *AdminHandler) Features(c *fiber.Ctx) error {
	return response.OK(c, h.features.Snapshot())
}

// ToggleFeature handles POST /features/:name/:action. The override is
// ephemeral: it lives in this process only.
func (h *AdminHandler) ToggleFeature(c *fiber.Ctx) error {
	name := c.Params("name")
	action := c.Params("action")

	if !h.features.Known(name) {
		return apperr.NotFound("feature")
	}
	switch action {
	case "enable":
		h.features.Set(name, true)
	case "disable":
		h.features.Set(name, false)
	default:
		return apperr.InvalidInput("action", "must be enable or disable")
	}
	return response.OK(c, fiber.Map{"feature": name, "enabled": h.features.Enabled(name)})
}

// ListRules handles GET /admin/rules/:user_id for support tooling.
func (h *AdminHandler) ListRules(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if userID == "" {
		return apperr.InvalidInput("user_id", "required")
	}
	rules, err := h.rules.ListByUser(c.Context(), userID)
	if err != nil {
		return err
	}
	return response.OKWithMeta(c, rules, &response.Meta{Total: len(rules)})
}

// Metrics handles GET /admin/metrics: process counters.
func (h *AdminHandler) Metrics(c *fiber.Ctx) error {
	return response.OK(c, h.counters.Snapshot())
}
