// Package http implements the inbound JSON API.
package http

import (
	"digest_server/adapter/in/worker"
	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/infra/middleware"
	"digest_server/pkg/apperr"
	"digest_server/pkg/cache"
	"digest_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
)

// ClassifyHandler serves /classify and /verify.
type ClassifyHandler struct {
	pool     *worker.Pool
	dedupe   *cache.DedupeCache
	cfg      *config.Config
	verifier VerifyFunc
}

// VerifyFunc runs the verifier for the internal /verify endpoint.
type VerifyFunc func(c *fiber.Ctx, userID string, email domain.EmailInput, original domain.Classification) (any, error)

// NewClassifyHandler creates the handler.
func NewClassifyHandler(pool *worker.Pool, dedupe *cache.DedupeCache, cfg *config.Config, verify VerifyFunc) *ClassifyHandler {
	return &ClassifyHandler{pool: pool, dedupe: dedupe, cfg: cfg, verifier: verify}
}

// ClassifyRequest is the /classify body.
type ClassifyRequest struct {
	UserID string              `json:"user_id"`
	Emails []domain.EmailInput `json:"emails"`
}

// ClassifyResponse is the /classify response payload.
type ClassifyResponse struct {
	Results []domain.Classification `json:"results"`
}

// EmailCount reports the batch size for the admission middleware without
// decoding the full body twice on the happy path.
func (h *ClassifyHandler) EmailCount(c *fiber.Ctx) int {
	var probe struct {
		Emails []json.RawMessage `json:"emails"`
	}
	if err := json.Unmarshal(c.Body(), &probe); err != nil {
		return 1
	}
	if len(probe.Emails) == 0 {
		return 1
	}
	return len(probe.Emails)
}

// Classify handles POST /classify. The batch never fails on a per-item model
// error: each item carries its own classification or fallback.
func (h *ClassifyHandler) Classify(c *fiber.Ctx) error {
	var req ClassifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidInput("body", "malformed JSON")
	}

	userID := middleware.UserID(c)
	if userID == "" {
		userID = req.UserID
	}
	if userID == "" {
		return apperr.InvalidInput("user_id", "required")
	}
	if req.UserID != "" && req.UserID != userID {
		return apperr.TenancyViolation("body user_id differs from authenticated principal")
	}

	if len(req.Emails) == 0 {
		return apperr.InvalidInput("emails", "empty batch")
	}
	// The BatchCeiling middleware already rejected oversized batches before
	// admission; this re-check covers direct handler use.
	if len(req.Emails) > h.cfg.MaxEmailsPerBatch {
		return apperr.InvalidInput("emails", "batch exceeds ceiling")
	}
	ids := make([]string, 0, len(req.Emails))
	for i := range req.Emails {
		if req.Emails[i].ID == "" {
			return apperr.InvalidInput("emails[].id", "required")
		}
		ids = append(ids, req.Emails[i].ID)
	}

	// Idempotence: an identical batch inside the dedupe window returns the
	// stored results and triggers no new learning writes.
	key := cache.BatchKey(userID, ids)
	var cached ClassifyResponse
	if h.dedupe.Get(c.Context(), key, &cached) && len(cached.Results) == len(req.Emails) {
		return response.OK(c, cached)
	}

	results := h.pool.ClassifyBatch(c.Context(), userID, req.Emails)
	payload := ClassifyResponse{Results: results}

	if c.Context().Err() == nil {
		h.dedupe.Put(c.Context(), key, payload)
	}
	return response.OK(c, payload)
}

// VerifyRequest is the internal /verify body.
type VerifyRequest struct {
	Email    domain.EmailInput     `json:"email"`
	Original domain.Classification `json:"original"`
}

// Verify handles POST /verify: a one-off second-pass check.
func (h *ClassifyHandler) Verify(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return apperr.InvalidInput("body", "malformed JSON")
	}
	if err := req.Original.Validate(); err != nil {
		return apperr.InvalidInput("original", err.Error())
	}

	userID := middleware.UserID(c)
	result, err := h.verifier(c, userID, req.Email, req.Original)
	if err != nil {
		return err
	}
	return response.OK(c, result)
}
