package http

import (
	"time"

	"digest_server/config"
	"digest_server/core/domain"
	"digest_server/core/service/digest"
	"digest_server/infra/middleware"
	"digest_server/pkg/apperr"
	"digest_server/pkg/response"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// DigestHandler serves /digest.
type DigestHandler struct {
	service *digest.Service
	cfg     *config.Config
}

// NewDigestHandler creates the handler.
func NewDigestHandler(service *digest.Service, cfg *config.Config) *DigestHandler {
	return &DigestHandler{service: service, cfg: cfg}
}

// DigestRequest is the /digest body.
type DigestRequest struct {
	UserID      string                   `json:"user_id"`
	SessionID   string                   `json:"session_id,omitempty"`
	Messages    []domain.ClassifiedEmail `json:"messages"`
	Timezone    string                   `json:"timezone,omitempty"`
	NowOverride *time.Time               `json:"now_override,omitempty"`
}

// Generate handles POST /digest. Single-flight per (user_id, session_id);
// now_override is honored in test mode only.
func (h *DigestHandler) Generate(c *fiber.Ctx) error {
	var req DigestRequest
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

	if req.NowOverride != nil && !h.cfg.TestMode {
		return apperr.InvalidInput("now_override", "allowed in test mode only")
	}

	for i := range req.Messages {
		if err := req.Messages[i].Classification.Validate(); err != nil {
			return apperr.InvalidInput("messages", err.Error())
		}
		if req.Messages[i].Classification.MessageID != req.Messages[i].Email.ID {
			return apperr.InvalidInput("messages", "classification message_id mismatch")
		}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	result, err := h.service.Run(c.Context(), userID, sessionID, req.Messages, req.Timezone, req.NowOverride)
	if err != nil {
		return err
	}
	return response.OK(c, result)
}

// EmailCount reports the digest payload size for admission.
func (h *DigestHandler) EmailCount(c *fiber.Ctx) int {
	var probe struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(c.Body(), &probe); err != nil {
		return 1
	}
	if len(probe.Messages) == 0 {
		return 1
	}
	return len(probe.Messages)
}
