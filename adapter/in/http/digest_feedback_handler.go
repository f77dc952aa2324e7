package http

import (
	"digest_server/core/domain"
	"digest_server/core/service/feedback"
	"digest_server/infra/middleware"
	"digest_server/pkg/apperr"
	"digest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
)

// FeedbackHandler serves /feedback.
type FeedbackHandler struct {
	service *feedback.Service
}

// NewFeedbackHandler creates the handler.
func NewFeedbackHandler(service *feedback.Service) *FeedbackHandler {
	return &FeedbackHandler{service: service}
}

// FeedbackRequest is the /feedback body.
type FeedbackRequest struct {
	UserID    string                 `json:"user_id"`
	MessageID string                 `json:"message_id"`
	From      string                 `json:"from"`
	Subject   string                 `json:"subject"`
	Original  *domain.Classification `json:"original,omitempty"`
	Corrected domain.Classification  `json:"corrected"`
}

// FeedbackResponse reports the transactional outcome.
type FeedbackResponse struct {
	CorrectionID   int64  `json:"correction_id"`
	PromotedRuleID string `json:"promoted_rule_id,omitempty"`
}

// Submit handles POST /feedback: one transaction covering the correction row,
// pattern support, and any promotion.
func (h *FeedbackHandler) Submit(c *fiber.Ctx) error {
	var req FeedbackRequest
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
	if req.MessageID == "" {
		return apperr.InvalidInput("message_id", "required")
	}
	if req.From == "" {
		return apperr.InvalidInput("from", "required")
	}
	if err := req.Corrected.Validate(); err != nil {
		return apperr.InvalidInput("corrected", err.Error())
	}

	original := req.Corrected
	if req.Original != nil {
		if err := req.Original.Validate(); err != nil {
			return apperr.InvalidInput("original", err.Error())
		}
		original = *req.Original
	}

	result, err := h.service.RecordAndLearn(c.Context(), userID,
		req.MessageID, req.From, req.Subject, original, req.Corrected)
	if err != nil {
		return err
	}
	return response.OK(c, FeedbackResponse{
		CorrectionID:   result.CorrectionID,
		PromotedRuleID: result.PromotedRuleID,
	})
}
