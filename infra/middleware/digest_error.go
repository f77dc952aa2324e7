package middleware

import (
	"errors"

	"digest_server/pkg/apperr"
	"digest_server/pkg/hygiene"
	"digest_server/pkg/logger"
	"digest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// ErrorHandler maps errors escaping a handler onto the response envelope.
// Tagged AppErrors keep their code and safe details; anything else collapses
// to INTERNAL with the raw message hashed into the log line, never the body.
func ErrorHandler() fiber.ErrorHandler {
	log := logger.Default().WithField("component", "http")

	return func(c *fiber.Ctx, err error) error {
		var appErr *apperr.AppError
		if errors.As(err, &appErr) {
			if appErr.Code == apperr.CodeTenancyViolated {
				// Security event: logged loudly, details withheld from the caller.
				log.WithFields(map[string]any{
					"path":    c.Path(),
					"user_id": UserID(c),
					"event":   "tenancy_violation",
				}).Error("cross-tenant access rejected")
				return response.Error(c, appErr.Status, appErr.Code, "forbidden")
			}
			if appErr.Status >= 500 {
				log.WithFields(map[string]any{
					"path":        c.Path(),
					"code":        appErr.Code,
					"detail_hash": hygiene.HashPII(appErr.Error()),
				}).Error("request failed")
			}
			return response.ErrorWithDetails(c, appErr.Status, appErr.Code, appErr.Message, appErr.Details)
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return response.Error(c, fiberErr.Code, "HTTP_ERROR", fiberErr.Message)
		}

		log.WithFields(map[string]any{
			"path":        c.Path(),
			"detail_hash": hygiene.HashPII(err.Error()),
		}).Error("unhandled error")
		return response.InternalError(c, "internal server error")
	}
}

// RequestID attaches a request id for log correlation.
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := c.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Locals("request_id", id)
		c.Set("X-Request-ID", id)
		return c.Next()
	}
}

// SecurityHeaders sets the standard hardening headers on every response.
func SecurityHeaders() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		c.Set("Referrer-Policy", "no-referrer")
		return c.Next()
	}
}
