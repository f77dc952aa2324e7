// Package middleware provides the fiber middleware chain: auth, admission
// rate limiting, error mapping, and request hygiene.
package middleware

import (
	"crypto/subtle"
	"strings"

	"digest_server/config"
	"digest_server/pkg/response"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// CallerAuth validates the caller-identity token (HS256 shared secret) and
// stores user_id in locals. Fails closed: with no secret configured, requests
// are rejected in production; development falls back to the X-User-ID header
// so local runs do not need token plumbing.
func CallerAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := bearerToken(c)

		if cfg.CallerTokenSecret == "" {
			if cfg.IsProduction() {
				return response.Unauthorized(c, "caller authentication is not configured")
			}
			if uid := c.Get("X-User-ID"); uid != "" {
				c.Locals("user_id", uid)
				return c.Next()
			}
			return response.Unauthorized(c, "missing X-User-ID")
		}

		if token == "" {
			return response.Unauthorized(c, "missing bearer token")
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.CallerTokenSecret), nil
		})
		if err != nil || !parsed.Valid {
			return response.Unauthorized(c, "invalid token")
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			return response.Unauthorized(c, "token missing subject")
		}
		c.Locals("user_id", sub)
		return c.Next()
	}
}

// AdminAuth guards administrative endpoints with the admin bearer. Constant
// time comparison; an unset admin token rejects everything.
func AdminAuth(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if cfg.AdminBearerToken == "" {
			return response.Error(c, fiber.StatusForbidden, "FORBIDDEN", "admin access is not configured")
		}
		token := bearerToken(c)
		if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.AdminBearerToken)) != 1 {
			return response.Unauthorized(c, "invalid admin token")
		}
		return c.Next()
	}
}

// UserID reads the authenticated principal from locals.
func UserID(c *fiber.Ctx) string {
	if uid, ok := c.Locals("user_id").(string); ok {
		return uid
	}
	return ""
}

func bearerToken(c *fiber.Ctx) string {
	h := c.Get(fiber.HeaderAuthorization)
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	return ""
}
