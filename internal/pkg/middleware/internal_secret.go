package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/voxnotehq/voxbill/internal/pkg/env"
)

// InternalSecretMiddleware guards operator-only endpoints (the scheduler
// cron trigger) behind a shared secret header.
func InternalSecretMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := strings.TrimSpace(env.GetEnv("INTERNAL_API_SECRET", ""))
		if secret == "" {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unavailable", "message": "Internal API is not configured"})
		}

		got := strings.TrimSpace(c.Get("X-Internal-Secret"))
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid internal secret"})
		}

		return c.Next()
	}
}
