package middleware

import (
	"errors"
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
)

// Locals keys set by the API key middleware.
const (
	KeyAccountID = "ACCOUNT_ID"
	KeyAccount   = "ACCOUNT"
)

// APIKeyAuthMiddleware authenticates requests carrying an account API key.
func APIKeyAuthMiddleware(accounts repository.AccountRepository) fiber.Handler {
	return func(c *fiber.Ctx) error {
		apiKey := extractAPIKeyFromHeader(c)
		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}

		hash := models.HashAPIKey(apiKey)
		account, err := accounts.GetByAPIKeyHash(hash)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
			}
			log.Printf("api key lookup failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "API key verification failed"})
		}

		if account.Status != models.STATUS_ACTIVE {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Account inactive"})
		}

		c.Locals(KeyAccountID, account.ID)
		c.Locals(KeyAccount, account)

		return c.Next()
	}
}

// AccountID returns the authenticated account ID from the request context.
func AccountID(c *fiber.Ctx) uint {
	if id, ok := c.Locals(KeyAccountID).(uint); ok {
		return id
	}
	return 0
}

// Account returns the authenticated account from the request context.
func Account(c *fiber.Ctx) *models.Account {
	if a, ok := c.Locals(KeyAccount).(*models.Account); ok {
		return a
	}
	return nil
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
