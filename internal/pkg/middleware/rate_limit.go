package middleware

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/env"
)

// GeneralRateLimiter limits unauthenticated traffic per IP+user-agent
// fingerprint. Accounts with an active plan or a positive credit balance
// bypass it; the stricter payment-attempt limit inside the ledger is never
// bypassed.
func GeneralRateLimiter(accounts repository.AccountRepository, max int, window time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		Storage:    newLimiterStorage(),
		KeyGenerator: func(c *fiber.Ctx) string {
			sum := md5.Sum([]byte(c.IP() + " " + c.Get(fiber.HeaderUserAgent)))
			return "genlimit:" + hex.EncodeToString(sum[:])
		},
		Next: func(c *fiber.Ctx) bool {
			return isEntitledAccount(c, accounts)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "Too many requests, try again later",
			})
		},
	})
}

func newLimiterStorage() fiber.Storage {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     port,
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		Database: 1,
	})
}

func isEntitledAccount(c *fiber.Ctx, accounts repository.AccountRepository) bool {
	apiKey := extractAPIKeyFromHeader(c)
	if apiKey == "" {
		return false
	}
	account, err := accounts.GetByAPIKeyHash(models.HashAPIKey(apiKey))
	if err != nil || account.Status != models.STATUS_ACTIVE {
		return false
	}
	return account.IsPlanActive || account.CreditBalance > 0
}
