package controllers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/middleware"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/ratelimit"
)

type checkoutRequest struct {
	PlanCode    string `json:"plan_code"`
	Processor   string `json:"processor"`
	MethodToken string `json:"method_token"`
}

// HandleCheckout starts a payment for a plan through the chosen processor.
// The payment row exists in pending state before any processor call is made,
// so a crashed request can always be reconciled later.
func HandleCheckout(c *fiber.Ctx) error {
	var req checkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Request body could not be parsed"})
	}
	if !models.IsValidProcessor(req.Processor) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_processor", "message": "Unsupported payment processor"})
	}

	payment, err := deps.Ledger.InitiateCharge(c.Context(), middleware.AccountID(c), req.PlanCode, req.Processor, req.MethodToken)
	if err != nil {
		return mapCheckoutError(c, payment, err)
	}

	return c.Status(fiber.StatusCreated).JSON(paymentResponse(payment))
}

// HandleListPlans returns the purchasable plan catalog.
func HandleListPlans(c *fiber.Ctx) error {
	plans := deps.Catalog.ListActive()
	out := make([]fiber.Map, 0, len(plans))
	for _, p := range plans {
		out = append(out, fiber.Map{
			"code":            p.Code,
			"price_cents":     p.PriceCents,
			"currency":        p.Currency,
			"credits_granted": p.CreditsGranted,
			"validity_days":   p.ValidityDays,
			"recurring":       p.IsRecurring,
		})
	}
	return c.JSON(fiber.Map{"plans": out})
}

func mapCheckoutError(c *fiber.Ctx, payment *models.Payment, err error) error {
	var rl *ratelimit.RateLimitedError
	switch {
	case errors.As(err, &rl):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(rl.RetryAfter.Seconds())))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       "too_many_attempts",
			"message":     "Too many payment attempts, try again later",
			"retry_after": int(rl.RetryAfter.Seconds()),
		})
	case errors.Is(err, ledger.ErrChargeTimedOut):
		// The processor did not answer in time. The charge may still land;
		// the reconcile pass will pick it up either way.
		resp := fiber.Map{"status": models.PaymentStatusPending, "message": "Payment is still being processed"}
		if payment != nil {
			resp["payment_id"] = payment.PublicID
		}
		return c.Status(fiber.StatusAccepted).JSON(resp)
	case errors.Is(err, ledger.ErrNoPaymentMethod):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no_payment_method", "message": "A payment method token is required"})
	case errors.Is(err, processor.ErrProcessor):
		log.Errorf("checkout failed upstream: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "processor_error", "message": "Payment processor rejected the request"})
	default:
		return mapLedgerError(c, err)
	}
}

func paymentResponse(p *models.Payment) fiber.Map {
	return fiber.Map{
		"payment_id": p.PublicID,
		"processor":  p.Processor,
		"amount":     p.AmountCents,
		"status":     p.Status,
	}
}
