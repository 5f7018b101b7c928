package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/middleware"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// HandleRegister creates a billing account and returns its API key once.
func HandleRegister(c *fiber.Ctx) error {
	var req registerRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Request body could not be parsed"})
	}

	account, apiKey, err := deps.Ledger.RegisterAccount(strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "registration_failed", "message": err.Error()})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"account_id": account.ID,
		"api_key":    apiKey,
	})
}

// HandleBalance returns the authenticated account's credit balance.
func HandleBalance(c *fiber.Ctx) error {
	balance, err := deps.Ledger.GetBalance(middleware.AccountID(c))
	if err != nil {
		return mapLedgerError(c, err)
	}
	return c.JSON(fiber.Map{"credit_balance": balance})
}

// HandlePlanStatus returns the authenticated account's subscription state.
func HandlePlanStatus(c *fiber.Ctx) error {
	status, err := deps.Ledger.GetPlanStatus(middleware.AccountID(c))
	if err != nil {
		return mapLedgerError(c, err)
	}
	return c.JSON(fiber.Map{
		"active":            status.Active,
		"plan_code":         status.PlanCode,
		"next_billing_date": formatTimePtr(status.NextBillingDate),
	})
}

// HandlePaymentHistory lists the account's payments, most recent first.
func HandlePaymentHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	payments, err := deps.Ledger.ListPaymentHistory(middleware.AccountID(c), limit)
	if err != nil {
		return mapLedgerError(c, err)
	}

	out := make([]fiber.Map, 0, len(payments))
	for i := range payments {
		p := payments[i]
		out = append(out, fiber.Map{
			"payment_id":  p.PublicID,
			"processor":   p.Processor,
			"amount":      p.AmountCents,
			"status":      p.Status,
			"created_at":  p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			"resolved_at": formatTimePtr(p.ResolvedAt),
		})
	}
	return c.JSON(fiber.Map{"payments": out})
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

// HandleConsume debits credits for one unit of transcription work.
func HandleConsume(c *fiber.Ctx) error {
	req := consumeRequest{Amount: 1}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Request body could not be parsed"})
		}
	}

	if err := deps.Ledger.ConsumeCredits(middleware.AccountID(c), req.Amount); err != nil {
		return mapLedgerError(c, err)
	}
	return c.JSON(fiber.Map{"status": true})
}

// HandleCancelSubscription turns off recurring billing for the account.
func HandleCancelSubscription(c *fiber.Ctx) error {
	if err := deps.Ledger.CancelSubscription(middleware.AccountID(c)); err != nil {
		return mapLedgerError(c, err)
	}
	return c.JSON(fiber.Map{"status": true})
}

func mapLedgerError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		// Actionable for the client: buy credits or upgrade the plan.
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "insufficient_credits",
			"message": "Not enough credits, add credits or upgrade your plan",
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_amount", "message": "Amount must be positive"})
	case errors.Is(err, ledger.ErrAccountNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "account_not_found", "message": "Account not found"})
	case errors.Is(err, ledger.ErrPlanNotFound):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "plan_not_found", "message": "No such plan"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Unexpected error"})
	}
}
