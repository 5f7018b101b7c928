package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
)

// HandleTriggerPass runs one scheduler pass on demand. Used by operators and
// by external cron when the in-process tickers are disabled.
func HandleTriggerPass(c *fiber.Ctx) error {
	name := c.Params("name")
	stats, err := deps.Scheduler.TriggerPass(c.Context(), name)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_pass", "message": err.Error()})
	}

	log.Infof("[Internal] Pass %s triggered via API: processed=%d skipped=%d failed=%d", name, stats.Processed, stats.Skipped, stats.Failed)
	return c.JSON(fiber.Map{
		"pass":      name,
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
		"failed":    stats.Failed,
	})
}

// HandleRefundPayment claws back a settled payment after a processor-side
// refund or chargeback.
func HandleRefundPayment(c *fiber.Ctx) error {
	payment, err := deps.Payments.GetByPublicID(c.Params("payment_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "payment_not_found", "message": "Payment not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Payment lookup failed"})
	}

	if err := deps.Reconciler.HandleRefund(payment.ID); err != nil {
		if errors.Is(err, reconciler.ErrNotRefundable) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_refundable", "message": "Payment is not in a refundable state"})
		}
		log.Errorf("[Internal] Refund of payment %s failed: %v", payment.PublicID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Refund could not be processed"})
	}

	return c.JSON(fiber.Map{"status": true})
}

// HandleReloadPlans refreshes the in-memory plan catalog after plan rows
// change out of band.
func HandleReloadPlans(c *fiber.Ctx) error {
	if err := deps.Catalog.Invalidate(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Catalog reload failed"})
	}
	return c.JSON(fiber.Map{"status": true})
}
