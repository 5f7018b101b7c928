package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
)

// HandleWebhook receives a processor notification, verifies its signature
// and hands it to the reconciler. Duplicate and unknown-reference deliveries
// are acknowledged with 200 so processors stop retrying them.
func HandleWebhook(c *fiber.Ctx) error {
	name := c.Params("processor")
	adapter, err := deps.Adapters.Get(name)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "unknown_processor", "message": "No such payment processor"})
	}

	body := c.Body()
	notification, err := adapter.ParseNotification(body, c.Get("X-Webhook-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrInvalidSignature):
			log.Warnf("[Webhook] Rejected %s delivery with bad signature", name)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature", "message": "Signature verification failed"})
		case errors.Is(err, processor.ErrMalformedPayload):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_payload", "message": "Payload could not be parsed"})
		default:
			log.Errorf("[Webhook] Failed to parse %s delivery: %v", name, err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "malformed_payload", "message": "Payload could not be parsed"})
		}
	}

	if err := deps.Reconciler.HandleNotification(c.Context(), notification, body); err != nil {
		if errors.Is(err, reconciler.ErrUnknownReference) {
			// Acknowledge so the processor stops retrying; the reference may
			// belong to another environment or a deleted record.
			return c.JSON(fiber.Map{"status": true, "ignored": true})
		}
		log.Errorf("[Webhook] Settling %s reference %s failed: %v", name, notification.Reference, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Notification could not be processed"})
	}

	return c.JSON(fiber.Map{"status": true})
}
