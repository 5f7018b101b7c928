package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/voxnotehq/voxbill/app/controllers"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/middleware"
)

type ApiRouter struct {
	accounts repository.AccountRepository
}

func NewApiRouter(accounts repository.AccountRepository) *ApiRouter {
	return &ApiRouter{accounts: accounts}
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "VoxBill API",
		})
	})

	v1 := api.Group("/v1")

	// Registration is open, so it sits behind the general per-client limit.
	v1.Post("/accounts", middleware.GeneralRateLimiter(h.accounts, 20, time.Hour), controllers.HandleRegister)
	v1.Get("/plans", controllers.HandleListPlans)

	// Webhooks authenticate via HMAC signatures, not API keys.
	v1.Post("/webhooks/:processor", controllers.HandleWebhook)

	authed := v1.Group("/", middleware.APIKeyAuthMiddleware(h.accounts))
	authed.Get("/balance", controllers.HandleBalance)
	authed.Get("/subscription", controllers.HandlePlanStatus)
	authed.Delete("/subscription", controllers.HandleCancelSubscription)
	authed.Get("/payments", controllers.HandlePaymentHistory)
	authed.Post("/checkout", controllers.HandleCheckout)
	authed.Post("/consume", controllers.HandleConsume)

	internal := v1.Group("/internal", middleware.InternalSecretMiddleware())
	internal.Post("/passes/:name", controllers.HandleTriggerPass)
	internal.Post("/payments/:payment_id/refund", controllers.HandleRefundPayment)
	internal.Post("/plans/reload", controllers.HandleReloadPlans)
}
