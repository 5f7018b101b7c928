package controllers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/middleware"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/ratelimit"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
	"github.com/voxnotehq/voxbill/internal/pkg/scheduler"
)

type testEnv struct {
	app      *fiber.App
	accounts *repository.MemoryAccountRepository
	payments *repository.MemoryPaymentRepository
	plans    *repository.MemoryPlanRepository
	adapter  *processor.FakeAdapter
	ledger   *ledger.Service
}

// newTestEnv wires the handlers over in-memory repositories and a scriptable
// processor adapter, with the routes the production router registers minus
// the Redis-backed general limiter.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	e := &testEnv{
		accounts: repository.NewMemoryAccountRepository(),
		payments: repository.NewMemoryPaymentRepository(),
		plans:    repository.NewMemoryPlanRepository(),
	}
	events := repository.NewMemoryWebhookEventRepository()

	e.adapter = processor.NewFakeAdapter(models.ProcessorCardnet)
	registry := processor.NewRegistry()
	registry.Register(e.adapter)

	catalog := plancatalog.New(e.plans)
	require.NoError(t, catalog.Load())

	e.ledger = ledger.NewService(e.accounts, e.payments, catalog, registry, ratelimit.New(ratelimit.NewMemoryStore()), ledger.DefaultConfig())
	rec := reconciler.NewService(e.payments, events, e.ledger, catalog, reconciler.Config{})
	e.ledger.SetSettler(rec)

	passes := scheduler.NewPasses(e.ledger, rec, e.accounts, e.payments, events, registry, scheduler.DefaultConfig())
	manager := scheduler.NewManager(passes, scheduler.DefaultConfig())

	Setup(Deps{
		Ledger:     e.ledger,
		Reconciler: rec,
		Adapters:   registry,
		Scheduler:  manager,
		Catalog:    catalog,
		Accounts:   e.accounts,
		Payments:   e.payments,
	})

	e.app = fiber.New()
	v1 := e.app.Group("/api/v1")
	v1.Post("/accounts", HandleRegister)
	v1.Get("/plans", HandleListPlans)
	v1.Post("/webhooks/:processor", HandleWebhook)
	authed := v1.Group("/", middleware.APIKeyAuthMiddleware(e.accounts))
	authed.Get("/balance", HandleBalance)
	authed.Get("/subscription", HandlePlanStatus)
	authed.Delete("/subscription", HandleCancelSubscription)
	authed.Get("/payments", HandlePaymentHistory)
	authed.Post("/checkout", HandleCheckout)
	authed.Post("/consume", HandleConsume)

	return e
}

func (e *testEnv) addPlan(t *testing.T, plan models.Plan) *models.Plan {
	t.Helper()
	require.NoError(t, e.plans.Create(&plan))
	require.NoError(t, e.plans.CreateProcessorRef(&models.PlanProcessorRef{
		PlanID:          plan.ID,
		Processor:       models.ProcessorCardnet,
		ProcessorPlanID: "cn_" + plan.Code,
	}))
	require.NoError(t, deps.Catalog.Invalidate())
	return &plan
}

func (e *testEnv) register(t *testing.T, email string) (uint, string) {
	t.Helper()
	resp := e.doJSON(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"email":    email,
		"password": "secret123",
	}, "")
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var body struct {
		AccountID uint   `json:"account_id"`
		APIKey    string `json:"api_key"`
	}
	decodeJSON(t, resp, &body)
	require.NotZero(t, body.AccountID)
	require.NotEmpty(t, body.APIKey)
	return body.AccountID, body.APIKey
}

func (e *testEnv) doJSON(t *testing.T, method, path string, payload interface{}, apiKey string) *http.Response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestRegisterAndAuthenticate(t *testing.T) {
	e := newTestEnv(t)
	_, apiKey := e.register(t, "reg@voxnote.example")

	resp := e.doJSON(t, http.MethodGet, "/api/v1/balance", nil, apiKey)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		CreditBalance int64 `json:"credit_balance"`
	}
	decodeJSON(t, resp, &body)
	assert.Equal(t, int64(0), body.CreditBalance)

	resp = e.doJSON(t, http.MethodGet, "/api/v1/balance", nil, "")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/api/v1/balance", nil, "vx_bogus")
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestConsumeReturnsPaymentRequiredWhenBroke(t *testing.T) {
	e := newTestEnv(t)
	accountID, apiKey := e.register(t, "broke@voxnote.example")

	resp := e.doJSON(t, http.MethodPost, "/api/v1/consume", map[string]int64{"amount": 1}, apiKey)
	assert.Equal(t, fiber.StatusPaymentRequired, resp.StatusCode)

	require.NoError(t, e.ledger.GrantCredits(accountID, 2))
	resp = e.doJSON(t, http.MethodPost, "/api/v1/consume", map[string]int64{"amount": 1}, apiKey)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCheckoutAndWebhookSettlement(t *testing.T) {
	e := newTestEnv(t)
	e.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365, IsActive: true})
	_, apiKey := e.register(t, "buyer@voxnote.example")

	resp := e.doJSON(t, http.MethodPost, "/api/v1/checkout", map[string]string{
		"plan_code": "pack-100",
		"processor": models.ProcessorCardnet,
	}, apiKey)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	var checkout struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
	}
	decodeJSON(t, resp, &checkout)
	assert.Equal(t, models.PaymentStatusPending, checkout.Status)

	// The processor notifies us; the signed webhook settles the charge.
	payload, sig := e.adapter.SignedWebhook("evt_1", e.adapter.LastReference(), processor.OutcomeSuccess)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/cardnet", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", sig)
	webhookResp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, webhookResp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/api/v1/balance", nil, apiKey)
	var balance struct {
		CreditBalance int64 `json:"credit_balance"`
	}
	decodeJSON(t, resp, &balance)
	assert.Equal(t, int64(100), balance.CreditBalance)

	resp = e.doJSON(t, http.MethodGet, "/api/v1/payments", nil, apiKey)
	var history struct {
		Payments []struct {
			PaymentID string `json:"payment_id"`
			Status    string `json:"status"`
		} `json:"payments"`
	}
	decodeJSON(t, resp, &history)
	require.Len(t, history.Payments, 1)
	assert.Equal(t, checkout.PaymentID, history.Payments[0].PaymentID)
	assert.Equal(t, models.PaymentStatusSuccess, history.Payments[0].Status)
}

func TestCheckoutUnknownPlanAndProcessor(t *testing.T) {
	e := newTestEnv(t)
	_, apiKey := e.register(t, "odd@voxnote.example")

	resp := e.doJSON(t, http.MethodPost, "/api/v1/checkout", map[string]string{
		"plan_code": "missing",
		"processor": models.ProcessorCardnet,
	}, apiKey)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	resp = e.doJSON(t, http.MethodPost, "/api/v1/checkout", map[string]string{
		"plan_code": "missing",
		"processor": "paypal",
	}, apiKey)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectionsAndAcks(t *testing.T) {
	e := newTestEnv(t)

	// Bad signature.
	payload, _ := e.adapter.SignedWebhook("evt_1", "ref_x", processor.OutcomeSuccess)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/cardnet", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", "deadbeef")
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// Unknown reference is acknowledged so the processor stops retrying.
	payload, sig := e.adapter.SignedWebhook("evt_2", "ref_unknown", processor.OutcomeSuccess)
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/cardnet", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", sig)
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Ignored bool `json:"ignored"`
	}
	decodeJSON(t, resp, &body)
	assert.True(t, body.Ignored)

	// Unknown processor path.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paypal", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Signature", sig)
	resp, err = e.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestSubscriptionLifecycleEndpoints(t *testing.T) {
	e := newTestEnv(t)
	plan := e.addPlan(t, models.Plan{Code: "sub-monthly", PriceCents: 499, Currency: "EUR", CreditsGranted: 50, ValidityDays: 30, IsRecurring: true, IsActive: true})
	accountID, apiKey := e.register(t, "sub@voxnote.example")

	require.NoError(t, e.accounts.ActivatePlan(accountID, plan.ID, time.Now().Add(30*24*time.Hour), 0))

	resp := e.doJSON(t, http.MethodGet, "/api/v1/subscription", nil, apiKey)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var status struct {
		Active   bool   `json:"active"`
		PlanCode string `json:"plan_code"`
	}
	decodeJSON(t, resp, &status)
	assert.True(t, status.Active)
	assert.Equal(t, "sub-monthly", status.PlanCode)

	resp = e.doJSON(t, http.MethodDelete, "/api/v1/subscription", nil, apiKey)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp = e.doJSON(t, http.MethodGet, "/api/v1/subscription", nil, apiKey)
	decodeJSON(t, resp, &status)
	assert.False(t, status.Active)
}

func TestListPlans(t *testing.T) {
	e := newTestEnv(t)
	e.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365, IsActive: true})

	resp := e.doJSON(t, http.MethodGet, "/api/v1/plans", nil, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	var body struct {
		Plans []struct {
			Code       string `json:"code"`
			PriceCents int64  `json:"price_cents"`
		} `json:"plans"`
	}
	decodeJSON(t, resp, &body)
	require.Len(t, body.Plans, 1)
	assert.Equal(t, "pack-100", body.Plans[0].Code)
	assert.Equal(t, int64(999), body.Plans[0].PriceCents)
}
