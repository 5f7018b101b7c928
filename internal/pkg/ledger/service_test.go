package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/ratelimit"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
)

type ledgerFixture struct {
	accounts *repository.MemoryAccountRepository
	payments *repository.MemoryPaymentRepository
	plans    *repository.MemoryPlanRepository
	events   *repository.MemoryWebhookEventRepository
	catalog  *plancatalog.Catalog
	adapter  *processor.FakeAdapter
	store    *ratelimit.MemoryStore
	svc      *ledger.Service
}

func newLedgerFixture(t *testing.T, cfg ledger.Config) *ledgerFixture {
	t.Helper()

	f := &ledgerFixture{
		accounts: repository.NewMemoryAccountRepository(),
		payments: repository.NewMemoryPaymentRepository(),
		plans:    repository.NewMemoryPlanRepository(),
		events:   repository.NewMemoryWebhookEventRepository(),
		store:    ratelimit.NewMemoryStore(),
	}

	f.adapter = processor.NewFakeAdapter(models.ProcessorCardnet)
	registry := processor.NewRegistry()
	registry.Register(f.adapter)

	f.catalog = plancatalog.New(f.plans)
	f.svc = ledger.NewService(f.accounts, f.payments, f.catalog, registry, ratelimit.New(f.store), cfg)

	rec := reconciler.NewService(f.payments, f.events, f.svc, f.catalog, reconciler.Config{})
	f.svc.SetSettler(rec)

	return f
}

func (f *ledgerFixture) addPlan(t *testing.T, plan models.Plan) *models.Plan {
	t.Helper()
	require.NoError(t, f.plans.Create(&plan))
	require.NoError(t, f.plans.CreateProcessorRef(&models.PlanProcessorRef{
		PlanID:          plan.ID,
		Processor:       models.ProcessorCardnet,
		ProcessorPlanID: "cn_" + plan.Code,
	}))
	require.NoError(t, f.catalog.Load())
	return &plan
}

func (f *ledgerFixture) addAccount(t *testing.T, balance int64) *models.Account {
	t.Helper()
	account := &models.Account{
		Email:         "billing@voxnote.example",
		Password:      "hashed",
		Status:        models.STATUS_ACTIVE,
		CreditBalance: balance,
	}
	require.NoError(t, f.accounts.Create(account))
	return account
}

func TestRegisterAccountIssuesAPIKeyOnce(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())

	account, apiKey, err := f.svc.RegisterAccount("new@voxnote.example", "secret123")
	require.NoError(t, err)
	require.NotNil(t, account)

	assert.NotEmpty(t, apiKey)
	assert.True(t, len(apiKey) > 12)
	assert.Equal(t, models.HashAPIKey(apiKey), account.APIKeyHash)
	assert.Equal(t, apiKey[:12], account.APIKeyPrefix)
	// The plaintext key is never persisted.
	stored, err := f.accounts.GetByID(account.ID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Password, apiKey)
}

func TestGrantAndConsumeCredits(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)

	require.NoError(t, f.svc.GrantCredits(account.ID, 10))
	require.NoError(t, f.svc.ConsumeCredits(account.ID, 3))

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func TestConsumeCreditsInsufficient(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 2)

	err := f.svc.ConsumeCredits(account.ID, 3)
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance, "failed consume must not touch the balance")
}

func TestCreditAmountValidation(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 5)

	assert.ErrorIs(t, f.svc.GrantCredits(account.ID, 0), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, f.svc.GrantCredits(account.ID, -1), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, f.svc.ConsumeCredits(account.ID, 0), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, f.svc.ConsumeCredits(account.ID, -4), ledger.ErrInvalidAmount)
	assert.ErrorIs(t, f.svc.GrantCredits(9999, 5), ledger.ErrAccountNotFound)
}

func TestConcurrentConsumeNeverOverdraws(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 50)

	var wg sync.WaitGroup
	var succeeded int64
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.ConsumeCredits(account.ID, 1); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), succeeded)
	assert.Equal(t, int64(0), balance)
}

func TestConcurrentGrantsAndConsumesSettleExactly(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 10)

	// Interleave grants with consumes large enough that some consumes must
	// lose races and fail. Every successful movement has to be reflected in
	// the final balance, and the balance can never dip below zero.
	const workers = 40
	var wg sync.WaitGroup
	var consumed int64
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.GrantCredits(account.ID, 5))
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.svc.ConsumeCredits(account.ID, 6); err == nil {
				mu.Lock()
				consumed += 6
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
			}
		}()
	}
	wg.Wait()

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10)+workers*5-consumed, balance)
	assert.GreaterOrEqual(t, balance, int64(0))
}

func TestClawbackStopsAtZero(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 30)

	debited, err := f.svc.ClawbackCredits(account.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(30), debited)

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestInitiateChargeCreatesPendingRecordFirst(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365})

	payment, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok_abc")
	require.NoError(t, err)
	require.NotNil(t, payment)

	assert.Equal(t, models.PaymentStatusPending, payment.Status)
	assert.NotEmpty(t, payment.PublicID)
	assert.Equal(t, f.adapter.LastReference(), payment.ProcessorReference)

	calls := f.adapter.InitiatedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, payment.PublicID, calls[0].PaymentPublicID)
	assert.Equal(t, "cn_pack-100", calls[0].ProcessorPlanID)
	assert.Equal(t, int64(999), calls[0].AmountCents)

	// No credits before the processor confirms.
	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestInitiateChargeImmediateOutcomeSettlesSynchronously(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365})

	o := processor.OutcomeSuccess
	f.adapter.SetImmediateOutcome(&o)

	payment, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok_abc")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, payment.Status)

	balance, err := f.svc.GetBalance(account.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestInitiateChargeHardFailureSettlesFailed(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365})

	f.adapter.FailNextInitiate(errors.New("card declined upstream"))

	payment, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok_abc")
	require.Error(t, err)
	require.NotNil(t, payment)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)

	// A settled failure must not block a later rebill.
	pending, err := f.payments.HasPendingForAccount(account.ID)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestInitiateChargeUnknownPlan(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)

	_, err := f.svc.InitiateCharge(context.Background(), account.ID, "nope", models.ProcessorCardnet, "")
	assert.ErrorIs(t, err, ledger.ErrPlanNotFound)
}

func TestInitiateChargeAttemptLimit(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.AttemptLimit = 3
	cfg.AttemptWindow = time.Hour

	f := newLedgerFixture(t, cfg)
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365})

	for i := 0; i < 3; i++ {
		_, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok")
		require.NoError(t, err)
	}

	_, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok")
	var rl *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3, rl.Limit)
	assert.True(t, rl.RetryAfter > 0)

	// The limited attempt never reached the processor.
	assert.Len(t, f.adapter.InitiatedCalls(), 3)
}

func TestInitiateChargeAttemptLimitResetsAfterWindow(t *testing.T) {
	cfg := ledger.DefaultConfig()
	cfg.AttemptLimit = 1
	cfg.AttemptWindow = time.Hour

	f := newLedgerFixture(t, cfg)
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "pack-100", PriceCents: 999, Currency: "EUR", CreditsGranted: 100, ValidityDays: 365})

	now := time.Now()
	f.store.SetNowFunc(func() time.Time { return now })

	_, err := f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok")
	require.NoError(t, err)
	_, err = f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok")
	var rl *ratelimit.RateLimitedError
	require.ErrorAs(t, err, &rl)

	f.store.SetNowFunc(func() time.Time { return now.Add(61 * time.Minute) })
	_, err = f.svc.InitiateCharge(context.Background(), account.ID, "pack-100", models.ProcessorCardnet, "tok")
	require.NoError(t, err)
}

func TestInitiateChargeStoresMethodTokenForRecurringPlans(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	f.addPlan(t, models.Plan{Code: "sub-monthly", PriceCents: 499, Currency: "EUR", CreditsGranted: 50, ValidityDays: 30, IsRecurring: true})

	_, err := f.svc.InitiateCharge(context.Background(), account.ID, "sub-monthly", models.ProcessorCardnet, "tok_recurring")
	require.NoError(t, err)

	stored, err := f.accounts.GetByID(account.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok_recurring", stored.PaymentMethodToken)
}

func TestInitiateRebillChargeRequiresStoredMethod(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	plan := f.addPlan(t, models.Plan{Code: "sub-monthly", PriceCents: 499, Currency: "EUR", CreditsGranted: 50, ValidityDays: 30, IsRecurring: true})

	require.NoError(t, f.accounts.ActivatePlan(account.ID, plan.ID, time.Now(), 0))

	stored, err := f.accounts.GetByID(account.ID)
	require.NoError(t, err)
	_, err = f.svc.InitiateRebillCharge(context.Background(), stored)
	assert.ErrorIs(t, err, ledger.ErrNoPaymentMethod)
}

func TestCancelSubscriptionKeepsCredits(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 42)
	plan := f.addPlan(t, models.Plan{Code: "sub-monthly", PriceCents: 499, Currency: "EUR", CreditsGranted: 50, ValidityDays: 30, IsRecurring: true})
	require.NoError(t, f.accounts.ActivatePlan(account.ID, plan.ID, time.Now().Add(30*24*time.Hour), 0))

	require.NoError(t, f.svc.CancelSubscription(account.ID))

	stored, err := f.accounts.GetByID(account.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsPlanActive)
	assert.Equal(t, int64(42), stored.CreditBalance)
}

func TestGetPlanStatus(t *testing.T) {
	f := newLedgerFixture(t, ledger.DefaultConfig())
	account := f.addAccount(t, 0)
	plan := f.addPlan(t, models.Plan{Code: "sub-monthly", PriceCents: 499, Currency: "EUR", CreditsGranted: 50, ValidityDays: 30, IsRecurring: true})

	status, err := f.svc.GetPlanStatus(account.ID)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Empty(t, status.PlanCode)

	next := time.Now().Add(30 * 24 * time.Hour)
	require.NoError(t, f.accounts.ActivatePlan(account.ID, plan.ID, next, 0))

	status, err = f.svc.GetPlanStatus(account.ID)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, "sub-monthly", status.PlanCode)
	require.NotNil(t, status.NextBillingDate)
	assert.WithinDuration(t, next, *status.NextBillingDate, time.Second)
}
