package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/ratelimit"
)

// Settler receives immediate charge outcomes. It is implemented by the
// reconciler; the indirection exists because the reconciler also calls back
// into the ledger to grant credits.
type Settler interface {
	HandleNotification(ctx context.Context, n processor.Notification, rawPayload []byte) error
}

// Config tunes the ledger's charge orchestration.
type Config struct {
	// AttemptLimit / AttemptWindow bound user-driven payment initiations
	// per account. Scheduled rebills are not subject to this limit.
	AttemptLimit  int
	AttemptWindow time.Duration
	// ChargeTimeout bounds the processor network call.
	ChargeTimeout time.Duration
}

// DefaultConfig returns the production defaults (3 attempts per hour).
func DefaultConfig() Config {
	return Config{
		AttemptLimit:  3,
		AttemptWindow: time.Hour,
		ChargeTimeout: 20 * time.Second,
	}
}

// Service is the single mutation authority for account balances and
// subscription state. All credit movement goes through here.
type Service struct {
	accounts repository.AccountRepository
	payments repository.PaymentRepository
	catalog  *plancatalog.Catalog
	adapters *processor.Registry
	limiter  *ratelimit.Limiter
	settler  Settler
	cfg      Config
}

// NewService creates a ledger service.
func NewService(
	accounts repository.AccountRepository,
	payments repository.PaymentRepository,
	catalog *plancatalog.Catalog,
	adapters *processor.Registry,
	limiter *ratelimit.Limiter,
	cfg Config,
) *Service {
	return &Service{
		accounts: accounts,
		payments: payments,
		catalog:  catalog,
		adapters: adapters,
		limiter:  limiter,
		cfg:      cfg,
	}
}

// SetSettler wires the reconciler in after construction.
func (s *Service) SetSettler(settler Settler) {
	s.settler = settler
}

// RegisterAccount creates an account and issues its API key. The plaintext
// key is returned exactly once.
func (s *Service) RegisterAccount(email, password string) (*models.Account, string, error) {
	account, err := models.CreateAccount(email, password)
	if err != nil {
		return nil, "", err
	}
	apiKey, err := account.IssueAPIKey()
	if err != nil {
		return nil, "", err
	}
	if err := s.accounts.Create(account); err != nil {
		return nil, "", err
	}
	return account, apiKey, nil
}

// GetAccount loads an account by ID.
func (s *Service) GetAccount(accountID uint) (*models.Account, error) {
	account, err := s.accounts.GetByID(accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return account, nil
}

// GrantCredits adds amount to the account balance. Idempotency against
// duplicate payment notifications is the reconciler's job, not re-derived
// here.
func (s *Service) GrantCredits(accountID uint, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	applied, err := s.accounts.AdjustBalance(accountID, amount)
	if err != nil {
		return err
	}
	if !applied {
		return ErrAccountNotFound
	}
	return nil
}

// ConsumeCredits atomically decrements the balance, failing instead of going
// negative. Safe under concurrent consumption from parallel request paths.
func (s *Service) ConsumeCredits(accountID uint, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	applied, err := s.accounts.AdjustBalance(accountID, -amount)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}
	if _, err := s.GetAccount(accountID); err != nil {
		return err
	}
	return ErrInsufficientCredits
}

// ClawbackCredits debits up to amount but never below zero, used by the
// refund policy. Returns the amount actually debited.
func (s *Service) ClawbackCredits(accountID uint, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	for {
		account, err := s.GetAccount(accountID)
		if err != nil {
			return 0, err
		}
		debit := amount
		if account.CreditBalance < debit {
			debit = account.CreditBalance
		}
		if debit == 0 {
			return 0, nil
		}
		applied, err := s.accounts.AdjustBalance(accountID, -debit)
		if err != nil {
			return 0, err
		}
		if applied {
			return debit, nil
		}
		// Lost a race against a concurrent consume, re-read and retry.
	}
}

// ActivatePlan puts the account on the plan, anchors the next billing date
// and grants the plan's credits. The repository applies all of it in a single
// update, so a failure here means nothing was applied and the caller may
// retry.
func (s *Service) ActivatePlan(accountID uint, plan *models.Plan, billingAnchor time.Time) error {
	next := billingAnchor.Add(plan.Validity())
	err := s.accounts.ActivatePlan(accountID, plan.ID, next, plan.CreditsGranted)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAccountNotFound
	}
	return err
}

// DeactivatePlan clears the subscription flag. Residual credits stay, they
// are not clawed back on expiry.
func (s *Service) DeactivatePlan(accountID uint) error {
	return s.accounts.DeactivatePlan(accountID)
}

// StorePaymentMethod saves the processor-scoped method token used for
// recurring charges.
func (s *Service) StorePaymentMethod(accountID uint, token string) error {
	return s.accounts.SetPaymentMethodToken(accountID, token)
}

// InitiateCharge starts a user-driven charge for a plan. The payment record
// is created in pending before the processor call, and no account state is
// touched while the call is in flight.
func (s *Service) InitiateCharge(ctx context.Context, accountID uint, planCode, processorName, methodToken string) (*models.Payment, error) {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return nil, err
	}

	plan, err := s.catalog.GetByCode(planCode)
	if err != nil {
		return nil, ErrPlanNotFound
	}

	key := fmt.Sprintf("payattempt:%d", account.ID)
	if err := s.limiter.Check(key, s.cfg.AttemptLimit, s.cfg.AttemptWindow); err != nil {
		return nil, err
	}

	payment, err := s.initiateCharge(ctx, account, plan, processorName, methodToken)
	if err != nil {
		return payment, err
	}
	if methodToken != "" && plan.IsRecurring {
		if err := s.StorePaymentMethod(account.ID, methodToken); err != nil {
			log.Errorf("[Ledger] Failed to store payment method for account %d: %v", account.ID, err)
		}
	}
	return payment, nil
}

// InitiateRebillCharge starts a scheduled recurring charge with the stored
// payment method. Not subject to the payment-attempt limit.
func (s *Service) InitiateRebillCharge(ctx context.Context, account *models.Account) (*models.Payment, error) {
	if account.PlanID == nil {
		return nil, ErrPlanNotFound
	}
	plan, err := s.catalog.GetByID(*account.PlanID)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	if account.PaymentMethodToken == "" {
		return nil, ErrNoPaymentMethod
	}
	return s.initiateCharge(ctx, account, plan, models.ProcessorCardnet, account.PaymentMethodToken)
}

func (s *Service) initiateCharge(ctx context.Context, account *models.Account, plan *models.Plan, processorName, methodToken string) (*models.Payment, error) {
	adapter, err := s.adapters.Get(processorName)
	if err != nil {
		return nil, err
	}
	processorPlanID, err := s.catalog.ProcessorRef(plan.ID, processorName)
	if err != nil {
		return nil, fmt.Errorf("plan %s has no %s mapping: %w", plan.Code, processorName, err)
	}

	// The pending record exists before we talk to the processor, so a crash
	// or timeout mid-call leaves a row the reconcile pass can settle later.
	payment := &models.Payment{
		PublicID:    uuid.NewString(),
		AccountID:   account.ID,
		PlanID:      plan.ID,
		Processor:   processorName,
		AmountCents: plan.PriceCents,
		Status:      models.PaymentStatusPending,
	}
	if err := s.payments.Create(payment); err != nil {
		return nil, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.ChargeTimeout)
	defer cancel()

	result, err := adapter.Initiate(chargeCtx, processor.InitiateRequest{
		PaymentPublicID: payment.PublicID,
		AccountID:       account.ID,
		ProcessorPlanID: processorPlanID,
		AmountCents:     plan.PriceCents,
		Currency:        plan.Currency,
		MethodToken:     methodToken,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// The charge may still have gone through processor-side; keep
			// the record pending for the webhook or the reconcile pass.
			log.Warnf("[Ledger] Charge %s timed out against %s, left pending", payment.PublicID, processorName)
			return payment, ErrChargeTimedOut
		}
		// The charge never reached the processor; settle the record here so
		// it cannot block future rebills.
		now := time.Now()
		if _, markErr := s.payments.MarkResolvedIfPending(payment.ID, models.PaymentStatusFailed, now); markErr != nil {
			log.Errorf("[Ledger] Failed to mark payment %s failed: %v", payment.PublicID, markErr)
		}
		payment.Status = models.PaymentStatusFailed
		payment.ResolvedAt = &now
		return payment, err
	}

	if err := s.payments.AttachProcessorReference(payment.ID, result.Reference); err != nil {
		return payment, err
	}
	payment.ProcessorReference = result.Reference

	// Synchronous processors settle through the same reconciler entry point
	// as webhooks, keeping one idempotency mechanism for all processors.
	if result.ImmediateOutcome != nil && s.settler != nil {
		n := processor.Notification{
			Processor: processorName,
			Reference: result.Reference,
			Outcome:   *result.ImmediateOutcome,
			EventID:   "sync:" + payment.PublicID,
		}
		if err := s.settler.HandleNotification(ctx, n, nil); err != nil {
			log.Errorf("[Ledger] Immediate outcome for %s failed to settle: %v", payment.PublicID, err)
		}
		if updated, err := s.payments.GetByID(payment.ID); err == nil {
			payment = updated
		}
	}

	return payment, nil
}

// CancelSubscription turns off recurring billing at the account's request.
// Remaining credits and the current period are unaffected.
func (s *Service) CancelSubscription(accountID uint) error {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return err
	}
	if !account.IsPlanActive {
		return nil
	}
	return s.DeactivatePlan(accountID)
}

// GetBalance returns the current credit balance.
func (s *Service) GetBalance(accountID uint) (int64, error) {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return 0, err
	}
	return account.CreditBalance, nil
}

// PlanStatus is the subscription view exposed to the rest of the app.
type PlanStatus struct {
	Active          bool       `json:"active"`
	PlanCode        string     `json:"plan_code,omitempty"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`
}

// GetPlanStatus returns the account's subscription state.
func (s *Service) GetPlanStatus(accountID uint) (*PlanStatus, error) {
	account, err := s.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	status := &PlanStatus{
		Active:          account.IsPlanActive,
		NextBillingDate: account.NextBillingDate,
	}
	if account.PlanID != nil {
		if plan, err := s.catalog.GetByID(*account.PlanID); err == nil {
			status.PlanCode = plan.Code
		}
	}
	return status, nil
}

// ListPaymentHistory returns the account's payments, most recent first.
func (s *Service) ListPaymentHistory(accountID uint, limit int) ([]models.Payment, error) {
	return s.payments.ListByAccount(accountID, limit)
}
