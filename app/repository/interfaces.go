package repository

import (
	"time"

	"github.com/voxnotehq/voxbill/app/models"
)

// AccountRepository provides account persistence. Balance and subscription
// mutations are single conditional updates so concurrent writers linearize
// at the database without holding application locks.
type AccountRepository interface {
	Create(account *models.Account) error
	GetByID(id uint) (*models.Account, error)
	GetByEmail(email string) (*models.Account, error)
	GetByAPIKeyHash(hash string) (*models.Account, error)
	Update(account *models.Account) error

	// AdjustBalance applies delta atomically. Returns false when the guard
	// (resulting balance >= 0) rejects the update.
	AdjustBalance(id uint, delta int64) (bool, error)

	// ActivatePlan puts the account on the plan and credits creditsGranted in
	// the same statement, so a failed activation never half-applies.
	ActivatePlan(id uint, planID uint, nextBillingDate time.Time, creditsGranted int64) error
	DeactivatePlan(id uint) error
	SetNextBillingDate(id uint, next time.Time) error
	SetLastRebillFailed(id uint, at time.Time) error
	SetPaymentMethodToken(id uint, token string) error

	ListDueForRebill(now time.Time) ([]models.Account, error)
	ListDueForExpiry(cutoff time.Time) ([]models.Account, error)
}

// PlanRepository provides read access to the plan catalog.
type PlanRepository interface {
	Create(plan *models.Plan) error
	GetByID(id uint) (*models.Plan, error)
	GetActiveByCode(code string) (*models.Plan, error)
	ListActive() ([]models.Plan, error)
	GetProcessorRef(planID uint, processor string) (*models.PlanProcessorRef, error)
	CreateProcessorRef(ref *models.PlanProcessorRef) error
}

// PaymentRepository owns payment attempt rows. Terminal transitions are
// conditional updates: the row moves only if it is still in the expected
// prior state, which closes the race between concurrent deliveries.
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByPublicID(publicID string) (*models.Payment, error)
	FindByProcessorReference(processor, reference string) (*models.Payment, error)
	AttachProcessorReference(id uint, reference string) error

	// MarkResolvedIfPending transitions pending -> status. Returns false when
	// the payment was no longer pending.
	MarkResolvedIfPending(id uint, status string, resolvedAt time.Time) (bool, error)
	// MarkRefundedIfSuccess transitions success -> refunded.
	MarkRefundedIfSuccess(id uint, resolvedAt time.Time) (bool, error)

	HasPendingForAccount(accountID uint) (bool, error)
	// HasPendingForPlan reports a pending payment for the account on this
	// plan. The rebill pass uses the scoped check so an unrelated pending
	// checkout never suppresses a due rebill.
	HasPendingForPlan(accountID, planID uint) (bool, error)
	ListStalePending(olderThan time.Time) ([]models.Payment, error)
	ListByAccount(accountID uint, limit int) ([]models.Payment, error)
}

// WebhookEventRepository stores notification events for deduplication.
type WebhookEventRepository interface {
	// CreateIfNotExists inserts the event unless the (processor, event key)
	// pair already exists. Returns created=false for duplicates.
	CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkProcessed(id uint, processingError string) error
	// ListFailedEvents returns events whose processing failed after dedup,
	// oldest first. The reconciler's repair sweep retries them.
	ListFailedEvents(limit int) ([]models.WebhookEvent, error)
	DeleteOlderThan(cutoff time.Time) (int64, error)
}
