package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/plancatalog"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
)

var (
	// ErrUnknownReference marks a notification whose (processor, reference)
	// matches no payment. Logged and discarded, never applied.
	ErrUnknownReference = errors.New("unknown payment reference")
	// ErrNotRefundable rejects a refund on a payment that is not success.
	ErrNotRefundable = errors.New("payment is not refundable")
)

// Config tunes the reconciler's refund policy.
type Config struct {
	// RefundClawback debits granted credits (down to zero) when a payment
	// is refunded. Off by default: refunds leave the balance untouched.
	RefundClawback bool
}

// Service is the single path by which payments become terminal and by which
// credits are ever granted from a payment. Everything funnels through
// HandleNotification so one idempotency mechanism covers webhook deliveries,
// synchronous outcomes and reconcile-pass polls alike.
type Service struct {
	payments repository.PaymentRepository
	events   repository.WebhookEventRepository
	ledger   *ledger.Service
	catalog  *plancatalog.Catalog
	cfg      Config
}

// NewService creates a reconciler.
func NewService(
	payments repository.PaymentRepository,
	events repository.WebhookEventRepository,
	ledgerSvc *ledger.Service,
	catalog *plancatalog.Catalog,
	cfg Config,
) *Service {
	return &Service{
		payments: payments,
		events:   events,
		ledger:   ledgerSvc,
		catalog:  catalog,
		cfg:      cfg,
	}
}

// HandleNotification applies one processor notification exactly once.
// Duplicate deliveries are expected and absorbed silently; reordering across
// unrelated references needs no coordination because each reference settles
// independently.
func (s *Service) HandleNotification(ctx context.Context, n processor.Notification, rawPayload []byte) error {
	_ = ctx

	payment, err := s.payments.FindByProcessorReference(n.Processor, n.Reference)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Warnf("[Reconciler] Notification for unknown reference %s/%s discarded", n.Processor, n.Reference)
			return ErrUnknownReference
		}
		return err
	}

	if payment.IsTerminal() {
		// Duplicate webhook delivery, not an error.
		log.Debugf("[Reconciler] Payment %s already %s, duplicate absorbed", payment.PublicID, payment.Status)
		return nil
	}

	// Dedup window: the insert is atomic, so of two concurrent deliveries of
	// the same (processor, reference, outcome) exactly one proceeds.
	event := &models.WebhookEvent{
		Processor:      n.Processor,
		EventKey:       n.Reference + ":" + string(n.Outcome),
		Outcome:        string(n.Outcome),
		PayloadJSON:    string(rawPayload),
		SignatureValid: true,
	}
	created, stored, err := s.events.CreateIfNotExists(event)
	if err != nil {
		return err
	}
	if !created {
		log.Debugf("[Reconciler] Duplicate notification %s/%s:%s absorbed", n.Processor, n.Reference, n.Outcome)
		return nil
	}

	status := models.PaymentStatusFailed
	if n.Outcome == processor.OutcomeSuccess {
		status = models.PaymentStatusSuccess
	}

	applied, err := s.payments.MarkResolvedIfPending(payment.ID, status, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		// A concurrent delivery settled the payment between our read and the
		// conditional update. Nothing left to do.
		_ = s.events.MarkProcessed(stored.ID, "")
		return nil
	}

	var processErr error
	if n.Outcome == processor.OutcomeSuccess {
		processErr = s.applySuccess(payment)
	}

	if processErr != nil {
		_ = s.events.MarkProcessed(stored.ID, processErr.Error())
		return processErr
	}
	return s.events.MarkProcessed(stored.ID, "")
}

// retryGrantBatch bounds one repair sweep.
const retryGrantBatch = 100

// RetryFailedGrants redoes the post-settlement work of success events whose
// grant failed after the payment had already flipped terminal. The event row
// keeps its processing error until the grant lands, so the window between the
// status flip and the credit write cannot lose a grant: processor retries are
// absorbed by the terminal check, this sweep is what finishes the job.
func (s *Service) RetryFailedGrants(ctx context.Context) (repaired, failed int, err error) {
	_ = ctx

	failedEvents, err := s.events.ListFailedEvents(retryGrantBatch)
	if err != nil {
		return 0, 0, err
	}

	for i := range failedEvents {
		event := failedEvents[i]
		if event.Outcome != string(processor.OutcomeSuccess) {
			// Only success events carry post-settlement work.
			_ = s.events.MarkProcessed(event.ID, "")
			continue
		}

		reference := strings.TrimSuffix(event.EventKey, ":"+event.Outcome)
		payment, err := s.payments.FindByProcessorReference(event.Processor, reference)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				_ = s.events.MarkProcessed(event.ID, "")
				continue
			}
			failed++
			continue
		}
		if payment.Status != models.PaymentStatusSuccess {
			// Refunded in the meantime; nothing left to grant.
			_ = s.events.MarkProcessed(event.ID, "")
			continue
		}

		if err := s.applySuccess(payment); err != nil {
			failed++
			log.Warnf("[Reconciler] Grant retry for payment %s still failing: %v", payment.PublicID, err)
			continue
		}
		if err := s.events.MarkProcessed(event.ID, ""); err != nil {
			failed++
			continue
		}
		repaired++
		log.Infof("[Reconciler] Recovered grant for payment %s", payment.PublicID)
	}
	return repaired, failed, nil
}

// applySuccess grants the plan's value after a payment settled successfully.
// Recurring plans go through ActivatePlan, which grants credits and anchors
// the next billing date; one-off packs just grant credits. Either way the
// grant is one atomic update: an error means nothing was applied, which is
// what makes RetryFailedGrants safe.
func (s *Service) applySuccess(payment *models.Payment) error {
	plan, err := s.catalog.GetByID(payment.PlanID)
	if err != nil {
		return err
	}

	if !plan.IsRecurring {
		return s.ledger.GrantCredits(payment.AccountID, plan.CreditsGranted)
	}

	anchor := s.billingAnchor(payment, plan)
	return s.ledger.ActivatePlan(payment.AccountID, plan, anchor)
}

// billingAnchor picks the date the new period extends from. Rebills anchor
// on the previous next_billing_date, not on when the batch happened to run,
// so a late scheduler never compounds drift. First purchases anchor on now.
func (s *Service) billingAnchor(payment *models.Payment, plan *models.Plan) time.Time {
	account, err := s.ledger.GetAccount(payment.AccountID)
	if err != nil {
		return time.Now()
	}
	if account.IsPlanActive && account.PlanID != nil && *account.PlanID == plan.ID && account.NextBillingDate != nil {
		return *account.NextBillingDate
	}
	return time.Now()
}

// HandleRefund transitions a successful payment to refunded. Whether granted
// credits are clawed back is a policy flag; consumed credits are never
// reclaimed beyond the current balance.
func (s *Service) HandleRefund(paymentID uint) error {
	payment, err := s.payments.GetByID(paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownReference
		}
		return err
	}

	applied, err := s.payments.MarkRefundedIfSuccess(payment.ID, time.Now())
	if err != nil {
		return err
	}
	if !applied {
		return ErrNotRefundable
	}

	log.Infof("[Reconciler] Payment %s refunded", payment.PublicID)

	if !s.cfg.RefundClawback {
		return nil
	}

	plan, err := s.catalog.GetByID(payment.PlanID)
	if err != nil {
		return err
	}
	debited, err := s.ledger.ClawbackCredits(payment.AccountID, plan.CreditsGranted)
	if err != nil {
		return err
	}
	log.Infof("[Reconciler] Clawed back %d credits from account %d for refund of %s", debited, payment.AccountID, payment.PublicID)
	return nil
}
