package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/voxnotehq/voxbill/app/repository"
	"github.com/voxnotehq/voxbill/internal/pkg/ledger"
	"github.com/voxnotehq/voxbill/internal/pkg/processor"
	"github.com/voxnotehq/voxbill/internal/pkg/reconciler"
)

// PassStats summarizes one batch pass. A single account's failure never
// aborts the pass; it is counted and the pass continues.
type PassStats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Passes holds the batch operations driven by the Manager's tickers and by
// the external cron trigger. Every pass is safe to re-run on the same
// instant and safe under overlapping scheduler instances.
type Passes struct {
	ledger     *ledger.Service
	reconciler *reconciler.Service
	accounts   repository.AccountRepository
	payments   repository.PaymentRepository
	events     repository.WebhookEventRepository
	adapters   *processor.Registry
	cfg        Config
}

// NewPasses wires the batch passes.
func NewPasses(
	ledgerSvc *ledger.Service,
	reconcilerSvc *reconciler.Service,
	accounts repository.AccountRepository,
	payments repository.PaymentRepository,
	events repository.WebhookEventRepository,
	adapters *processor.Registry,
	cfg Config,
) *Passes {
	return &Passes{
		ledger:     ledgerSvc,
		reconciler: reconcilerSvc,
		accounts:   accounts,
		payments:   payments,
		events:     events,
		adapters:   adapters,
		cfg:        cfg,
	}
}

// RunRebillPass charges every active subscription whose billing date is due.
// An account whose subscription plan still has a pending payment is skipped,
// which is what makes re-running the pass before a webhook settles harmless.
// Pending payments on other plans (a one-off pack bought mid-cycle) do not
// suppress the rebill.
func (p *Passes) RunRebillPass(ctx context.Context, now time.Time) (PassStats, error) {
	var stats PassStats

	due, err := p.accounts.ListDueForRebill(now)
	if err != nil {
		return stats, err
	}

	for i := range due {
		account := due[i]
		if account.PlanID == nil {
			stats.Skipped++
			continue
		}

		pending, err := p.payments.HasPendingForPlan(account.ID, *account.PlanID)
		if err != nil {
			stats.Failed++
			log.Errorf("[Scheduler] Rebill pending-check failed for account %d: %v", account.ID, err)
			continue
		}
		if pending {
			stats.Skipped++
			continue
		}

		_, err = p.ledger.InitiateRebillCharge(ctx, &account)
		switch {
		case err == nil:
			stats.Processed++
		case errors.Is(err, ledger.ErrChargeTimedOut):
			// Still pending processor-side; the webhook or the reconcile
			// pass will settle it.
			stats.Processed++
		default:
			stats.Failed++
			log.Warnf("[Scheduler] Rebill charge failed for account %d: %v", account.ID, err)
			if err := p.accounts.SetLastRebillFailed(account.ID, now); err != nil {
				log.Errorf("[Scheduler] Could not record rebill failure for account %d: %v", account.ID, err)
			}
		}
	}

	log.Infof("[Scheduler] Rebill pass done: %d charged, %d skipped, %d failed", stats.Processed, stats.Skipped, stats.Failed)
	return stats, nil
}

// RunExpirePass deactivates subscriptions whose billing date plus the grace
// window has passed without a successful rebill. Credit balances stay as
// they are.
func (p *Passes) RunExpirePass(ctx context.Context, now time.Time) (PassStats, error) {
	_ = ctx
	var stats PassStats

	cutoff := now.Add(-p.cfg.GraceWindow)
	lapsed, err := p.accounts.ListDueForExpiry(cutoff)
	if err != nil {
		return stats, err
	}

	for i := range lapsed {
		account := lapsed[i]
		if err := p.ledger.DeactivatePlan(account.ID); err != nil {
			stats.Failed++
			log.Errorf("[Scheduler] Expiry failed for account %d: %v", account.ID, err)
			continue
		}
		stats.Processed++
		log.Infof("[Scheduler] Subscription expired for account %d (billing date %v)", account.ID, account.NextBillingDate)
	}

	return stats, nil
}

// RunReconcilePass polls the processor for payments that have been pending
// longer than the dead-letter window without any notification arriving.
// Settled outcomes are fed through the normal reconciler entry point. It also
// retries grants that failed after their payment had already settled, so a
// transient failure there heals on the next pass.
func (p *Passes) RunReconcilePass(ctx context.Context, now time.Time) (PassStats, error) {
	var stats PassStats

	repaired, failedRepairs, err := p.reconciler.RetryFailedGrants(ctx)
	if err != nil {
		stats.Failed++
		log.Errorf("[Scheduler] Grant repair sweep failed: %v", err)
	} else {
		stats.Processed += repaired
		stats.Failed += failedRepairs
		if repaired > 0 {
			log.Infof("[Scheduler] Grant repair sweep recovered %d payments", repaired)
		}
	}

	stale, err := p.payments.ListStalePending(now.Add(-p.cfg.DeadLetterWindow))
	if err != nil {
		return stats, err
	}

	for i := range stale {
		payment := stale[i]
		if payment.ProcessorReference == "" {
			stats.Skipped++
			continue
		}

		adapter, err := p.adapters.Get(payment.Processor)
		if err != nil {
			stats.Skipped++
			continue
		}
		querier, ok := adapter.(processor.StatusQuerier)
		if !ok {
			stats.Skipped++
			continue
		}

		outcome, err := querier.QueryStatus(ctx, payment.ProcessorReference)
		if err != nil {
			stats.Failed++
			log.Warnf("[Scheduler] Status query failed for payment %s: %v", payment.PublicID, err)
			continue
		}
		if outcome == nil {
			stats.Skipped++
			continue
		}

		n := processor.Notification{
			Processor: payment.Processor,
			Reference: payment.ProcessorReference,
			Outcome:   *outcome,
			EventID:   "poll:" + payment.PublicID,
		}
		if err := p.reconciler.HandleNotification(ctx, n, nil); err != nil {
			stats.Failed++
			log.Errorf("[Scheduler] Reconcile of payment %s failed: %v", payment.PublicID, err)
			continue
		}
		stats.Processed++
	}

	return stats, nil
}

// RunCleanupPass drops webhook events older than the dedup retention window.
func (p *Passes) RunCleanupPass(ctx context.Context, now time.Time) (PassStats, error) {
	_ = ctx
	var stats PassStats

	deleted, err := p.events.DeleteOlderThan(now.Add(-p.cfg.EventRetention))
	if err != nil {
		return stats, err
	}
	stats.Processed = int(deleted)
	if deleted > 0 {
		log.Infof("[Scheduler] Cleanup pass removed %d webhook events", deleted)
	}
	return stats, nil
}

// RunPass dispatches a pass by name, used by the cron trigger endpoint.
func (p *Passes) RunPass(ctx context.Context, name string, now time.Time) (PassStats, error) {
	switch name {
	case "rebill":
		return p.RunRebillPass(ctx, now)
	case "expire":
		return p.RunExpirePass(ctx, now)
	case "reconcile":
		return p.RunReconcilePass(ctx, now)
	case "cleanup":
		return p.RunCleanupPass(ctx, now)
	default:
		return PassStats{}, fmt.Errorf("unknown scheduler pass %q", name)
	}
}
