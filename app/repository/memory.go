package repository

import (
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
)

// In-memory repository implementations with the same conditional-update
// semantics as the GORM ones. Used by unit tests and local tooling that
// should not need a MySQL instance.

// MemoryAccountRepository is an in-memory AccountRepository.
type MemoryAccountRepository struct {
	mu       sync.Mutex
	nextID   uint
	accounts map[uint]*models.Account
}

func NewMemoryAccountRepository() *MemoryAccountRepository {
	return &MemoryAccountRepository{accounts: make(map[uint]*models.Account)}
}

func (r *MemoryAccountRepository) Create(account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	account.ID = r.nextID
	account.CreatedAt = time.Now()
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

func (r *MemoryAccountRepository) GetByID(id uint) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryAccountRepository) GetByEmail(email string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryAccountRepository) GetByAPIKeyHash(hash string) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.accounts {
		if a.APIKeyHash != "" && a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryAccountRepository) Update(account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[account.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *account
	r.accounts[account.ID] = &cp
	return nil
}

func (r *MemoryAccountRepository) AdjustBalance(id uint, delta int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return false, nil
	}
	if a.CreditBalance+delta < 0 {
		return false, nil
	}
	a.CreditBalance += delta
	return true, nil
}

func (r *MemoryAccountRepository) ActivatePlan(id uint, planID uint, nextBillingDate time.Time, creditsGranted int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	next := nextBillingDate
	a.PlanID = &planID
	a.IsPlanActive = true
	a.NextBillingDate = &next
	a.LastRebillFailedAt = nil
	a.CreditBalance += creditsGranted
	return nil
}

func (r *MemoryAccountRepository) DeactivatePlan(id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.IsPlanActive = false
	return nil
}

func (r *MemoryAccountRepository) SetNextBillingDate(id uint, next time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	n := next
	a.NextBillingDate = &n
	return nil
}

func (r *MemoryAccountRepository) SetLastRebillFailed(id uint, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t := at
	a.LastRebillFailedAt = &t
	return nil
}

func (r *MemoryAccountRepository) SetPaymentMethodToken(id uint, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	a.PaymentMethodToken = token
	return nil
}

func (r *MemoryAccountRepository) ListDueForRebill(now time.Time) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []models.Account
	for _, a := range r.accounts {
		if a.IsPlanActive && a.NextBillingDate != nil && !a.NextBillingDate.After(now) {
			due = append(due, *a)
		}
	}
	sortAccountsByNextBilling(due)
	return due, nil
}

func (r *MemoryAccountRepository) ListDueForExpiry(cutoff time.Time) ([]models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []models.Account
	for _, a := range r.accounts {
		if a.IsPlanActive && a.NextBillingDate != nil && a.NextBillingDate.Before(cutoff) {
			due = append(due, *a)
		}
	}
	sortAccountsByNextBilling(due)
	return due, nil
}

func sortAccountsByNextBilling(accounts []models.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].NextBillingDate.Before(*accounts[j].NextBillingDate)
	})
}

// MemoryPlanRepository is an in-memory PlanRepository.
type MemoryPlanRepository struct {
	mu     sync.Mutex
	nextID uint
	plans  map[uint]*models.Plan
	refs   []models.PlanProcessorRef
}

func NewMemoryPlanRepository() *MemoryPlanRepository {
	return &MemoryPlanRepository{plans: make(map[uint]*models.Plan)}
}

func (r *MemoryPlanRepository) Create(plan *models.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	plan.ID = r.nextID
	if plan.Version == 0 {
		plan.Version = 1
	}
	cp := *plan
	r.plans[plan.ID] = &cp
	return nil
}

func (r *MemoryPlanRepository) GetByID(id uint) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryPlanRepository) GetActiveByCode(code string) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.Plan
	for _, p := range r.plans {
		if p.Code != code || !p.IsActive {
			continue
		}
		if best == nil || p.Version > best.Version {
			best = p
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func (r *MemoryPlanRepository) ListActive() ([]models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []models.Plan
	for _, p := range r.plans {
		if p.IsActive {
			active = append(active, *p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Code != active[j].Code {
			return active[i].Code < active[j].Code
		}
		return active[i].Version > active[j].Version
	})
	return active, nil
}

func (r *MemoryPlanRepository) GetProcessorRef(planID uint, processor string) (*models.PlanProcessorRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.refs {
		if ref.PlanID == planID && ref.Processor == processor {
			cp := ref
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryPlanRepository) CreateProcessorRef(ref *models.PlanProcessorRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref.ID = uint(len(r.refs) + 1)
	r.refs = append(r.refs, *ref)
	return nil
}

// MemoryPaymentRepository is an in-memory PaymentRepository.
type MemoryPaymentRepository struct {
	mu       sync.Mutex
	nextID   uint
	payments map[uint]*models.Payment
}

func NewMemoryPaymentRepository() *MemoryPaymentRepository {
	return &MemoryPaymentRepository{payments: make(map[uint]*models.Payment)}
}

func (r *MemoryPaymentRepository) Create(payment *models.Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	payment.ID = r.nextID
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	cp := *payment
	r.payments[payment.ID] = &cp
	return nil
}

func (r *MemoryPaymentRepository) GetByID(id uint) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryPaymentRepository) GetByPublicID(publicID string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.PublicID == publicID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryPaymentRepository) FindByProcessorReference(processor, reference string) (*models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.Processor == processor && p.ProcessorReference == reference && reference != "" {
			cp := *p
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryPaymentRepository) AttachProcessorReference(id uint, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	p.ProcessorReference = reference
	return nil
}

func (r *MemoryPaymentRepository) MarkResolvedIfPending(id uint, status string, resolvedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != models.PaymentStatusPending {
		return false, nil
	}
	t := resolvedAt
	p.Status = status
	p.ResolvedAt = &t
	return true, nil
}

func (r *MemoryPaymentRepository) MarkRefundedIfSuccess(id uint, resolvedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[id]
	if !ok || p.Status != models.PaymentStatusSuccess {
		return false, nil
	}
	t := resolvedAt
	p.Status = models.PaymentStatusRefunded
	p.ResolvedAt = &t
	return true, nil
}

func (r *MemoryPaymentRepository) HasPendingForAccount(accountID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.AccountID == accountID && p.Status == models.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryPaymentRepository) HasPendingForPlan(accountID, planID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.AccountID == accountID && p.PlanID == planID && p.Status == models.PaymentStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryPaymentRepository) ListStalePending(olderThan time.Time) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []models.Payment
	for _, p := range r.payments {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(olderThan) {
			stale = append(stale, *p)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })
	return stale, nil
}

func (r *MemoryPaymentRepository) ListByAccount(accountID uint, limit int) ([]models.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []models.Payment
	for _, p := range r.payments {
		if p.AccountID == accountID {
			list = append(list, *p)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// MemoryWebhookEventRepository is an in-memory WebhookEventRepository.
type MemoryWebhookEventRepository struct {
	mu     sync.Mutex
	nextID uint
	events map[string]*models.WebhookEvent
}

func NewMemoryWebhookEventRepository() *MemoryWebhookEventRepository {
	return &MemoryWebhookEventRepository{events: make(map[string]*models.WebhookEvent)}
}

func webhookEventKey(processor, eventKey string) string {
	return processor + "\x00" + eventKey
}

func (r *MemoryWebhookEventRepository) CreateIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := webhookEventKey(event.Processor, event.EventKey)
	if existing, ok := r.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	r.nextID++
	event.ID = r.nextID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	r.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (r *MemoryWebhookEventRepository) MarkProcessed(id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (r *MemoryWebhookEventRepository) ListFailedEvents(limit int) ([]models.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []models.WebhookEvent
	for _, e := range r.events {
		if e.ProcessingError != "" {
			failed = append(failed, *e)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

func (r *MemoryWebhookEventRepository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key, e := range r.events {
		if e.CreatedAt.Before(cutoff) {
			delete(r.events, key)
			deleted++
		}
	}
	return deleted, nil
}
