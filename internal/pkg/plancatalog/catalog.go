package plancatalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/voxnotehq/voxbill/app/models"
	"github.com/voxnotehq/voxbill/app/repository"
)

// Catalog is the process-wide, read-mostly view of purchasable plans.
// Loaded once at start, refreshed only through Invalidate when plans change;
// request handlers never mutate it.
type Catalog struct {
	plans repository.PlanRepository

	mu     sync.RWMutex
	byID   map[uint]models.Plan
	byCode map[string]models.Plan
	refs   map[string]string // "planID/processor" -> processor plan id
}

// New creates a catalog over the plan repository. Call Load before use.
func New(plans repository.PlanRepository) *Catalog {
	return &Catalog{
		plans:  plans,
		byID:   make(map[uint]models.Plan),
		byCode: make(map[string]models.Plan),
		refs:   make(map[string]string),
	}
}

// Load populates the cache from the repository.
func (c *Catalog) Load() error {
	active, err := c.plans.ListActive()
	if err != nil {
		return err
	}

	byID := make(map[uint]models.Plan, len(active))
	byCode := make(map[string]models.Plan, len(active))
	for _, p := range active {
		byID[p.ID] = p
		// ListActive orders by version descending per code, keep the first.
		if _, ok := byCode[p.Code]; !ok {
			byCode[p.Code] = p
		}
	}

	c.mu.Lock()
	c.byID = byID
	c.byCode = byCode
	c.refs = make(map[string]string)
	c.mu.Unlock()
	return nil
}

// Invalidate discards and reloads the cache after a plan change.
func (c *Catalog) Invalidate() error {
	return c.Load()
}

// GetByCode returns the newest active version of a plan code.
func (c *Catalog) GetByCode(code string) (*models.Plan, error) {
	c.mu.RLock()
	p, ok := c.byCode[code]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active plan with code %q", code)
	}
	cp := p
	return &cp, nil
}

// GetByID returns a cached plan by ID, falling back to the repository for
// older versions still referenced by payments.
func (c *Catalog) GetByID(id uint) (*models.Plan, error) {
	c.mu.RLock()
	p, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		cp := p
		return &cp, nil
	}
	return c.plans.GetByID(id)
}

// ListActive returns the newest active version of every plan code, ordered
// by code.
func (c *Catalog) ListActive() []models.Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make([]string, 0, len(c.byCode))
	for code := range c.byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]models.Plan, 0, len(codes))
	for _, code := range codes {
		out = append(out, c.byCode[code])
	}
	return out
}

// ProcessorRef resolves the processor-side plan identifier, caching lookups.
func (c *Catalog) ProcessorRef(planID uint, processorName string) (string, error) {
	key := fmt.Sprintf("%d/%s", planID, processorName)

	c.mu.RLock()
	ref, ok := c.refs[key]
	c.mu.RUnlock()
	if ok {
		return ref, nil
	}

	stored, err := c.plans.GetProcessorRef(planID, processorName)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.refs[key] = stored.ProcessorPlanID
	c.mu.Unlock()
	return stored.ProcessorPlanID, nil
}
