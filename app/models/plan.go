package models

import "time"

// Plan is a purchasable credits tier. Rows are immutable once referenced by a
// payment: price or grant changes create a new row with a bumped Version and
// the old row is flagged inactive.
type Plan struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Code           string    `gorm:"type:varchar(50);not null;index:ux_plans_code_version,unique,priority:1" json:"code"`
	Version        int       `gorm:"not null;default:1;index:ux_plans_code_version,unique,priority:2" json:"version"`
	PriceCents     int64     `gorm:"not null" json:"price_cents"`
	Currency       string    `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	CreditsGranted int64     `gorm:"not null" json:"credits_granted"`
	ValidityDays   int       `gorm:"not null" json:"validity_days"`
	IsRecurring    bool      `gorm:"not null;default:false" json:"is_recurring"`
	IsActive       bool      `gorm:"not null;default:true;index" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Validity returns the plan period as a duration.
func (p *Plan) Validity() time.Duration {
	return time.Duration(p.ValidityDays) * 24 * time.Hour
}

// PlanProcessorRef maps a plan to the processor-side plan identifier that the
// processor expects when a charge for this plan is initiated.
type PlanProcessorRef struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	PlanID          uint      `gorm:"not null;index:ux_plan_processor_refs,unique,priority:1" json:"plan_id"`
	Processor       string    `gorm:"type:varchar(20);not null;index:ux_plan_processor_refs,unique,priority:2" json:"processor"`
	ProcessorPlanID string    `gorm:"type:varchar(191);not null" json:"processor_plan_id"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
