package models

import "time"

// Payment processors supported by the platform.
const (
	ProcessorCardnet     = "cardnet"     // card-network direct charge, may settle synchronously
	ProcessorRedirectPay = "redirectpay" // redirect subscription checkout, webhook-only
	ProcessorCoinPay     = "coinpay"     // crypto address notification, webhook-only
)

// Payment statuses. Transitions are monotonic: pending may become success or
// failed, success may become refunded, nothing else moves.
const (
	PaymentStatusPending  = "pending"
	PaymentStatusSuccess  = "success"
	PaymentStatusFailed   = "failed"
	PaymentStatusRefunded = "refunded"
)

// Payment is one charge attempt against a processor. The processor reference
// is empty until the processor assigns one; at most one pending payment may
// exist per (processor, reference) pair.
type Payment struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	PublicID           string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"public_id"`
	AccountID          uint       `gorm:"not null;index:idx_payments_account_status,priority:1" json:"account_id"`
	PlanID             uint       `gorm:"not null" json:"plan_id"`
	Processor          string     `gorm:"type:varchar(20);not null;index:ux_payments_processor_ref,unique,priority:1" json:"processor"`
	ProcessorReference string     `gorm:"type:varchar(191);default:null;index:ux_payments_processor_ref,unique,priority:2" json:"processor_reference,omitempty"`
	AmountCents        int64      `gorm:"not null" json:"amount_cents"`
	Status             string     `gorm:"type:varchar(16);not null;default:'pending';index:idx_payments_account_status,priority:2;index" json:"status"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	ResolvedAt         *time.Time `gorm:"type:timestamp;default:null" json:"resolved_at,omitempty"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the payment has reached a settled state.
func (p *Payment) IsTerminal() bool {
	return IsTerminalPaymentStatus(p.Status)
}

func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentStatusSuccess, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// IsValidProcessor reports whether name is a known processor enum value.
func IsValidProcessor(name string) bool {
	switch name {
	case ProcessorCardnet, ProcessorRedirectPay, ProcessorCoinPay:
		return true
	default:
		return false
	}
}
