package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
)

// paymentRepository implements the PaymentRepository interface
type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new payment repository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *paymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.First(&payment, id).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) GetByPublicID(publicID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("public_id = ?", publicID).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) FindByProcessorReference(processor, reference string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("processor = ? AND processor_reference = ?", processor, reference).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *paymentRepository) AttachProcessorReference(id uint, reference string) error {
	return r.db.Model(&models.Payment{}).Where("id = ?", id).
		Update("processor_reference", reference).Error
}

// MarkResolvedIfPending is the single conditional update that settles a
// payment. Two concurrent deliveries race here and exactly one wins.
func (r *paymentRepository) MarkResolvedIfPending(id uint, status string, resolvedAt time.Time) (bool, error) {
	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusPending).
		Updates(map[string]interface{}{
			"status":      status,
			"resolved_at": &resolvedAt,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *paymentRepository) MarkRefundedIfSuccess(id uint, resolvedAt time.Time) (bool, error) {
	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ?", id, models.PaymentStatusSuccess).
		Updates(map[string]interface{}{
			"status":      models.PaymentStatusRefunded,
			"resolved_at": &resolvedAt,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *paymentRepository) HasPendingForAccount(accountID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.Payment{}).
		Where("account_id = ? AND status = ?", accountID, models.PaymentStatusPending).
		Count(&count).Error
	return count > 0, err
}

func (r *paymentRepository) HasPendingForPlan(accountID, planID uint) (bool, error) {
	var count int64
	err := r.db.Model(&models.Payment{}).
		Where("account_id = ? AND plan_id = ? AND status = ?", accountID, planID, models.PaymentStatusPending).
		Count(&count).Error
	return count > 0, err
}

func (r *paymentRepository) ListStalePending(olderThan time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.
		Where("status = ? AND created_at < ?", models.PaymentStatusPending, olderThan).
		Order("created_at ASC").
		Find(&payments).Error
	return payments, err
}

func (r *paymentRepository) ListByAccount(accountID uint, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	q := r.db.Where("account_id = ?", accountID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&payments).Error
	return payments, err
}
