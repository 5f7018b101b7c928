package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(account *models.Account) error {
	return r.db.Create(account).Error
}

func (r *accountRepository) GetByID(id uint) (*models.Account, error) {
	var account models.Account
	err := r.db.First(&account, id).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByEmail(email string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("email = ?", email).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) GetByAPIKeyHash(hash string) (*models.Account, error) {
	var account models.Account
	err := r.db.Where("api_key_hash = ? AND api_key_hash != ''", hash).First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) Update(account *models.Account) error {
	return r.db.Save(account).Error
}

// AdjustBalance applies the delta in one guarded UPDATE so a concurrent
// consume can never drive the balance negative.
func (r *accountRepository) AdjustBalance(id uint, delta int64) (bool, error) {
	tx := r.db.Model(&models.Account{}).
		Where("id = ? AND credit_balance + ? >= 0", id, delta).
		Update("credit_balance", gorm.Expr("credit_balance + ?", delta))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// ActivatePlan flips the subscription fields and grants the plan's credits in
// one UPDATE. Either everything lands or nothing does, so a retry after a
// failure cannot extend the period without granting or vice versa.
func (r *accountRepository) ActivatePlan(id uint, planID uint, nextBillingDate time.Time, creditsGranted int64) error {
	tx := r.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"plan_id":               planID,
		"is_plan_active":        true,
		"next_billing_date":     &nextBillingDate,
		"last_rebill_failed_at": nil,
		"credit_balance":        gorm.Expr("credit_balance + ?", creditsGranted),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *accountRepository) DeactivatePlan(id uint) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_plan_active": false,
	}).Error
}

func (r *accountRepository) SetNextBillingDate(id uint, next time.Time) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).
		Update("next_billing_date", &next).Error
}

func (r *accountRepository) SetLastRebillFailed(id uint, at time.Time) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).
		Update("last_rebill_failed_at", &at).Error
}

func (r *accountRepository) SetPaymentMethodToken(id uint, token string) error {
	return r.db.Model(&models.Account{}).Where("id = ?", id).
		Update("payment_method_token", token).Error
}

func (r *accountRepository) ListDueForRebill(now time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Where("is_plan_active = ? AND next_billing_date IS NOT NULL AND next_billing_date <= ?", true, now).
		Order("next_billing_date ASC").
		Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) ListDueForExpiry(cutoff time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.
		Where("is_plan_active = ? AND next_billing_date IS NOT NULL AND next_billing_date < ?", true, cutoff).
		Order("next_billing_date ASC").
		Find(&accounts).Error
	return accounts, err
}
