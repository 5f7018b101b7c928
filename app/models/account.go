package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// Account is the billing identity. The credit balance and subscription flags
// are mutated exclusively by the ledger service; everything else reads.
// Accounts are soft-deleted only, payment history must stay resolvable.
type Account struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Email              string         `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Password           string         `gorm:"type:text" json:"-" validate:"required,min=6"`
	Status             string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	CreditBalance      int64          `gorm:"not null;default:0" json:"credit_balance"`
	PlanID             *uint          `gorm:"index" json:"plan_id,omitempty"`
	IsPlanActive       bool           `gorm:"not null;default:false;index:idx_accounts_active_billing,priority:1" json:"is_plan_active"`
	NextBillingDate    *time.Time     `gorm:"type:timestamp;default:null;index:idx_accounts_active_billing,priority:2" json:"next_billing_date,omitempty"`
	PaymentMethodToken string         `gorm:"type:varchar(191);default:''" json:"-"`
	LastRebillFailedAt *time.Time     `gorm:"type:timestamp;default:null" json:"-"`
	APIKeyHash         string         `gorm:"type:varchar(64);index" json:"-"`
	APIKeyPrefix       string         `gorm:"type:varchar(12)" json:"-"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

func CreateAccount(email string, password string) (*Account, error) {
	pw, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	a := &Account{
		Email:    email,
		Password: pw,
		Status:   STATUS_ACTIVE,
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}

	return a, nil
}

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)

	return string(bytes), err
}

// CheckPasswordHash compares the given password with the stored hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))

	return err == nil
}

// HashAPIKey returns the hex SHA-256 of an API key for storage and lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IssueAPIKey generates a fresh API key, stores only its hash and prefix on
// the account and returns the plaintext key once.
func (a *Account) IssueAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := "vx_" + hex.EncodeToString(raw)
	a.APIKeyHash = HashAPIKey(key)
	a.APIKeyPrefix = key[:12]
	return key, nil
}
