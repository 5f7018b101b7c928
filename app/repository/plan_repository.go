package repository

import (
	"gorm.io/gorm"

	"github.com/voxnotehq/voxbill/app/models"
)

// planRepository implements the PlanRepository interface
type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) Create(plan *models.Plan) error {
	return r.db.Create(plan).Error
}

func (r *planRepository) GetByID(id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.First(&plan, id).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetActiveByCode returns the newest active version of a plan code.
func (r *planRepository) GetActiveByCode(code string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.Where("code = ? AND is_active = ?", code, true).
		Order("version DESC").First(&plan).Error
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) ListActive() ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.Where("is_active = ?", true).Order("code ASC, version DESC").Find(&plans).Error
	return plans, err
}

func (r *planRepository) GetProcessorRef(planID uint, processor string) (*models.PlanProcessorRef, error) {
	var ref models.PlanProcessorRef
	err := r.db.Where("plan_id = ? AND processor = ?", planID, processor).First(&ref).Error
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (r *planRepository) CreateProcessorRef(ref *models.PlanProcessorRef) error {
	return r.db.Create(ref).Error
}
