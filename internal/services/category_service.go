package services

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
)

// categoryService handles expense category business logic.
type categoryService struct {
	db *gorm.DB
}

// NewCategoryService creates a new CategoryServicer.
func NewCategoryService(db *gorm.DB) CategoryServicer {
	return &categoryService{db: db}
}

// CreateCategory creates a new category in the actor's company.
func (s *categoryService) CreateCategory(ctx context.Context, actor models.Actor, name, description string) (*models.ExpenseCategory, error) {
	if !actor.Role.CanManageRules() {
		return nil, apperrors.ErrForbidden
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "category name is required")
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&models.ExpenseCategory{}).
		Where("company_id = ? AND LOWER(name) = ?", actor.CompanyID, strings.ToLower(name)).
		Count(&count).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if count > 0 {
		return nil, apperrors.ErrDuplicateCategory
	}

	category := &models.ExpenseCategory{
		CompanyID:   actor.CompanyID,
		Name:        name,
		Description: description,
		IsActive:    true,
	}
	if err := db.Create(category).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return category, nil
}

// ListCategories returns the active categories of the actor's company.
func (s *categoryService) ListCategories(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.ExpenseCategory], error) {
	query := s.db.WithContext(ctx).Model(&models.ExpenseCategory{}).
		Where("company_id = ? AND is_active = ?", actor.CompanyID, true)
	resp, err := pagination.Find[models.ExpenseCategory](query, page, "name ASC")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &resp, nil
}

// GetCategory retrieves a category of the actor's company.
func (s *categoryService) GetCategory(ctx context.Context, actor models.Actor, id string) (*models.ExpenseCategory, error) {
	var category models.ExpenseCategory
	if err := s.db.WithContext(ctx).Where("id = ? AND company_id = ?", id, actor.CompanyID).First(&category).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCategoryNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &category, nil
}
