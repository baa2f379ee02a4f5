package services

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

// companyService handles company-related business logic.
type companyService struct {
	db *gorm.DB
}

// NewCompanyService creates a new CompanyServicer.
func NewCompanyService(db *gorm.DB) CompanyServicer {
	return &companyService{db: db}
}

// Signup creates a company together with its first admin.
func (s *companyService) Signup(ctx context.Context, in SignupInput) (*models.Company, *models.User, error) {
	if strings.TrimSpace(in.CompanyName) == "" {
		return nil, nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "company name is required")
	}
	if in.Email == "" || in.Password == "" {
		return nil, nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "email and password are required")
	}
	if len(in.Currency) != 3 {
		return nil, nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "currency must be an ISO 4217 code")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	company := &models.Company{
		Name:     strings.TrimSpace(in.CompanyName),
		Country:  in.Country,
		Currency: strings.ToUpper(in.Currency),
	}
	admin := &models.User{
		Email:     strings.ToLower(in.Email),
		Password:  string(hashedPassword),
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Role:      models.RoleAdmin,
		IsActive:  true,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureEmailFree(tx, admin.Email); err != nil {
			return err
		}
		if err := tx.Create(company).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		admin.CompanyID = company.ID
		if err := tx.Create(admin).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return company, admin, nil
}

// GetCompany returns the actor's company.
func (s *companyService) GetCompany(ctx context.Context, actor models.Actor) (*models.Company, error) {
	var company models.Company
	if err := s.db.WithContext(ctx).First(&company, "id = ?", actor.CompanyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrCompanyNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &company, nil
}

// ensureEmailFree fails with ErrDuplicateEmail when any user, active or not, holds email.
func ensureEmailFree(db *gorm.DB, email string) error {
	var count int64
	if err := db.Model(&models.User{}).Unscoped().Where("email = ?", strings.ToLower(email)).Count(&count).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if count > 0 {
		return apperrors.ErrDuplicateEmail
	}
	return nil
}
