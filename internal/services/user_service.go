package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"expenseflow/internal/approval"
	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/logger"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
)

// DefaultLoginPolicy locks an account for 15 minutes after 5 failed logins.
var DefaultLoginPolicy = LoginPolicy{MaxFailedAttempts: 5, LockoutDuration: 15 * time.Minute}

// userService handles user-related business logic.
type userService struct {
	db     *gorm.DB
	policy LoginPolicy
}

// NewUserService creates a new UserServicer.
func NewUserService(db *gorm.DB, policy LoginPolicy) UserServicer {
	if policy.MaxFailedAttempts <= 0 {
		policy.MaxFailedAttempts = DefaultLoginPolicy.MaxFailedAttempts
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = DefaultLoginPolicy.LockoutDuration
	}
	return &userService{db: db, policy: policy}
}

// CreateUser adds a user to the actor's company.
func (s *userService) CreateUser(ctx context.Context, actor models.Actor, in CreateUserInput) (*models.User, error) {
	if !actor.Role.CanManageUsers() {
		return nil, apperrors.ErrForbidden
	}
	if in.Email == "" || in.Password == "" {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "email and password are required")
	}
	role := in.Role
	if role == "" {
		role = models.RoleEmployee
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "unknown role")
	}

	db := s.db.WithContext(ctx)
	if in.ManagerID != nil {
		if _, err := activeCompanyUser(db, actor.CompanyID, *in.ManagerID, apperrors.ErrInvalidManager); err != nil {
			return nil, err
		}
	}
	if err := ensureEmailFree(db, in.Email); err != nil {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	user := &models.User{
		CompanyID:         actor.CompanyID,
		Email:             strings.ToLower(in.Email),
		Password:          string(hashedPassword),
		FirstName:         in.FirstName,
		LastName:          in.LastName,
		Role:              role,
		ManagerID:         in.ManagerID,
		IsManagerApprover: in.IsManagerApprover,
		IsActive:          true,
	}
	if err := db.Create(user).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return user, nil
}

// GetUserByID retrieves a user by ID
func (s *userService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &user, nil
}

// GetProfile returns the actor's own user record.
func (s *userService) GetProfile(ctx context.Context, actor models.Actor) (*models.User, error) {
	return companyUser(s.db.WithContext(ctx), actor.CompanyID, actor.UserID)
}

// ListUsers returns the users of the actor's company.
func (s *userService) ListUsers(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.User], error) {
	if !actor.Role.CanManageUsers() {
		return nil, apperrors.ErrForbidden
	}
	query := s.db.WithContext(ctx).Model(&models.User{}).Where("company_id = ?", actor.CompanyID)
	resp, err := pagination.Find[models.User](query, page, "created_at ASC")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &resp, nil
}

// UpdateRole changes a user's role. The last active admin cannot be demoted.
func (s *userService) UpdateRole(ctx context.Context, actor models.Actor, userID string, role models.Role) (*models.User, error) {
	if !actor.Role.CanManageUsers() {
		return nil, apperrors.ErrForbidden
	}
	if _, ok := models.ParseRole(string(role)); !ok {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "unknown role")
	}

	var user *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		user, err = companyUser(tx, actor.CompanyID, userID)
		if err != nil {
			return err
		}
		if user.Role == models.RoleAdmin && role != models.RoleAdmin && user.IsActive {
			if err := ensureOtherAdmin(tx, actor.CompanyID, user.ID); err != nil {
				return err
			}
		}
		if err := tx.Model(user).Update("role", role).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		user.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SetManager changes a user's reporting line. A nil managerID clears it.
// The change is rejected when it would make the reporting line cyclic.
func (s *userService) SetManager(ctx context.Context, actor models.Actor, userID string, managerID *string, isManagerApprover *bool) (*models.User, error) {
	if !actor.Role.CanManageUsers() {
		return nil, apperrors.ErrForbidden
	}

	var user *models.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dir, err := loadDirectory(tx, actor.CompanyID)
		if err != nil {
			return err
		}
		var ok bool
		if user, ok = dir[userID]; !ok {
			return apperrors.ErrUserNotFound
		}

		if managerID != nil {
			if *managerID == userID {
				return apperrors.WithMessage(apperrors.ErrManagerCycle, "A user cannot manage themselves")
			}
			mgr, ok := dir[*managerID]
			if !ok || !mgr.IsActive {
				return apperrors.ErrInvalidManager
			}
		}

		user.ManagerID = managerID
		if _, err := dir.Chain(userID); err != nil {
			return err
		}

		updates := map[string]interface{}{"manager_id": managerID}
		if isManagerApprover != nil {
			user.IsManagerApprover = *isManagerApprover
			updates["is_manager_approver"] = *isManagerApprover
		}
		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(updates).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// DeactivateUser disables a user and revokes its refresh token. The last
// active admin cannot be deactivated.
func (s *userService) DeactivateUser(ctx context.Context, actor models.Actor, userID string) error {
	if !actor.Role.CanManageUsers() {
		return apperrors.ErrForbidden
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := companyUser(tx, actor.CompanyID, userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return nil
		}
		if user.Role == models.RoleAdmin {
			if err := ensureOtherAdmin(tx, actor.CompanyID, user.ID); err != nil {
				return err
			}
		}
		if err := tx.Model(user).Updates(map[string]interface{}{
			"is_active":          false,
			"refresh_token_hash": "",
		}).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
}

// AttemptLogin verifies credentials, applying the lockout policy.
// Unknown and inactive users get the same error as a wrong password.
func (s *userService) AttemptLogin(ctx context.Context, email, password string) (*models.User, error) {
	db := s.db.WithContext(ctx)

	var user models.User
	if err := db.Where("email = ? AND is_active = ?", strings.ToLower(email), true).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	now := time.Now()
	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, apperrors.ErrAccountLocked
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		attempts := user.FailedLoginAttempts + 1
		updates := map[string]interface{}{"failed_login_attempts": attempts}
		if attempts >= s.policy.MaxFailedAttempts {
			updates["failed_login_attempts"] = 0
			updates["locked_until"] = now.Add(s.policy.LockoutDuration)
			logger.Get().Warnw("account locked after failed logins", "user_id", user.ID, "attempts", attempts)
		}
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil, apperrors.ErrInvalidCredentials
	}

	if err := db.Model(&user).Updates(map[string]interface{}{
		"failed_login_attempts": 0,
		"locked_until":          nil,
		"last_login_at":         now,
	}).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &user, nil
}

// StoreRefreshTokenHash saves the hash of the user's current refresh token.
func (s *userService) StoreRefreshTokenHash(ctx context.Context, userID, tokenHash string) error {
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Update("refresh_token_hash", tokenHash).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

// GetRefreshTokenHash returns the stored refresh token hash of an active user.
func (s *userService) GetRefreshTokenHash(ctx context.Context, userID string) (string, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Select("refresh_token_hash").Where("id = ? AND is_active = ?", userID, true).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperrors.ErrUserNotFound
		}
		return "", apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return user.RefreshTokenHash, nil
}

// LoadDirectory returns every user of a company, inactive ones included.
func (s *userService) LoadDirectory(ctx context.Context, companyID string) (approval.Directory, error) {
	return loadDirectory(s.db.WithContext(ctx), companyID)
}

func loadDirectory(db *gorm.DB, companyID string) (approval.Directory, error) {
	var users []models.User
	if err := db.Where("company_id = ?", companyID).Find(&users).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return approval.NewDirectory(users), nil
}

func companyUser(db *gorm.DB, companyID, userID string) (*models.User, error) {
	var user models.User
	if err := db.Where("id = ? AND company_id = ?", userID, companyID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &user, nil
}

// activeCompanyUser loads an active user of the company, failing with notFound otherwise.
func activeCompanyUser(db *gorm.DB, companyID, userID string, notFound *apperrors.AppError) (*models.User, error) {
	var user models.User
	err := db.Where("id = ? AND company_id = ? AND is_active = ?", userID, companyID, true).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &user, nil
}

func ensureOtherAdmin(db *gorm.DB, companyID, exceptUserID string) error {
	var count int64
	if err := db.Model(&models.User{}).
		Where("company_id = ? AND role = ? AND is_active = ? AND id <> ?", companyID, models.RoleAdmin, true, exceptUserID).
		Count(&count).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if count == 0 {
		return apperrors.ErrLastAdmin
	}
	return nil
}
