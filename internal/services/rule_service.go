package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"expenseflow/internal/approval"
	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/uuid"
)

// ruleService handles approval rule administration and lookup.
type ruleService struct {
	db *gorm.DB
}

// NewRuleService creates a new RuleServicer.
func NewRuleService(db *gorm.DB) RuleServicer {
	return &ruleService{db: db}
}

// CreateRule validates and stores a new rule with its template steps.
func (s *ruleService) CreateRule(ctx context.Context, actor models.Actor, in RuleInput) (*models.ApprovalRule, error) {
	if !actor.Role.CanManageRules() {
		return nil, apperrors.ErrForbidden
	}

	var rule *models.ApprovalRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := validateRule(tx, actor.CompanyID, &in); err != nil {
			return err
		}
		id := uuid.New()
		rule = buildRule(actor.CompanyID, in)
		rule.ID = id
		rule.LineageID = id
		rule.Version = 1
		if err := tx.Create(rule).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules returns the company's rules, newest first.
func (s *ruleService) ListRules(ctx context.Context, actor models.Actor, activeOnly bool, page pagination.PageRequest) (*pagination.PageResponse[models.ApprovalRule], error) {
	if !actor.Role.CanManageRules() {
		return nil, apperrors.ErrForbidden
	}
	query := s.db.WithContext(ctx).Model(&models.ApprovalRule{}).
		Where("company_id = ?", actor.CompanyID)
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	resp, err := pagination.Find[models.ApprovalRule](query, page, "created_at DESC, id DESC", preloadSteps)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &resp, nil
}

// GetRule returns a rule of the actor's company with its steps. Superseded
// versions remain readable.
func (s *ruleService) GetRule(ctx context.Context, actor models.Actor, id string) (*models.ApprovalRule, error) {
	if !actor.Role.CanManageRules() {
		return nil, apperrors.ErrForbidden
	}
	return findRule(s.db.WithContext(ctx), actor.CompanyID, id)
}

// UpdateRule replaces an active rule with a new version. The old row is
// deactivated and linked to its successor; expenses already submitted keep
// evaluating against the version they were submitted under.
func (s *ruleService) UpdateRule(ctx context.Context, actor models.Actor, id string, in RuleInput) (*models.ApprovalRule, error) {
	if !actor.Role.CanManageRules() {
		return nil, apperrors.ErrForbidden
	}

	var next *models.ApprovalRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := findRule(tx, actor.CompanyID, id)
		if err != nil {
			return err
		}
		if !current.IsActive {
			return apperrors.ErrRuleSuperseded
		}
		if err := validateRule(tx, actor.CompanyID, &in); err != nil {
			return err
		}

		next = buildRule(actor.CompanyID, in)
		next.ID = uuid.New()
		next.LineageID = current.LineageID
		next.Version = current.Version + 1
		if err := tx.Create(next).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}

		res := tx.Model(&models.ApprovalRule{}).
			Where("id = ? AND is_active = ?", current.ID, true).
			Updates(map[string]interface{}{"is_active": false, "superseded_by_id": next.ID})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConcurrentModification
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// DeactivateRule takes a rule out of matching without creating a successor.
func (s *ruleService) DeactivateRule(ctx context.Context, actor models.Actor, id string) error {
	if !actor.Role.CanManageRules() {
		return apperrors.ErrForbidden
	}
	db := s.db.WithContext(ctx)
	rule, err := findRule(db, actor.CompanyID, id)
	if err != nil {
		return err
	}
	if !rule.IsActive {
		return nil
	}
	if err := db.Model(rule).Update("is_active", false).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

// MatchRule returns the active rule of the company governing amount.
func (s *ruleService) MatchRule(ctx context.Context, companyID string, amount decimal.Decimal) (*models.ApprovalRule, error) {
	var rules []models.ApprovalRule
	if err := s.db.WithContext(ctx).
		Preload("Steps", orderSteps).
		Where("company_id = ? AND is_active = ?", companyID, true).
		Find(&rules).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return approval.SelectRule(rules, amount)
}

func findRule(db *gorm.DB, companyID, id string) (*models.ApprovalRule, error) {
	var rule models.ApprovalRule
	if err := db.Preload("Steps", orderSteps).
		Where("id = ? AND company_id = ?", id, companyID).
		First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrRuleNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &rule, nil
}

func preloadSteps(db *gorm.DB) *gorm.DB {
	return db.Preload("Steps", orderSteps)
}

func orderSteps(db *gorm.DB) *gorm.DB {
	return db.Order("step_order ASC, id ASC")
}

func buildRule(companyID string, in RuleInput) *models.ApprovalRule {
	rule := &models.ApprovalRule{
		CompanyID:          companyID,
		Name:               strings.TrimSpace(in.Name),
		RuleType:           in.RuleType,
		MinAmountThreshold: in.MinAmountThreshold,
		MaxAmountThreshold: in.MaxAmountThreshold,
		ManagerFirst:       in.ManagerFirst,
		ApproversSequence:  in.ApproversSequence,
		IsActive:           true,
	}
	if in.RuleType.UsesPercentage() {
		rule.PercentageRequired = in.PercentageRequired
	}
	if in.RuleType.UsesSpecificApprover() {
		rule.SpecificApproverID = in.SpecificApproverID
	}
	if in.RuleType == models.RuleTypeHybrid {
		rule.IsHybrid = in.IsHybrid
	}
	for _, st := range in.Steps {
		rule.Steps = append(rule.Steps, models.ApprovalStep{
			StepOrder:    st.StepOrder,
			ApproverID:   st.ApproverID,
			ApproverRole: st.ApproverRole,
		})
	}
	return rule
}

// validateRule checks a rule's configuration against its type and the
// company's users.
func validateRule(db *gorm.DB, companyID string, in *RuleInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return apperrors.WithMessage(apperrors.ErrInvalidRule, "rule name is required")
	}
	switch in.RuleType {
	case models.RuleTypePercentage, models.RuleTypeSpecificApprover, models.RuleTypeHybrid:
	default:
		return apperrors.Withf(apperrors.ErrInvalidRule, "unknown rule type %q", in.RuleType)
	}

	if in.MinAmountThreshold.Valid && in.MinAmountThreshold.Decimal.IsNegative() {
		return apperrors.WithMessage(apperrors.ErrInvalidRule, "min_amount_threshold cannot be negative")
	}
	if in.MinAmountThreshold.Valid && in.MaxAmountThreshold.Valid &&
		in.MinAmountThreshold.Decimal.GreaterThan(in.MaxAmountThreshold.Decimal) {
		return apperrors.WithMessage(apperrors.ErrInvalidRule, "min_amount_threshold cannot exceed max_amount_threshold")
	}

	if in.RuleType.UsesPercentage() {
		if in.PercentageRequired == nil || *in.PercentageRequired < 1 || *in.PercentageRequired > 100 {
			return apperrors.WithMessage(apperrors.ErrInvalidRule, "percentage_required must be between 1 and 100")
		}
	}
	if in.RuleType.UsesSpecificApprover() {
		if in.SpecificApproverID == nil || *in.SpecificApproverID == "" {
			return apperrors.WithMessage(apperrors.ErrInvalidRule, "specific_approver_id is required for this rule type")
		}
		if _, err := activeCompanyUser(db, companyID, *in.SpecificApproverID,
			apperrors.WithMessage(apperrors.ErrInvalidRule, "specific approver must be an active user of the company")); err != nil {
			return err
		}
	}

	if in.RuleType == models.RuleTypePercentage && len(in.Steps) == 0 && !in.ManagerFirst {
		return apperrors.WithMessage(apperrors.ErrInvalidRule, "percentage rules need approver steps or manager_first")
	}

	seen := make(map[string]bool, len(in.Steps))
	for _, st := range in.Steps {
		if st.StepOrder < 1 {
			return apperrors.WithMessage(apperrors.ErrInvalidRule, "step_order must be at least 1")
		}
		key := fmt.Sprintf("%d/%s", st.StepOrder, st.ApproverID)
		if seen[key] {
			return apperrors.Withf(apperrors.ErrInvalidRule, "approver %s appears twice in step %d", st.ApproverID, st.StepOrder)
		}
		seen[key] = true
		if _, err := activeCompanyUser(db, companyID, st.ApproverID,
			apperrors.Withf(apperrors.ErrInvalidRule, "step approver %s must be an active user of the company", st.ApproverID)); err != nil {
			return err
		}
	}
	return nil
}
