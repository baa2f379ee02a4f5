package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
)

// recentTeamExpenses caps the expense list on the team dashboard.
const recentTeamExpenses = 20

// expenseService handles expense filing and retrieval.
type expenseService struct {
	db *gorm.DB
}

// NewExpenseService creates a new ExpenseServicer.
func NewExpenseService(db *gorm.DB) ExpenseServicer {
	return &expenseService{db: db}
}

// CreateExpense files a pending expense for the actor. An expense in a
// foreign currency needs an exchange rate into the company currency.
func (s *expenseService) CreateExpense(ctx context.Context, actor models.Actor, in ExpenseInput) (*models.Expense, error) {
	currency, err := validateExpenseInput(in)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	now := time.Now().UTC()
	expense := &models.Expense{
		CompanyID:   actor.CompanyID,
		EmployeeID:  actor.UserID,
		Status:      models.ExpenseStatusPending,
		Version:     1,
		SubmittedAt: now,
	}
	if err := applyExpenseInput(db, expense, in, currency, now); err != nil {
		return nil, err
	}

	if err := db.Create(expense).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return expense, nil
}

// UpdateExpense replaces the filed details of a pending expense. Only the
// owner or an admin may edit it, and only until it is submitted.
func (s *expenseService) UpdateExpense(ctx context.Context, actor models.Actor, id string, in ExpenseInput) (*models.Expense, error) {
	currency, err := validateExpenseInput(in)
	if err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx)
	expense, err := loadEditableExpense(db, actor, id)
	if err != nil {
		return nil, err
	}
	version := expense.Version
	if err := applyExpenseInput(db, expense, in, currency, time.Now().UTC()); err != nil {
		return nil, err
	}

	res := db.Model(&models.Expense{}).
		Where("id = ? AND status = ? AND version = ?", expense.ID, models.ExpenseStatusPending, version).
		Updates(map[string]interface{}{
			"category_id":                expense.CategoryID,
			"amount":                     expense.Amount,
			"currency":                   expense.Currency,
			"exchange_rate":              expense.ExchangeRate,
			"amount_in_company_currency": expense.AmountInCompanyCurrency,
			"description":                expense.Description,
			"merchant_name":              expense.MerchantName,
			"expense_date":               expense.ExpenseDate,
			"version":                    version + 1,
		})
	if res.Error != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ErrConcurrentModification
	}

	return s.GetExpense(ctx, actor, expense.ID)
}

// DeleteExpense soft deletes a pending expense. The same owner-or-admin
// restriction as UpdateExpense applies.
func (s *expenseService) DeleteExpense(ctx context.Context, actor models.Actor, id string) error {
	db := s.db.WithContext(ctx)
	expense, err := loadEditableExpense(db, actor, id)
	if err != nil {
		return err
	}

	res := db.Where("id = ? AND status = ? AND version = ?", expense.ID, models.ExpenseStatusPending, expense.Version).
		Delete(&models.Expense{})
	if res.Error != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.ErrConcurrentModification
	}
	return nil
}

// TeamDashboard summarizes the actor's active direct reports and their
// expenses. Approved this month counts expenses finalized since the first of
// the current UTC month.
func (s *expenseService) TeamDashboard(ctx context.Context, actor models.Actor) (*TeamDashboard, error) {
	if !actor.Role.CanViewTeamExpenses() {
		return nil, apperrors.ErrForbidden
	}

	db := s.db.WithContext(ctx)
	dash := &TeamDashboard{TeamMembers: []models.User{}, RecentExpenses: []models.Expense{}}

	if err := db.Where("company_id = ? AND manager_id = ? AND is_active = ?", actor.CompanyID, actor.UserID, true).
		Order("last_name ASC, first_name ASC").
		Find(&dash.TeamMembers).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	dash.Stats.TeamMembersCount = len(dash.TeamMembers)

	teamQuery := func() *gorm.DB {
		return db.Model(&models.Expense{}).
			Where("company_id = ? AND employee_id IN (?)", actor.CompanyID, directReports(db, actor))
	}

	var all []models.Expense
	if err := teamQuery().
		Select("id", "status", "amount", "amount_in_company_currency", "finalized_at").
		Find(&all).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	total := decimal.Zero
	for i := range all {
		e := &all[i]
		total = total.Add(e.ApprovalAmount())
		switch e.Status {
		case models.ExpenseStatusPending:
			dash.Stats.Unsubmitted++
		case models.ExpenseStatusInProgress:
			dash.Stats.PendingApprovals++
		case models.ExpenseStatusApproved:
			if e.FinalizedAt != nil && !e.FinalizedAt.Before(monthStart) {
				dash.Stats.ApprovedThisMonth++
			}
		}
	}
	dash.Stats.TotalTeamExpenses = total

	if err := preloadExpenseRefs(teamQuery()).
		Order("submitted_at DESC, id DESC").
		Limit(recentTeamExpenses).
		Find(&dash.RecentExpenses).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	return dash, nil
}

// validateExpenseInput checks the filed fields and returns the normalized
// currency code.
func validateExpenseInput(in ExpenseInput) (string, error) {
	if !in.Amount.IsPositive() {
		return "", apperrors.WithMessage(apperrors.ErrInvalidInput, "amount must be greater than zero")
	}
	if strings.TrimSpace(in.Description) == "" {
		return "", apperrors.WithMessage(apperrors.ErrInvalidInput, "description is required")
	}
	currency := strings.ToUpper(in.Currency)
	if len(currency) != 3 {
		return "", apperrors.WithMessage(apperrors.ErrInvalidInput, "currency must be an ISO 4217 code")
	}
	return currency, nil
}

// applyExpenseInput copies in onto expense, checking the category and
// converting into the company currency.
func applyExpenseInput(db *gorm.DB, expense *models.Expense, in ExpenseInput, currency string, now time.Time) error {
	var company models.Company
	if err := db.First(&company, "id = ?", expense.CompanyID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrCompanyNotFound
		}
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	if in.CategoryID != nil {
		var count int64
		if err := db.Model(&models.ExpenseCategory{}).
			Where("id = ? AND company_id = ? AND is_active = ?", *in.CategoryID, expense.CompanyID, true).
			Count(&count).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if count == 0 {
			return apperrors.ErrCategoryNotFound
		}
	}

	expense.CategoryID = in.CategoryID
	expense.Amount = in.Amount.Round(2)
	expense.Currency = currency
	expense.Description = strings.TrimSpace(in.Description)
	expense.MerchantName = in.MerchantName
	expense.ExpenseDate = in.ExpenseDate
	if expense.ExpenseDate.IsZero() {
		expense.ExpenseDate = now
	}

	expense.ExchangeRate = decimal.NullDecimal{}
	expense.AmountInCompanyCurrency = decimal.NullDecimal{}
	if currency != company.Currency {
		if !in.ExchangeRate.Valid || !in.ExchangeRate.Decimal.IsPositive() {
			return apperrors.Withf(apperrors.ErrInvalidInput, "exchange_rate into %s is required for %s expenses", company.Currency, currency)
		}
		expense.ExchangeRate = in.ExchangeRate
		expense.AmountInCompanyCurrency.Valid = true
		expense.AmountInCompanyCurrency.Decimal = expense.Amount.Mul(in.ExchangeRate.Decimal).Round(2)
	}
	return nil
}

// loadEditableExpense loads an expense the actor may change. Expenses the
// actor cannot see are reported as not found.
func loadEditableExpense(db *gorm.DB, actor models.Actor, id string) (*models.Expense, error) {
	expense, err := loadExpense(db, actor.CompanyID, id)
	if err != nil {
		return nil, err
	}

	if expense.EmployeeID != actor.UserID && actor.Role != models.RoleAdmin {
		visible, err := canViewExpense(db, actor, expense)
		if err != nil {
			return nil, err
		}
		if !visible {
			return nil, apperrors.ErrExpenseNotFound
		}
		return nil, apperrors.WithMessage(apperrors.ErrForbidden, "Only the owner or an admin can change an expense")
	}

	switch {
	case expense.Status.IsTerminal():
		return nil, apperrors.ErrExpenseFinalized
	case expense.Status != models.ExpenseStatusPending:
		return nil, apperrors.ErrExpenseNotEditable
	}
	return expense, nil
}

func directReports(db *gorm.DB, actor models.Actor) *gorm.DB {
	return db.Model(&models.User{}).Select("id").Where("company_id = ? AND manager_id = ?", actor.CompanyID, actor.UserID)
}

// GetExpense retrieves an expense visible to the actor.
func (s *expenseService) GetExpense(ctx context.Context, actor models.Actor, id string) (*models.Expense, error) {
	db := s.db.WithContext(ctx)

	var expense models.Expense
	if err := db.Preload("Employee").Preload("Category").
		Where("id = ? AND company_id = ?", id, actor.CompanyID).
		First(&expense).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrExpenseNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	visible, err := canViewExpense(db, actor, &expense)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, apperrors.ErrExpenseNotFound
	}
	return &expense, nil
}

// ListExpenses returns the expenses the actor may see: the whole company for
// admins, own and direct reports' for managers, own for employees.
func (s *expenseService) ListExpenses(ctx context.Context, actor models.Actor, filter ExpenseFilter, page pagination.PageRequest) (*pagination.PageResponse[models.Expense], error) {
	db := s.db.WithContext(ctx)
	query := db.Model(&models.Expense{}).Where("company_id = ?", actor.CompanyID)

	switch {
	case actor.Role.CanViewCompanyExpenses():
	case actor.Role.CanViewTeamExpenses():
		query = query.Where("employee_id = ? OR employee_id IN (?)", actor.UserID, directReports(db, actor))
	default:
		query = query.Where("employee_id = ?", actor.UserID)
	}

	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.EmployeeID != nil {
		query = query.Where("employee_id = ?", *filter.EmployeeID)
	}

	resp, err := pagination.Find[models.Expense](query, page, "submitted_at DESC, id DESC", preloadExpenseRefs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &resp, nil
}

func preloadExpenseRefs(db *gorm.DB) *gorm.DB {
	return db.Preload("Employee").Preload("Category")
}

// canViewExpense reports whether actor may read e: its owner, a company
// admin, the owner's direct manager, or a member of its approval plan.
func canViewExpense(db *gorm.DB, actor models.Actor, e *models.Expense) (bool, error) {
	if e.CompanyID != actor.CompanyID {
		return false, nil
	}
	if e.EmployeeID == actor.UserID || actor.Role.CanViewCompanyExpenses() {
		return true, nil
	}

	var count int64
	if actor.Role.CanViewTeamExpenses() {
		if err := db.Model(&models.User{}).
			Where("id = ? AND manager_id = ?", e.EmployeeID, actor.UserID).
			Count(&count).Error; err != nil {
			return false, apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		if count > 0 {
			return true, nil
		}
	}

	if err := db.Model(&models.ExpenseApproval{}).
		Where("expense_id = ? AND approver_id = ?", e.ID, actor.UserID).
		Count(&count).Error; err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return count > 0, nil
}
