package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"expenseflow/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// TestPassword is the plain-text password of every fixture user.
const TestPassword = "password123"

// counter provides unique values across fixtures within a test run.
var counter atomic.Int64

func nextID() int64 {
	return counter.Add(1)
}

// CreateTestCompany creates a company whose currency is USD.
func CreateTestCompany(t *testing.T, db *gorm.DB) *models.Company {
	t.Helper()

	company := &models.Company{
		Name:     fmt.Sprintf("Company %d", nextID()),
		Country:  "US",
		Currency: "USD",
	}
	if err := db.Create(company).Error; err != nil {
		t.Fatalf("failed to create test company: %v", err)
	}
	return company
}

// CreateTestUser creates an active user with a hashed password and unique email.
func CreateTestUser(t *testing.T, db *gorm.DB, companyID string, role models.Role) *models.User {
	t.Helper()
	email := fmt.Sprintf("user%d@test.com", nextID())
	return CreateTestUserWithEmail(t, db, companyID, role, email)
}

// CreateTestUserWithEmail creates an active user with the given email.
func CreateTestUserWithEmail(t *testing.T, db *gorm.DB, companyID string, role models.Role, email string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}

	user := &models.User{
		CompanyID: companyID,
		Email:     email,
		Password:  string(hash),
		FirstName: "Test",
		LastName:  fmt.Sprintf("User%d", nextID()),
		Role:      role,
		IsActive:  true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

// CreateTestReport creates an employee reporting to managerID.
func CreateTestReport(t *testing.T, db *gorm.DB, companyID, managerID string) *models.User {
	t.Helper()

	user := CreateTestUser(t, db, companyID, models.RoleEmployee)
	if err := db.Model(user).Update("manager_id", managerID).Error; err != nil {
		t.Fatalf("failed to set manager: %v", err)
	}
	user.ManagerID = &managerID
	return user
}

// Deactivate marks a user inactive.
func Deactivate(t *testing.T, db *gorm.DB, user *models.User) {
	t.Helper()

	if err := db.Model(user).Update("is_active", false).Error; err != nil {
		t.Fatalf("failed to deactivate user: %v", err)
	}
	user.IsActive = false
}

// CreateTestCategory creates an active expense category.
func CreateTestCategory(t *testing.T, db *gorm.DB, companyID string) *models.ExpenseCategory {
	t.Helper()

	category := &models.ExpenseCategory{
		CompanyID: companyID,
		Name:      fmt.Sprintf("Category %d", nextID()),
		IsActive:  true,
	}
	if err := db.Create(category).Error; err != nil {
		t.Fatalf("failed to create test category: %v", err)
	}
	return category
}

// RuleOption adjusts a fixture rule before it is stored.
type RuleOption func(*models.ApprovalRule)

// WithThresholds bounds the rule; an empty string leaves that end open.
func WithThresholds(min, max string) RuleOption {
	return func(r *models.ApprovalRule) {
		if min != "" {
			r.MinAmountThreshold = decimal.NewNullDecimal(decimal.RequireFromString(min))
		}
		if max != "" {
			r.MaxAmountThreshold = decimal.NewNullDecimal(decimal.RequireFromString(max))
		}
	}
}

// WithSteps sets the template; approvers[i] gets step order orders[i].
func WithSteps(orders []int, approvers ...string) RuleOption {
	return func(r *models.ApprovalRule) {
		for i, id := range approvers {
			r.Steps = append(r.Steps, models.ApprovalStep{StepOrder: orders[i], ApproverID: id})
		}
	}
}

// Sequential makes each distinct step order its own wave.
func Sequential() RuleOption {
	return func(r *models.ApprovalRule) { r.ApproversSequence = true }
}

// ManagerFirst routes the employee's manager first.
func ManagerFirst() RuleOption {
	return func(r *models.ApprovalRule) { r.ManagerFirst = true }
}

// WithSpecificApprover sets the designated approver.
func WithSpecificApprover(id string) RuleOption {
	return func(r *models.ApprovalRule) { r.SpecificApproverID = &id }
}

// WithPercentage sets the required percentage.
func WithPercentage(pct int) RuleOption {
	return func(r *models.ApprovalRule) { r.PercentageRequired = &pct }
}

// HybridOr combines hybrid conditions with OR.
func HybridOr() RuleOption {
	return func(r *models.ApprovalRule) { r.IsHybrid = true }
}

// CreateTestRule stores an active rule of the given type.
func CreateTestRule(t *testing.T, db *gorm.DB, companyID string, ruleType models.RuleType, opts ...RuleOption) *models.ApprovalRule {
	t.Helper()

	rule := &models.ApprovalRule{
		CompanyID: companyID,
		Name:      fmt.Sprintf("Rule %d", nextID()),
		RuleType:  ruleType,
		IsActive:  true,
		Version:   1,
	}
	for _, opt := range opts {
		opt(rule)
	}
	rule.BeforeCreate(db)
	rule.LineageID = rule.ID
	if err := db.Create(rule).Error; err != nil {
		t.Fatalf("failed to create test rule: %v", err)
	}
	return rule
}

// CreateTestExpense files a pending expense in the company currency.
func CreateTestExpense(t *testing.T, db *gorm.DB, companyID, employeeID, amount string) *models.Expense {
	t.Helper()

	now := time.Now().UTC()
	expense := &models.Expense{
		CompanyID:   companyID,
		EmployeeID:  employeeID,
		Amount:      decimal.RequireFromString(amount),
		Currency:    "USD",
		Description: fmt.Sprintf("Expense %d", nextID()),
		ExpenseDate: now,
		Status:      models.ExpenseStatusPending,
		Version:     1,
		SubmittedAt: now,
	}
	if err := db.Create(expense).Error; err != nil {
		t.Fatalf("failed to create test expense: %v", err)
	}
	return expense
}

// ActorFor returns the request actor of user.
func ActorFor(user *models.User) models.Actor {
	return models.Actor{UserID: user.ID, CompanyID: user.CompanyID, Role: user.Role}
}
