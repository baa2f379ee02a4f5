package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"expenseflow/internal/approval"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
)

// ChangeRecorder receives every committed expense status transition.
// Errors are logged by the caller and never undo the transition.
type ChangeRecorder interface {
	Record(ctx context.Context, rec models.ChangeRecord) error
}

// SignupInput holds the data needed to open a company account.
type SignupInput struct {
	CompanyName string
	Country     string
	Currency    string
	Email       string
	Password    string
	FirstName   string
	LastName    string
}

// CompanyServicer defines the contract for company-related business logic.
type CompanyServicer interface {
	Signup(ctx context.Context, in SignupInput) (*models.Company, *models.User, error)
	GetCompany(ctx context.Context, actor models.Actor) (*models.Company, error)
}

// CreateUserInput holds the data for adding a user to the actor's company.
type CreateUserInput struct {
	Email             string
	Password          string
	FirstName         string
	LastName          string
	Role              models.Role
	ManagerID         *string
	IsManagerApprover bool
}

// LoginPolicy controls account lockout after repeated failed logins.
type LoginPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// UserServicer defines the contract for user-related business logic.
type UserServicer interface {
	CreateUser(ctx context.Context, actor models.Actor, in CreateUserInput) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetProfile(ctx context.Context, actor models.Actor) (*models.User, error)
	ListUsers(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.User], error)
	UpdateRole(ctx context.Context, actor models.Actor, userID string, role models.Role) (*models.User, error)
	SetManager(ctx context.Context, actor models.Actor, userID string, managerID *string, isManagerApprover *bool) (*models.User, error)
	DeactivateUser(ctx context.Context, actor models.Actor, userID string) error
	AttemptLogin(ctx context.Context, email, password string) (*models.User, error)
	StoreRefreshTokenHash(ctx context.Context, userID, tokenHash string) error
	GetRefreshTokenHash(ctx context.Context, userID string) (string, error)
	LoadDirectory(ctx context.Context, companyID string) (approval.Directory, error)
}

// CategoryServicer defines the contract for expense category business logic.
type CategoryServicer interface {
	CreateCategory(ctx context.Context, actor models.Actor, name, description string) (*models.ExpenseCategory, error)
	ListCategories(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.ExpenseCategory], error)
	GetCategory(ctx context.Context, actor models.Actor, id string) (*models.ExpenseCategory, error)
}

// RuleStepInput is one approver of a rule template.
type RuleStepInput struct {
	StepOrder    int
	ApproverID   string
	ApproverRole string
}

// RuleInput holds the configurable fields of an approval rule.
type RuleInput struct {
	Name               string
	RuleType           models.RuleType
	MinAmountThreshold decimal.NullDecimal
	MaxAmountThreshold decimal.NullDecimal
	PercentageRequired *int
	SpecificApproverID *string
	IsHybrid           bool
	ManagerFirst       bool
	ApproversSequence  bool
	Steps              []RuleStepInput
}

// RuleServicer defines the contract for approval rule administration and lookup.
type RuleServicer interface {
	CreateRule(ctx context.Context, actor models.Actor, in RuleInput) (*models.ApprovalRule, error)
	ListRules(ctx context.Context, actor models.Actor, activeOnly bool, page pagination.PageRequest) (*pagination.PageResponse[models.ApprovalRule], error)
	GetRule(ctx context.Context, actor models.Actor, id string) (*models.ApprovalRule, error)
	UpdateRule(ctx context.Context, actor models.Actor, id string, in RuleInput) (*models.ApprovalRule, error)
	DeactivateRule(ctx context.Context, actor models.Actor, id string) error
	MatchRule(ctx context.Context, companyID string, amount decimal.Decimal) (*models.ApprovalRule, error)
}

// ExpenseInput holds the data an employee files for an expense.
type ExpenseInput struct {
	CategoryID   *string
	Amount       decimal.Decimal
	Currency     string
	ExchangeRate decimal.NullDecimal
	Description  string
	MerchantName string
	ExpenseDate  time.Time
}

// ExpenseFilter holds optional filter parameters for listing expenses.
type ExpenseFilter struct {
	Status     *models.ExpenseStatus
	EmployeeID *string
}

// ExpenseServicer defines the contract for expense-related business logic.
type ExpenseServicer interface {
	CreateExpense(ctx context.Context, actor models.Actor, in ExpenseInput) (*models.Expense, error)
	GetExpense(ctx context.Context, actor models.Actor, id string) (*models.Expense, error)
	ListExpenses(ctx context.Context, actor models.Actor, filter ExpenseFilter, page pagination.PageRequest) (*pagination.PageResponse[models.Expense], error)
	UpdateExpense(ctx context.Context, actor models.Actor, id string, in ExpenseInput) (*models.Expense, error)
	DeleteExpense(ctx context.Context, actor models.Actor, id string) error
	TeamDashboard(ctx context.Context, actor models.Actor) (*TeamDashboard, error)
}

// TeamStats summarizes the expenses of a manager's direct reports.
type TeamStats struct {
	TeamMembersCount  int             `json:"team_members_count"`
	Unsubmitted       int64           `json:"unsubmitted"`
	PendingApprovals  int64           `json:"pending_approvals"`
	ApprovedThisMonth int64           `json:"approved_this_month"`
	TotalTeamExpenses decimal.Decimal `json:"total_team_expenses"`
}

// TeamDashboard is a manager's overview of their direct reports.
type TeamDashboard struct {
	TeamMembers    []models.User    `json:"team_members"`
	RecentExpenses []models.Expense `json:"recent_expenses"`
	Stats          TeamStats        `json:"stats"`
}

// SubmitResult is the outcome of submitting an expense for approval.
type SubmitResult struct {
	ExpenseID       string               `json:"expense_id"`
	Status          models.ExpenseStatus `json:"status"`
	ApprovalRuleID  *string              `json:"approval_rule_id,omitempty"`
	Plan            approval.Plan        `json:"plan,omitempty"`
	ActiveApprovers []string             `json:"active_approvers"`
}

// ActionInput is one approver decision. ExpectedVersion, when set, must match
// the expense version the caller last read.
type ActionInput struct {
	ExpenseID       string
	ApproverID      string
	Action          models.ApprovalAction
	Comments        string
	ExpectedVersion *int
}

// ActionResult is the expense state after an action. NextApprovers is nil
// once the expense is terminal.
type ActionResult struct {
	ExpenseID     string               `json:"expense_id"`
	Status        models.ExpenseStatus `json:"status"`
	CurrentWave   int                  `json:"current_wave"`
	Version       int                  `json:"version"`
	NextApprovers []string             `json:"next_approvers"`
}

// ApprovalState is the read model of an expense's approval progress.
type ApprovalState struct {
	ExpenseID       string                   `json:"expense_id"`
	Status          models.ExpenseStatus     `json:"status"`
	ApprovalRuleID  *string                  `json:"approval_rule_id,omitempty"`
	CurrentWave     int                      `json:"current_wave"`
	WaveCount       int                      `json:"wave_count"`
	Version         int                      `json:"version"`
	ActiveApprovers []string                 `json:"active_approvers"`
	History         []models.ExpenseApproval `json:"history"`
}

// ApprovalOptions configures the approval workflow.
type ApprovalOptions struct {
	// AutoApproveWithoutRule approves expenses no rule covers.
	AutoApproveWithoutRule bool
	Recorders              []ChangeRecorder
	Clock                  func() time.Time
}

// ApprovalServicer defines the contract for the expense approval workflow.
type ApprovalServicer interface {
	SubmitExpense(ctx context.Context, actor models.Actor, expenseID string) (*SubmitResult, error)
	RecordApprovalAction(ctx context.Context, actor models.Actor, in ActionInput) (*ActionResult, error)
	GetApprovalState(ctx context.Context, actor models.Actor, expenseID string) (*ApprovalState, error)
	PendingApprovals(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.ExpenseApproval], error)
	ResolveManually(ctx context.Context, actor models.Actor, expenseID string, action models.ApprovalAction, comments string) (*ActionResult, error)
}

// AuditServicer defines the contract for audit logging.
type AuditServicer interface {
	ChangeRecorder
	Log(actor models.Actor, action, entityType, entityID, ipAddress string, changes map[string]interface{})
}
