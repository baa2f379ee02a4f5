package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExpenseStatus is the workflow state of an expense.
type ExpenseStatus string

const (
	ExpenseStatusPending    ExpenseStatus = "pending"
	ExpenseStatusInProgress ExpenseStatus = "in_progress"
	ExpenseStatusApproved   ExpenseStatus = "approved"
	ExpenseStatusRejected   ExpenseStatus = "rejected"
)

// IsTerminal reports whether no further approval actions are accepted.
func (s ExpenseStatus) IsTerminal() bool {
	return s == ExpenseStatusApproved || s == ExpenseStatusRejected
}

// Expense is a reimbursement claim submitted by an employee.
type Expense struct {
	Base
	CompanyID               string              `gorm:"type:uuid;not null;index" json:"company_id"`
	EmployeeID              string              `gorm:"type:uuid;not null;index" json:"employee_id"`
	CategoryID              *string             `gorm:"type:uuid" json:"category_id,omitempty"`
	Amount                  decimal.Decimal     `gorm:"type:numeric(14,2);not null" json:"amount"`
	Currency                string              `gorm:"size:3;not null" json:"currency"`
	ExchangeRate            decimal.NullDecimal `gorm:"type:numeric(14,6)" json:"exchange_rate"`
	AmountInCompanyCurrency decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"amount_in_company_currency"`
	Description             string              `gorm:"not null" json:"description"`
	MerchantName            string              `json:"merchant_name,omitempty"`
	ExpenseDate             time.Time           `gorm:"not null" json:"expense_date"`
	Status                  ExpenseStatus       `gorm:"not null;default:'pending';index" json:"status"`
	ApprovalRuleID          *string             `gorm:"type:uuid" json:"approval_rule_id,omitempty"`
	CurrentApprovalStep     int                 `gorm:"not null;default:0" json:"current_approval_step"`
	Version                 int                 `gorm:"not null;default:1" json:"version"`
	SubmittedAt             time.Time           `gorm:"not null" json:"submitted_at"`
	FinalizedAt             *time.Time          `json:"finalized_at,omitempty"`

	Employee *User            `gorm:"foreignKey:EmployeeID" json:"employee,omitempty"`
	Category *ExpenseCategory `gorm:"foreignKey:CategoryID" json:"category,omitempty"`
}

// ApprovalAmount is the amount rules are matched against: the converted
// amount when the expense was filed in a foreign currency.
func (e *Expense) ApprovalAmount() decimal.Decimal {
	if e.AmountInCompanyCurrency.Valid {
		return e.AmountInCompanyCurrency.Decimal
	}
	return e.Amount
}

// ApprovalAction is an approver's decision on one plan row.
type ApprovalAction string

const (
	ApprovalActionPending  ApprovalAction = "pending"
	ApprovalActionApproved ApprovalAction = "approved"
	ApprovalActionRejected ApprovalAction = "rejected"
)

// ExpenseApproval is one (expense, approver, step) row of a resolved plan.
// ActivatedAt is set when the row's wave becomes actionable. ClosedAt is set
// on rows still pending when their wave or the whole expense resolved without
// them; such rows never accept a decision.
type ExpenseApproval struct {
	Base
	ExpenseID   string         `gorm:"type:uuid;not null;index" json:"expense_id"`
	ApproverID  string         `gorm:"type:uuid;not null;index" json:"approver_id"`
	StepOrder   int            `gorm:"not null" json:"step_order"`
	Action      ApprovalAction `gorm:"not null;default:'pending'" json:"action"`
	Comments    string         `json:"comments,omitempty"`
	ActivatedAt *time.Time     `json:"activated_at,omitempty"`
	ActionedAt  *time.Time     `json:"actioned_at,omitempty"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`

	Approver *User    `gorm:"foreignKey:ApproverID" json:"approver,omitempty"`
	Expense  *Expense `gorm:"foreignKey:ExpenseID" json:"expense,omitempty"`
}

// IsOpen reports whether the row still awaits a decision.
func (a *ExpenseApproval) IsOpen() bool {
	return a.Action == ApprovalActionPending && a.ClosedAt == nil
}
