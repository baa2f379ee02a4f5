// Package errors provides custom error types for the expenseflow API.
// All service-layer errors should use AppError to ensure consistent,
// secure error responses that never leak internal details to clients.
package errors

import (
	"fmt"
	"net/http"
)

// AppError represents a structured application error with an error code,
// human-readable message, HTTP status code, and optional internal error.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string { return e.Message }

// Unwrap returns the internal error for use with errors.Is/As.
func (e *AppError) Unwrap() error { return e.Internal }

// Is matches any AppError carrying the same code, so derived errors built with
// Wrap or WithMessage still satisfy errors.Is against their sentinel.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Wrap creates a new AppError with the same code/message/status but wraps an internal error.
func Wrap(sentinel *AppError, internal error) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    sentinel.Message,
		StatusCode: sentinel.StatusCode,
		Internal:   internal,
	}
}

// WithMessage creates a new AppError with a custom message.
func WithMessage(sentinel *AppError, message string) *AppError {
	return &AppError{
		Code:       sentinel.Code,
		Message:    message,
		StatusCode: sentinel.StatusCode,
		Internal:   sentinel.Internal,
	}
}

// Withf is WithMessage with fmt.Sprintf formatting.
func Withf(sentinel *AppError, format string, args ...any) *AppError {
	return WithMessage(sentinel, fmt.Sprintf(format, args...))
}

// Authentication & authorization errors.
var (
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Authentication required", StatusCode: http.StatusUnauthorized}
	ErrInvalidCredentials = &AppError{Code: "INVALID_CREDENTIALS", Message: "Invalid email or password", StatusCode: http.StatusUnauthorized}
	ErrForbidden          = &AppError{Code: "FORBIDDEN", Message: "Access denied", StatusCode: http.StatusForbidden}
	ErrAccountLocked      = &AppError{Code: "ACCOUNT_LOCKED", Message: "Account is temporarily locked", StatusCode: http.StatusLocked}
)

// General errors.
var (
	ErrInvalidInput   = &AppError{Code: "INVALID_INPUT", Message: "Invalid input", StatusCode: http.StatusBadRequest}
	ErrNotFound       = &AppError{Code: "NOT_FOUND", Message: "Resource not found", StatusCode: http.StatusNotFound}
	ErrInternalServer = &AppError{Code: "INTERNAL_ERROR", Message: "An internal error occurred", StatusCode: http.StatusInternalServerError}
)

// Company and user errors.
var (
	ErrCompanyNotFound = &AppError{Code: "COMPANY_NOT_FOUND", Message: "Company not found", StatusCode: http.StatusNotFound}
	ErrUserNotFound    = &AppError{Code: "USER_NOT_FOUND", Message: "User not found", StatusCode: http.StatusNotFound}
	ErrDuplicateEmail  = &AppError{Code: "DUPLICATE_EMAIL", Message: "A user with this email already exists", StatusCode: http.StatusConflict}
	ErrInvalidManager  = &AppError{Code: "INVALID_MANAGER", Message: "Manager must be an active user of the same company", StatusCode: http.StatusBadRequest}
	ErrManagerCycle    = &AppError{Code: "MANAGER_CYCLE_DETECTED", Message: "Reporting line would contain a cycle", StatusCode: http.StatusUnprocessableEntity}
	ErrLastAdmin       = &AppError{Code: "LAST_ADMIN", Message: "A company must keep at least one active admin", StatusCode: http.StatusConflict}
)

// Category errors.
var (
	ErrCategoryNotFound  = &AppError{Code: "CATEGORY_NOT_FOUND", Message: "Expense category not found", StatusCode: http.StatusNotFound}
	ErrDuplicateCategory = &AppError{Code: "DUPLICATE_CATEGORY", Message: "A category with this name already exists", StatusCode: http.StatusConflict}
)

// Approval rule errors.
var (
	ErrRuleNotFound   = &AppError{Code: "RULE_NOT_FOUND", Message: "Approval rule not found", StatusCode: http.StatusNotFound}
	ErrRuleSuperseded = &AppError{Code: "RULE_SUPERSEDED", Message: "Approval rule has been superseded by a newer version", StatusCode: http.StatusConflict}
	ErrInvalidRule    = &AppError{Code: "INVALID_RULE", Message: "Approval rule configuration is invalid", StatusCode: http.StatusBadRequest}
)

// Expense errors.
var (
	ErrExpenseNotFound       = &AppError{Code: "EXPENSE_NOT_FOUND", Message: "Expense not found", StatusCode: http.StatusNotFound}
	ErrExpenseNotSubmittable = &AppError{Code: "EXPENSE_NOT_SUBMITTABLE", Message: "Only pending expenses can be submitted for approval", StatusCode: http.StatusConflict}
	ErrExpenseNotEditable    = &AppError{Code: "EXPENSE_NOT_EDITABLE", Message: "Expense is awaiting approval and can no longer be changed", StatusCode: http.StatusConflict}
)

// Approval workflow errors.
var (
	ErrNoMatchingRule         = &AppError{Code: "NO_MATCHING_RULE", Message: "No active approval rule covers this amount", StatusCode: http.StatusUnprocessableEntity}
	ErrUnresolvableApprover   = &AppError{Code: "UNRESOLVABLE_APPROVER", Message: "Approval rule references a user who cannot approve", StatusCode: http.StatusUnprocessableEntity}
	ErrEmptyApprovalPlan      = &AppError{Code: "EMPTY_APPROVAL_PLAN", Message: "Approval rule resolves to no approvers", StatusCode: http.StatusUnprocessableEntity}
	ErrInvalidApprover        = &AppError{Code: "INVALID_APPROVER", Message: "Approver is not part of the active approval step", StatusCode: http.StatusForbidden}
	ErrAlreadyActioned        = &AppError{Code: "ALREADY_ACTIONED", Message: "Approver has already acted on this expense", StatusCode: http.StatusConflict}
	ErrExpenseFinalized       = &AppError{Code: "EXPENSE_FINALIZED", Message: "Expense has already been finalized", StatusCode: http.StatusConflict}
	ErrConcurrentModification = &AppError{Code: "CONCURRENT_MODIFICATION", Message: "Expense was modified concurrently, reload and retry", StatusCode: http.StatusConflict}
	ErrCorruptApprovalPlan    = &AppError{Code: "CORRUPT_APPROVAL_PLAN", Message: "Stored approval plan is inconsistent, admin intervention required", StatusCode: http.StatusConflict}
)
