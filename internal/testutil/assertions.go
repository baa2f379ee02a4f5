package testutil

import (
	"errors"
	"sort"
	"testing"

	"gorm.io/gorm"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

// AssertAppError checks that err is an *AppError with the expected error code.
func AssertAppError(t *testing.T, err error, expectedCode string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected AppError with code %q, got nil", expectedCode)
	}

	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *AppError, got %T: %v", err, err)
	}

	if appErr.Code != expectedCode {
		t.Errorf("expected error code %q, got %q (message: %s)", expectedCode, appErr.Code, appErr.Message)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertExpenseStatus reloads the expense and checks its stored status.
func AssertExpenseStatus(t *testing.T, db *gorm.DB, expenseID string, want models.ExpenseStatus) {
	t.Helper()

	var expense models.Expense
	if err := db.First(&expense, "id = ?", expenseID).Error; err != nil {
		t.Fatalf("failed to reload expense %s: %v", expenseID, err)
	}
	if expense.Status != want {
		t.Errorf("expected expense status %q, got %q", want, expense.Status)
	}
}

// AssertSameMembers checks that two approver id lists hold the same ids in any order.
func AssertSameMembers(t *testing.T, want, got []string) {
	t.Helper()

	w := append([]string(nil), want...)
	g := append([]string(nil), got...)
	sort.Strings(w)
	sort.Strings(g)
	if len(w) != len(g) {
		t.Fatalf("expected approvers %v, got %v", want, got)
	}
	for i := range w {
		if w[i] != g[i] {
			t.Fatalf("expected approvers %v, got %v", want, got)
		}
	}
}
