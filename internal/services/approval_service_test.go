package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/testutil"
)

type captureRecorder struct {
	mu      sync.Mutex
	records []models.ChangeRecord
	err     error
}

func (r *captureRecorder) Record(_ context.Context, rec models.ChangeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

func (r *captureRecorder) last(t *testing.T) models.ChangeRecord {
	t.Helper()
	if len(r.records) == 0 {
		t.Fatal("expected at least one change record")
	}
	return r.records[len(r.records)-1]
}

// approvalEnv is a company with an admin, a manager and the manager's report.
type approvalEnv struct {
	db       *gorm.DB
	svc      ApprovalServicer
	rules    RuleServicer
	rec      *captureRecorder
	company  *models.Company
	admin    *models.User
	manager  *models.User
	employee *models.User
}

func newApprovalEnv(t *testing.T, autoApprove bool) *approvalEnv {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	company := testutil.CreateTestCompany(t, db)
	manager := testutil.CreateTestUser(t, db, company.ID, models.RoleManager)
	rec := &captureRecorder{}
	rules := NewRuleService(db)

	return &approvalEnv{
		db:    db,
		rules: rules,
		rec:   rec,
		svc: NewApprovalService(db, rules, NewUserService(db, DefaultLoginPolicy), ApprovalOptions{
			AutoApproveWithoutRule: autoApprove,
			Recorders:              []ChangeRecorder{rec},
		}),
		company:  company,
		admin:    testutil.CreateTestUser(t, db, company.ID, models.RoleAdmin),
		manager:  manager,
		employee: testutil.CreateTestReport(t, db, company.ID, manager.ID),
	}
}

func (e *approvalEnv) approvers(t *testing.T, n int) []*models.User {
	t.Helper()
	users := make([]*models.User, n)
	for i := range users {
		users[i] = testutil.CreateTestUser(t, e.db, e.company.ID, models.RoleManager)
	}
	return users
}

func (e *approvalEnv) submit(t *testing.T, amount string) (*models.Expense, *SubmitResult) {
	t.Helper()
	expense := testutil.CreateTestExpense(t, e.db, e.company.ID, e.employee.ID, amount)
	result, err := e.svc.SubmitExpense(context.Background(), testutil.ActorFor(e.employee), expense.ID)
	testutil.AssertNoError(t, err)
	return expense, result
}

func (e *approvalEnv) act(user *models.User, expenseID string, action models.ApprovalAction) (*ActionResult, error) {
	return e.svc.RecordApprovalAction(context.Background(), testutil.ActorFor(user), ActionInput{
		ExpenseID: expenseID,
		Action:    action,
	})
}

func (e *approvalEnv) reload(t *testing.T, id string) models.Expense {
	t.Helper()
	var expense models.Expense
	if err := e.db.First(&expense, "id = ?", id).Error; err != nil {
		t.Fatalf("failed to reload expense: %v", err)
	}
	return expense
}

func ids(users ...*models.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

func TestSubmitExpense(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves_plan_and_activates_first_wave", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 3)
		rule := testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(50), testutil.Sequential(),
			testutil.WithSteps([]int{1, 1, 2}, a[0].ID, a[1].ID, a[2].ID))

		expense, result := env.submit(t, "120.00")

		if result.Status != models.ExpenseStatusInProgress {
			t.Errorf("expected in_progress, got %s", result.Status)
		}
		if result.ApprovalRuleID == nil || *result.ApprovalRuleID != rule.ID {
			t.Errorf("expected rule %s, got %v", rule.ID, result.ApprovalRuleID)
		}
		if result.Plan.WaveCount() != 2 {
			t.Errorf("expected 2 waves, got %d", result.Plan.WaveCount())
		}
		testutil.AssertSameMembers(t, ids(a[0], a[1]), result.ActiveApprovers)

		stored := env.reload(t, expense.ID)
		if stored.Version != 2 || stored.CurrentApprovalStep != 0 {
			t.Errorf("expected version 2 at step 0, got version %d at step %d", stored.Version, stored.CurrentApprovalStep)
		}

		var rows []models.ExpenseApproval
		env.db.Where("expense_id = ?", expense.ID).Find(&rows)
		if len(rows) != 3 {
			t.Fatalf("expected 3 approval rows, got %d", len(rows))
		}
		for _, r := range rows {
			if r.Action != models.ApprovalActionPending {
				t.Errorf("row %s should be pending, got %s", r.ApproverID, r.Action)
			}
			if (r.StepOrder == 0) != (r.ActivatedAt != nil) {
				t.Errorf("row at step %d has activated_at %v", r.StepOrder, r.ActivatedAt)
			}
		}

		rec := env.rec.last(t)
		if rec.OldStatus != models.ExpenseStatusPending || rec.NewStatus != models.ExpenseStatusInProgress || rec.Wave != 0 {
			t.Errorf("unexpected change record %+v", rec)
		}
	})

	t.Run("not_owner", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "10")

		_, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(a[0]), expense.ID)
		testutil.AssertAppError(t, err, "FORBIDDEN")
	})

	t.Run("other_company", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		other := testutil.CreateTestCompany(t, env.db)
		outsider := testutil.CreateTestUser(t, env.db, other.ID, models.RoleAdmin)
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "10")

		_, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(outsider), expense.ID)
		testutil.AssertAppError(t, err, "EXPENSE_NOT_FOUND")
	})

	t.Run("already_submitted", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "10")

		_, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertAppError(t, err, "EXPENSE_NOT_SUBMITTABLE")
	})

	t.Run("no_matching_rule", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID), testutil.WithThresholds("0", "100"))
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "500")

		_, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertAppError(t, err, "NO_MATCHING_RULE")

		testutil.AssertExpenseStatus(t, env.db, expense.ID, models.ExpenseStatusPending)
		if len(env.rec.records) != 0 {
			t.Errorf("expected no change records, got %d", len(env.rec.records))
		}
	})

	t.Run("auto_approve_without_rule", func(t *testing.T) {
		env := newApprovalEnv(t, true)
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "500")

		result, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertNoError(t, err)

		if result.Status != models.ExpenseStatusApproved || len(result.ActiveApprovers) != 0 {
			t.Errorf("expected approved with no approvers, got %s %v", result.Status, result.ActiveApprovers)
		}
		stored := env.reload(t, expense.ID)
		if stored.FinalizedAt == nil {
			t.Error("expected finalized_at to be set")
		}
		rec := env.rec.last(t)
		if rec.Wave != -1 || rec.Reason != "no_matching_rule" {
			t.Errorf("unexpected change record %+v", rec)
		}
	})

	t.Run("unresolvable_approver", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		testutil.Deactivate(t, env.db, a[0])
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "10")

		_, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertAppError(t, err, "UNRESOLVABLE_APPROVER")

		var count int64
		env.db.Model(&models.ExpenseApproval{}).Where("expense_id = ?", expense.ID).Count(&count)
		if count != 0 {
			t.Errorf("expected no approval rows, got %d", count)
		}
	})

	t.Run("foreign_currency_uses_converted_amount", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID), testutil.WithThresholds("0", "100"))
		big := testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[1].ID), testutil.WithThresholds("100.01", ""))

		expense, err := NewExpenseService(env.db).CreateExpense(ctx, testutil.ActorFor(env.employee), ExpenseInput{
			Amount:       decimal.RequireFromString("50"),
			Currency:     "EUR",
			ExchangeRate: decimal.NewNullDecimal(decimal.RequireFromString("3")),
			Description:  "Conference ticket",
		})
		testutil.AssertNoError(t, err)

		result, err := env.svc.SubmitExpense(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertNoError(t, err)
		if *result.ApprovalRuleID != big.ID {
			t.Errorf("expected rule %s for 150.00, got %s", big.ID, *result.ApprovalRuleID)
		}
		testutil.AssertSameMembers(t, ids(a[1]), result.ActiveApprovers)
	})
}

func TestRecordApprovalAction(t *testing.T) {
	ctx := context.Background()

	t.Run("percentage_approves_at_threshold", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 3)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(60), testutil.WithSteps([]int{1, 1, 1}, ids(a...)...))
		expense, _ := env.submit(t, "80")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusInProgress || result.Version != 3 {
			t.Errorf("expected in_progress v3, got %s v%d", result.Status, result.Version)
		}
		testutil.AssertSameMembers(t, ids(a[1], a[2]), result.NextApprovers)
		if len(env.rec.records) != 1 {
			t.Errorf("a pending verdict should not emit a change record, got %d records", len(env.rec.records))
		}

		result, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Fatalf("expected approved after 2 of 3, got %s", result.Status)
		}
		if result.NextApprovers != nil {
			t.Errorf("expected no next approvers once final, got %v", result.NextApprovers)
		}
		rec := env.rec.last(t)
		if rec.OldStatus != models.ExpenseStatusInProgress || rec.NewStatus != models.ExpenseStatusApproved {
			t.Errorf("unexpected change record %+v", rec)
		}
		if stored := env.reload(t, expense.ID); stored.FinalizedAt == nil {
			t.Error("expected finalized_at to be set")
		}

		_, err = env.act(a[2], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "EXPENSE_FINALIZED")
	})

	t.Run("percentage_rejects_when_threshold_unreachable", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 3)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(60), testutil.WithSteps([]int{1, 1, 1}, ids(a...)...))
		expense, _ := env.submit(t, "80")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionRejected)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusInProgress {
			t.Fatalf("one rejection of three should leave 60%% reachable, got %s", result.Status)
		}

		result, err = env.act(a[1], expense.ID, models.ApprovalActionRejected)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusRejected {
			t.Errorf("expected rejected, got %s", result.Status)
		}
	})

	t.Run("specific_approver_decides", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		cfo := testutil.CreateTestUser(t, env.db, env.company.ID, models.RoleManager)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypeSpecificApprover,
			testutil.WithSpecificApprover(cfo.ID), testutil.WithSteps([]int{1, 1}, a[0].ID, cfo.ID))
		expense, _ := env.submit(t, "900")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusInProgress {
			t.Fatalf("expected in_progress until the designated approver acts, got %s", result.Status)
		}

		result, err = env.act(cfo, expense.ID, models.ApprovalActionRejected)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusRejected {
			t.Errorf("expected rejected, got %s", result.Status)
		}
	})

	t.Run("sequential_advances_waves", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusInProgress || result.CurrentWave != 1 {
			t.Fatalf("expected in_progress at wave 1, got %s at wave %d", result.Status, result.CurrentWave)
		}
		testutil.AssertSameMembers(t, ids(a[1]), result.NextApprovers)

		rec := env.rec.last(t)
		if rec.Wave != 0 || rec.NewStatus != models.ExpenseStatusInProgress {
			t.Errorf("expected a wave advance record, got %+v", rec)
		}

		var row models.ExpenseApproval
		env.db.Where("expense_id = ? AND approver_id = ?", expense.ID, a[1].ID).First(&row)
		if row.ActivatedAt == nil {
			t.Error("expected the second wave to be activated")
		}

		result, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Errorf("expected approved, got %s", result.Status)
		}
	})

	t.Run("sequential_rejection_skips_later_waves", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionRejected)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusRejected {
			t.Fatalf("expected rejected, got %s", result.Status)
		}

		var row models.ExpenseApproval
		env.db.Where("expense_id = ? AND approver_id = ?", expense.ID, a[1].ID).First(&row)
		if row.ActivatedAt != nil || row.Action != models.ApprovalActionPending {
			t.Errorf("second wave should never activate, got activated_at=%v action=%s", row.ActivatedAt, row.Action)
		}
		if row.ClosedAt == nil || row.IsOpen() {
			t.Error("expected the skipped row to be closed")
		}

		_, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "EXPENSE_FINALIZED")
	})

	t.Run("manager_first_routes_through_manager", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.ManagerFirst(), testutil.Sequential(),
			testutil.WithSteps([]int{1}, a[0].ID))
		expense, submitted := env.submit(t, "40")
		testutil.AssertSameMembers(t, ids(env.manager), submitted.ActiveApprovers)

		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")

		result, err := env.act(env.manager, expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		testutil.AssertSameMembers(t, ids(a[0]), result.NextApprovers)
	})

	t.Run("repeated_action", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)

		_, err = env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "ALREADY_ACTIONED")

		_, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)

		_, err = env.act(a[0], expense.ID, models.ApprovalActionRejected)
		testutil.AssertAppError(t, err, "ALREADY_ACTIONED")
	})

	t.Run("approver_repeated_in_later_step_decides_once", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(),
			testutil.WithSteps([]int{1, 2, 3}, a[0].ID, a[1].ID, a[0].ID))
		expense, submitted := env.submit(t, "40")
		if submitted.Plan.WaveCount() != 2 {
			t.Fatalf("expected the repeat to be dropped, got %d waves", submitted.Plan.WaveCount())
		}

		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		result, err := env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Fatalf("expected approved after the last distinct approver, got %s", result.Status)
		}

		_, err = env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "ALREADY_ACTIONED")

		var decided int64
		env.db.Model(&models.ExpenseApproval{}).
			Where("expense_id = ? AND approver_id = ? AND action <> ?", expense.ID, a[0].ID, models.ApprovalActionPending).
			Count(&decided)
		if decided != 1 {
			t.Errorf("expected one decision by the repeated approver, got %d", decided)
		}
	})

	t.Run("stored_plan_with_repeat_refuses_second_decision", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")
		if err := env.db.Create(&models.ExpenseApproval{
			ExpenseID:  expense.ID,
			ApproverID: a[0].ID,
			StepOrder:  2,
			Action:     models.ApprovalActionPending,
		}).Error; err != nil {
			t.Fatalf("failed to add plan row: %v", err)
		}

		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		result, err := env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.CurrentWave != 2 {
			t.Fatalf("expected the third wave to be active, got %d", result.CurrentWave)
		}

		_, err = env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "ALREADY_ACTIONED")
		testutil.AssertExpenseStatus(t, env.db, expense.ID, models.ExpenseStatusInProgress)
	})

	t.Run("early_quorum_closes_remaining_rows", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 3)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(50), testutil.Sequential(),
			testutil.WithSteps([]int{1, 1, 2}, a[0].ID, a[1].ID, a[2].ID))
		expense, _ := env.submit(t, "40")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.CurrentWave != 1 {
			t.Fatalf("expected the second wave to be active, got %d", result.CurrentWave)
		}

		state, err := env.svc.GetApprovalState(ctx, testutil.ActorFor(env.admin), expense.ID)
		testutil.AssertNoError(t, err)
		for _, row := range state.History {
			switch row.ApproverID {
			case a[1].ID:
				if row.ClosedAt == nil || row.IsOpen() {
					t.Error("expected the unneeded first-wave row to be closed")
				}
			case a[2].ID:
				if !row.IsOpen() {
					t.Error("expected the active second-wave row to stay open")
				}
			}
		}

		_, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")
	})

	t.Run("employee_in_own_template_is_skipped", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1, 1}, env.employee.ID, a[0].ID))
		expense, submitted := env.submit(t, "40")
		testutil.AssertSameMembers(t, ids(a[0]), submitted.ActiveApprovers)

		_, err := env.act(env.employee, expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")
	})

	t.Run("approver_outside_active_wave", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		_, err := env.act(a[1], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")

		outsider := testutil.CreateTestUser(t, env.db, env.company.ID, models.RoleManager)
		_, err = env.act(outsider, expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")
	})

	t.Run("acting_for_someone_else", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1, 1}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		_, err := env.svc.RecordApprovalAction(ctx, testutil.ActorFor(a[0]), ActionInput{
			ExpenseID:  expense.ID,
			ApproverID: a[1].ID,
			Action:     models.ApprovalActionApproved,
		})
		testutil.AssertAppError(t, err, "INVALID_APPROVER")
	})

	t.Run("invalid_action", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "40")

		_, err := env.act(a[0], expense.ID, models.ApprovalActionPending)
		testutil.AssertAppError(t, err, "INVALID_INPUT")
	})

	t.Run("not_submitted", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "40")

		_, err := env.act(env.manager, expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "INVALID_APPROVER")
	})

	t.Run("expected_version", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1, 1}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		stale := 1
		_, err := env.svc.RecordApprovalAction(ctx, testutil.ActorFor(a[0]), ActionInput{
			ExpenseID:       expense.ID,
			Action:          models.ApprovalActionApproved,
			ExpectedVersion: &stale,
		})
		testutil.AssertAppError(t, err, "CONCURRENT_MODIFICATION")

		current := 2
		result, err := env.svc.RecordApprovalAction(ctx, testutil.ActorFor(a[0]), ActionInput{
			ExpenseID:       expense.ID,
			Action:          models.ApprovalActionApproved,
			ExpectedVersion: &current,
		})
		testutil.AssertNoError(t, err)
		if result.Version != 3 {
			t.Errorf("expected version 3, got %d", result.Version)
		}
	})

	t.Run("superseded_rule_keeps_governing", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		rule := testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(50), testutil.WithSteps([]int{1, 1}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")

		strict := 100
		_, err := env.rules.UpdateRule(ctx, testutil.ActorFor(env.admin), rule.ID, RuleInput{
			Name:               "Strict",
			RuleType:           models.RuleTypePercentage,
			PercentageRequired: &strict,
			Steps:              []RuleStepInput{{StepOrder: 1, ApproverID: a[0].ID}, {StepOrder: 1, ApproverID: a[1].ID}},
		})
		testutil.AssertNoError(t, err)

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Errorf("expected the submitted 50%% rule to approve, got %s", result.Status)
		}
	})

	t.Run("corrupt_plan", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "40")
		env.db.Where("expense_id = ?", expense.ID).Delete(&models.ExpenseApproval{})

		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertAppError(t, err, "CORRUPT_APPROVAL_PLAN")
	})

	t.Run("recorder_failure_keeps_transition", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "40")
		env.rec.err = errors.New("broker unavailable")

		result, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Fatalf("expected approved, got %s", result.Status)
		}
		testutil.AssertExpenseStatus(t, env.db, expense.ID, models.ExpenseStatusApproved)
	})
}

func TestRecordApprovalAction_Concurrent(t *testing.T) {
	env := newApprovalEnv(t, false)
	a := env.approvers(t, 6)
	approverIDs := ids(a...)
	testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
		testutil.WithPercentage(100), testutil.WithSteps([]int{1, 1, 1, 1, 1, 1}, approverIDs...))
	expense, _ := env.submit(t, "40")

	var wg sync.WaitGroup
	errs := make([]error, len(a))
	for i, approver := range a {
		wg.Add(1)
		go func(i int, approver *models.User) {
			defer wg.Done()
			// Callers retry on a version conflict.
			for attempt := 0; attempt < 20; attempt++ {
				_, err := env.act(approver, expense.ID, models.ApprovalActionApproved)
				if errors.Is(err, apperrors.ErrConcurrentModification) {
					continue
				}
				errs[i] = err
				return
			}
			errs[i] = apperrors.ErrConcurrentModification
		}(i, approver)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("approver %d: unexpected error: %v", i, err)
		}
	}

	stored := env.reload(t, expense.ID)
	if stored.Status != models.ExpenseStatusApproved {
		t.Errorf("expected approved, got %s", stored.Status)
	}
	if stored.Version != 2+len(a) {
		t.Errorf("expected version %d, got %d", 2+len(a), stored.Version)
	}

	var approved int64
	env.db.Model(&models.ExpenseApproval{}).
		Where("expense_id = ? AND action = ?", expense.ID, models.ApprovalActionApproved).
		Count(&approved)
	if approved != int64(len(a)) {
		t.Errorf("expected %d approved rows, got %d", len(a), approved)
	}
}

func TestGetApprovalState(t *testing.T) {
	ctx := context.Background()

	t.Run("history_and_active_wave", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 2)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
		expense, _ := env.submit(t, "40")
		_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
		testutil.AssertNoError(t, err)

		state, err := env.svc.GetApprovalState(ctx, testutil.ActorFor(env.employee), expense.ID)
		testutil.AssertNoError(t, err)

		if state.WaveCount != 2 || state.CurrentWave != 1 || state.Version != 3 {
			t.Errorf("unexpected state %+v", state)
		}
		testutil.AssertSameMembers(t, ids(a[1]), state.ActiveApprovers)
		if len(state.History) != 2 {
			t.Fatalf("expected 2 history rows, got %d", len(state.History))
		}
		first := state.History[0]
		if first.ApproverID != a[0].ID || first.Action != models.ApprovalActionApproved || first.Approver == nil {
			t.Errorf("unexpected first history row %+v", first)
		}
	})

	t.Run("plan_member_can_view", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "40")

		_, err := env.svc.GetApprovalState(ctx, testutil.ActorFor(a[0]), expense.ID)
		testutil.AssertNoError(t, err)
	})

	t.Run("hidden_from_unrelated_employee", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "40")
		stranger := testutil.CreateTestUser(t, env.db, env.company.ID, models.RoleEmployee)

		_, err := env.svc.GetApprovalState(ctx, testutil.ActorFor(stranger), expense.ID)
		testutil.AssertAppError(t, err, "EXPENSE_NOT_FOUND")
	})
}

func TestPendingApprovals(t *testing.T) {
	ctx := context.Background()
	env := newApprovalEnv(t, false)
	a := env.approvers(t, 2)
	testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
		testutil.WithPercentage(100), testutil.Sequential(), testutil.WithSteps([]int{1, 2}, a[0].ID, a[1].ID))
	expense, _ := env.submit(t, "40")

	inbox := func(u *models.User) *pagination.PageResponse[models.ExpenseApproval] {
		t.Helper()
		resp, err := env.svc.PendingApprovals(ctx, testutil.ActorFor(u), pagination.PageRequest{Page: 1, PageSize: 20})
		testutil.AssertNoError(t, err)
		return resp
	}

	if got := inbox(a[0]); got.TotalItems != 1 {
		t.Fatalf("expected 1 pending item for the first wave, got %d", got.TotalItems)
	} else if got.Data[0].Expense == nil || got.Data[0].Expense.ID != expense.ID {
		t.Errorf("expected the pending item to carry its expense")
	}
	if got := inbox(a[1]); got.TotalItems != 0 {
		t.Errorf("the second wave should not see the expense yet, got %d", got.TotalItems)
	}

	_, err := env.act(a[0], expense.ID, models.ApprovalActionApproved)
	testutil.AssertNoError(t, err)

	if got := inbox(a[0]); got.TotalItems != 0 {
		t.Errorf("expected an empty inbox after acting, got %d", got.TotalItems)
	}
	if got := inbox(a[1]); got.TotalItems != 1 {
		t.Errorf("expected the second wave to see the expense, got %d", got.TotalItems)
	}

	_, err = env.act(a[1], expense.ID, models.ApprovalActionApproved)
	testutil.AssertNoError(t, err)
	if got := inbox(a[1]); got.TotalItems != 0 {
		t.Errorf("finalized expenses should leave the inbox, got %d", got.TotalItems)
	}
}

func TestResolveManually(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*approvalEnv, *models.Expense) {
		env := newApprovalEnv(t, false)
		a := env.approvers(t, 1)
		testutil.CreateTestRule(t, env.db, env.company.ID, models.RuleTypePercentage,
			testutil.WithPercentage(100), testutil.WithSteps([]int{1}, a[0].ID))
		expense, _ := env.submit(t, "40")
		return env, expense
	}

	t.Run("admin_resolves_stuck_expense", func(t *testing.T) {
		env, expense := setup(t)
		env.db.Where("expense_id = ?", expense.ID).Delete(&models.ExpenseApproval{})

		result, err := env.svc.ResolveManually(ctx, testutil.ActorFor(env.admin), expense.ID, models.ApprovalActionApproved, "plan lost")
		testutil.AssertNoError(t, err)
		if result.Status != models.ExpenseStatusApproved {
			t.Errorf("expected approved, got %s", result.Status)
		}
		rec := env.rec.last(t)
		if rec.Reason != "manual_resolution: plan lost" || rec.ActorID != env.admin.ID {
			t.Errorf("unexpected change record %+v", rec)
		}

		_, err = env.svc.ResolveManually(ctx, testutil.ActorFor(env.admin), expense.ID, models.ApprovalActionRejected, "")
		testutil.AssertAppError(t, err, "EXPENSE_FINALIZED")
	})

	t.Run("non_admin", func(t *testing.T) {
		env, expense := setup(t)
		_, err := env.svc.ResolveManually(ctx, testutil.ActorFor(env.manager), expense.ID, models.ApprovalActionApproved, "")
		testutil.AssertAppError(t, err, "FORBIDDEN")
	})

	t.Run("invalid_action", func(t *testing.T) {
		env, expense := setup(t)
		_, err := env.svc.ResolveManually(ctx, testutil.ActorFor(env.admin), expense.ID, models.ApprovalActionPending, "")
		testutil.AssertAppError(t, err, "INVALID_INPUT")
	})

	t.Run("not_submitted", func(t *testing.T) {
		env := newApprovalEnv(t, false)
		expense := testutil.CreateTestExpense(t, env.db, env.company.ID, env.employee.ID, "40")
		_, err := env.svc.ResolveManually(ctx, testutil.ActorFor(env.admin), expense.ID, models.ApprovalActionRejected, "")
		testutil.AssertAppError(t, err, "INVALID_INPUT")
	})
}
