package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"expenseflow/internal/approval"
	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/logger"
	"expenseflow/internal/metrics"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
)

const noWave = -1

// approvalService is the approval state machine. It is the only writer of an
// expense's status, current approval step and approval actions.
type approvalService struct {
	db          *gorm.DB
	rules       RuleServicer
	users       UserServicer
	recorders   []ChangeRecorder
	autoApprove bool
	now         func() time.Time
}

// NewApprovalService creates a new ApprovalServicer.
func NewApprovalService(db *gorm.DB, rules RuleServicer, users UserServicer, opts ApprovalOptions) ApprovalServicer {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &approvalService{
		db:          db,
		rules:       rules,
		users:       users,
		recorders:   opts.Recorders,
		autoApprove: opts.AutoApproveWithoutRule,
		now:         func() time.Time { return now().UTC() },
	}
}

// SubmitExpense matches a rule, resolves the approver plan and activates its
// first wave.
func (s *approvalService) SubmitExpense(ctx context.Context, actor models.Actor, expenseID string) (*SubmitResult, error) {
	result, err := s.submit(ctx, actor, expenseID)
	metrics.RecordError("submit", err)
	return result, err
}

func (s *approvalService) submit(ctx context.Context, actor models.Actor, expenseID string) (*SubmitResult, error) {
	db := s.db.WithContext(ctx)

	expense, err := loadExpense(db, actor.CompanyID, expenseID)
	if err != nil {
		return nil, err
	}
	if expense.EmployeeID != actor.UserID && !actor.Role.CanOverrideApprovals() {
		return nil, apperrors.WithMessage(apperrors.ErrForbidden, "Only the expense owner can submit it")
	}
	if expense.Status.IsTerminal() {
		return nil, apperrors.ErrExpenseFinalized
	}
	if expense.Status != models.ExpenseStatusPending {
		return nil, apperrors.ErrExpenseNotSubmittable
	}

	rule, err := s.rules.MatchRule(ctx, expense.CompanyID, expense.ApprovalAmount())
	if errors.Is(err, apperrors.ErrNoMatchingRule) && s.autoApprove {
		return s.autoApproveExpense(ctx, actor, expense)
	}
	if err != nil {
		return nil, err
	}

	dir, err := s.users.LoadDirectory(ctx, expense.CompanyID)
	if err != nil {
		return nil, err
	}
	plan, err := approval.Resolve(expense.EmployeeID, rule, rule.Steps, dir)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Expense{}).
			Where("id = ? AND status = ? AND version = ?", expense.ID, models.ExpenseStatusPending, expense.Version).
			Updates(map[string]interface{}{
				"status":                models.ExpenseStatusInProgress,
				"current_approval_step": 0,
				"approval_rule_id":      rule.ID,
				"submitted_at":          now,
				"version":               gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConcurrentModification
		}

		rows := make([]models.ExpenseApproval, 0, len(plan))
		for _, member := range plan {
			row := models.ExpenseApproval{
				ExpenseID:  expense.ID,
				ApproverID: member.ApproverID,
				StepOrder:  member.Wave,
				Action:     models.ApprovalActionPending,
			}
			if member.Wave == 0 {
				row.ActivatedAt = &now
			}
			rows = append(rows, row)
		}
		if err := tx.Create(&rows).Error; err != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	active := plan.Members(0)
	s.emit(ctx, models.ChangeRecord{
		ExpenseID:     expense.ID,
		CompanyID:     expense.CompanyID,
		OldStatus:     models.ExpenseStatusPending,
		NewStatus:     models.ExpenseStatusInProgress,
		Wave:          0,
		ActorID:       actor.UserID,
		At:            now,
		NextApprovers: active,
	})

	logger.Get().Infow("expense submitted",
		"expense_id", expense.ID,
		"rule_id", rule.ID,
		"rule_version", rule.Version,
		"waves", plan.WaveCount(),
	)

	ruleID := rule.ID
	return &SubmitResult{
		ExpenseID:       expense.ID,
		Status:          models.ExpenseStatusInProgress,
		ApprovalRuleID:  &ruleID,
		Plan:            plan,
		ActiveApprovers: active,
	}, nil
}

func (s *approvalService) autoApproveExpense(ctx context.Context, actor models.Actor, expense *models.Expense) (*SubmitResult, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Expense{}).
		Where("id = ? AND status = ? AND version = ?", expense.ID, models.ExpenseStatusPending, expense.Version).
		Updates(map[string]interface{}{
			"status":       models.ExpenseStatusApproved,
			"submitted_at": now,
			"finalized_at": now,
			"version":      gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.ErrConcurrentModification
	}

	s.emit(ctx, models.ChangeRecord{
		ExpenseID: expense.ID,
		CompanyID: expense.CompanyID,
		OldStatus: models.ExpenseStatusPending,
		NewStatus: models.ExpenseStatusApproved,
		Wave:      noWave,
		ActorID:   actor.UserID,
		At:        now,
		Reason:    "no_matching_rule",
	})

	return &SubmitResult{
		ExpenseID:       expense.ID,
		Status:          models.ExpenseStatusApproved,
		ActiveApprovers: []string{},
	}, nil
}

// RecordApprovalAction records one approver decision on the active wave and
// applies the wave's verdict.
func (s *approvalService) RecordApprovalAction(ctx context.Context, actor models.Actor, in ActionInput) (*ActionResult, error) {
	result, err := s.recordAction(ctx, actor, in)
	metrics.RecordError("record_action", err)
	return result, err
}

func (s *approvalService) recordAction(ctx context.Context, actor models.Actor, in ActionInput) (*ActionResult, error) {
	if in.ApproverID == "" {
		in.ApproverID = actor.UserID
	}
	if in.ApproverID != actor.UserID {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidApprover, "Approvers can only act for themselves")
	}
	if in.Action != models.ApprovalActionApproved && in.Action != models.ApprovalActionRejected {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "action must be approved or rejected")
	}

	db := s.db.WithContext(ctx)
	expense, err := loadExpense(db, actor.CompanyID, in.ExpenseID)
	if err != nil {
		return nil, err
	}
	rows, err := loadApprovals(db, expense.ID)
	if err != nil {
		return nil, err
	}

	if err := checkAction(expense, rows, in); err != nil {
		return nil, err
	}
	seen := *expense

	var (
		rec    *models.ChangeRecord
		result *ActionResult
	)
	err = db.Transaction(func(tx *gorm.DB) error {
		current, err := loadExpense(tx, actor.CompanyID, seen.ID)
		if err != nil {
			return err
		}
		if current.Status != seen.Status || current.CurrentApprovalStep != seen.CurrentApprovalStep || current.Version != seen.Version {
			return apperrors.ErrConcurrentModification
		}

		now := s.now()
		res := tx.Model(&models.ExpenseApproval{}).
			Where("expense_id = ? AND approver_id = ? AND step_order = ? AND action = ?",
				current.ID, in.ApproverID, current.CurrentApprovalStep, models.ApprovalActionPending).
			Updates(map[string]interface{}{
				"action":      in.Action,
				"comments":    in.Comments,
				"actioned_at": now,
			})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConcurrentModification
		}

		rows, err := loadApprovals(tx, current.ID)
		if err != nil {
			return err
		}
		rule, err := loadSubmittedRule(tx, current)
		if err != nil {
			return err
		}

		verdict, err := approval.Evaluate(approval.CriteriaOf(rule), votesOf(rows, current.CurrentApprovalStep))
		if err != nil {
			return err
		}

		rec, result, err = s.applyVerdict(tx, current, rows, verdict, actor, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordAction(in.Action)
	if rec != nil {
		s.emit(ctx, *rec)
	}
	return result, nil
}

// checkAction validates an action against the caller's view of the expense.
// The checks run in a fixed order so that a repeated call always reports
// ALREADY_ACTIONED, even once the expense is final. One decision per approver
// and expense is accepted, whichever wave it was recorded in.
func checkAction(expense *models.Expense, rows []models.ExpenseApproval, in ActionInput) error {
	var actioned, pendingInWave bool
	for _, r := range rows {
		if r.ApproverID != in.ApproverID {
			continue
		}
		if r.Action != models.ApprovalActionPending {
			actioned = true
		} else if r.IsOpen() && r.StepOrder == expense.CurrentApprovalStep {
			pendingInWave = true
		}
	}

	switch {
	case actioned:
		return apperrors.ErrAlreadyActioned
	case expense.Status.IsTerminal():
		return apperrors.ErrExpenseFinalized
	case expense.Status != models.ExpenseStatusInProgress:
		return apperrors.WithMessage(apperrors.ErrInvalidApprover, "Expense has not been submitted for approval")
	}

	if len(membersOf(rows, expense.CurrentApprovalStep)) == 0 {
		return apperrors.Withf(apperrors.ErrCorruptApprovalPlan, "Approval step %d has no approvers", expense.CurrentApprovalStep)
	}
	if !pendingInWave {
		return apperrors.ErrInvalidApprover
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != expense.Version {
		return apperrors.ErrConcurrentModification
	}
	return nil
}

// applyVerdict moves the expense according to the active wave's verdict and
// returns the change to report, if any.
func (s *approvalService) applyVerdict(tx *gorm.DB, expense *models.Expense, rows []models.ExpenseApproval, verdict approval.Verdict, actor models.Actor, now time.Time) (*models.ChangeRecord, *ActionResult, error) {
	wave := expense.CurrentApprovalStep
	updates := map[string]interface{}{"version": gorm.Expr("version + 1")}
	status := models.ExpenseStatusInProgress
	nextWave := wave

	switch verdict {
	case approval.VerdictReject:
		status = models.ExpenseStatusRejected
	case approval.VerdictAdvance:
		if wave+1 < waveCount(rows) {
			nextWave = wave + 1
			if len(membersOf(rows, nextWave)) == 0 {
				return nil, nil, apperrors.Withf(apperrors.ErrCorruptApprovalPlan, "Approval step %d has no approvers", nextWave)
			}
		} else {
			status = models.ExpenseStatusApproved
		}
	}

	if status.IsTerminal() {
		updates["status"] = status
		updates["finalized_at"] = now
	}
	if nextWave != wave {
		updates["current_approval_step"] = nextWave
	}

	res := tx.Model(&models.Expense{}).
		Where("id = ? AND version = ?", expense.ID, expense.Version).
		Updates(updates)
	if res.Error != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil, apperrors.ErrConcurrentModification
	}

	if nextWave != wave {
		if err := tx.Model(&models.ExpenseApproval{}).
			Where("expense_id = ? AND step_order = ?", expense.ID, nextWave).
			Update("activated_at", now).Error; err != nil {
			return nil, nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
		}
	}
	if status.IsTerminal() {
		if err := closeOpenRows(tx, expense.ID, noWave, now); err != nil {
			return nil, nil, err
		}
	} else if nextWave != wave {
		if err := closeOpenRows(tx, expense.ID, wave, now); err != nil {
			return nil, nil, err
		}
	}

	result := &ActionResult{
		ExpenseID:   expense.ID,
		Status:      status,
		CurrentWave: nextWave,
		Version:     expense.Version + 1,
	}
	if !status.IsTerminal() {
		result.NextApprovers = pendingMembers(rows, nextWave)
	}

	if status == expense.Status && nextWave == wave {
		return nil, result, nil
	}
	return &models.ChangeRecord{
		ExpenseID:     expense.ID,
		CompanyID:     expense.CompanyID,
		OldStatus:     expense.Status,
		NewStatus:     status,
		Wave:          wave,
		ActorID:       actor.UserID,
		At:            now,
		NextApprovers: result.NextApprovers,
	}, result, nil
}

// GetApprovalState returns the approval progress of an expense visible to the actor.
func (s *approvalService) GetApprovalState(ctx context.Context, actor models.Actor, expenseID string) (*ApprovalState, error) {
	db := s.db.WithContext(ctx)
	expense, err := loadExpense(db, actor.CompanyID, expenseID)
	if err != nil {
		return nil, err
	}
	visible, err := canViewExpense(db, actor, expense)
	if err != nil {
		return nil, err
	}
	if !visible {
		return nil, apperrors.ErrExpenseNotFound
	}

	var history []models.ExpenseApproval
	if err := db.Preload("Approver").
		Where("expense_id = ?", expense.ID).
		Order("step_order ASC, id ASC").
		Find(&history).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}

	state := &ApprovalState{
		ExpenseID:       expense.ID,
		Status:          expense.Status,
		ApprovalRuleID:  expense.ApprovalRuleID,
		CurrentWave:     expense.CurrentApprovalStep,
		WaveCount:       waveCount(history),
		Version:         expense.Version,
		ActiveApprovers: []string{},
		History:         history,
	}
	if expense.Status == models.ExpenseStatusInProgress {
		state.ActiveApprovers = pendingMembers(history, expense.CurrentApprovalStep)
	}
	return state, nil
}

// PendingApprovals lists the activated rows awaiting the actor's decision on
// in-progress expenses, oldest first.
func (s *approvalService) PendingApprovals(ctx context.Context, actor models.Actor, page pagination.PageRequest) (*pagination.PageResponse[models.ExpenseApproval], error) {
	query := s.db.WithContext(ctx).Model(&models.ExpenseApproval{}).
		Joins("JOIN expenses ON expenses.id = expense_approvals.expense_id AND expenses.deleted_at IS NULL").
		Where("expense_approvals.approver_id = ?", actor.UserID).
		Where("expense_approvals.action = ?", models.ApprovalActionPending).
		Where("expense_approvals.activated_at IS NOT NULL AND expense_approvals.closed_at IS NULL").
		Where("expense_approvals.step_order = expenses.current_approval_step").
		Where("expenses.status = ? AND expenses.company_id = ?", models.ExpenseStatusInProgress, actor.CompanyID)

	resp, err := pagination.Find[models.ExpenseApproval](query, page, "expense_approvals.activated_at ASC, expense_approvals.id ASC", preloadPendingRefs)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &resp, nil
}

func preloadPendingRefs(db *gorm.DB) *gorm.DB {
	return db.Preload("Expense").Preload("Expense.Employee")
}

// ResolveManually forces a terminal decision on an in-progress expense. It is
// the way out for expenses whose stored plan is inconsistent.
func (s *approvalService) ResolveManually(ctx context.Context, actor models.Actor, expenseID string, action models.ApprovalAction, comments string) (*ActionResult, error) {
	if !actor.Role.CanOverrideApprovals() {
		return nil, apperrors.ErrForbidden
	}
	var status models.ExpenseStatus
	switch action {
	case models.ApprovalActionApproved:
		status = models.ExpenseStatusApproved
	case models.ApprovalActionRejected:
		status = models.ExpenseStatusRejected
	default:
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "action must be approved or rejected")
	}

	db := s.db.WithContext(ctx)
	expense, err := loadExpense(db, actor.CompanyID, expenseID)
	if err != nil {
		return nil, err
	}
	if expense.Status.IsTerminal() {
		return nil, apperrors.ErrExpenseFinalized
	}
	if expense.Status != models.ExpenseStatusInProgress {
		return nil, apperrors.WithMessage(apperrors.ErrInvalidInput, "Only expenses awaiting approval can be resolved manually")
	}

	now := s.now()
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Expense{}).
			Where("id = ? AND status = ? AND version = ?", expense.ID, models.ExpenseStatusInProgress, expense.Version).
			Updates(map[string]interface{}{
				"status":       status,
				"finalized_at": now,
				"version":      gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return apperrors.Wrap(apperrors.ErrInternalServer, res.Error)
		}
		if res.RowsAffected == 0 {
			return apperrors.ErrConcurrentModification
		}
		return closeOpenRows(tx, expense.ID, noWave, now)
	})
	if err != nil {
		return nil, err
	}

	reason := "manual_resolution"
	if comments != "" {
		reason += ": " + comments
	}
	s.emit(ctx, models.ChangeRecord{
		ExpenseID: expense.ID,
		CompanyID: expense.CompanyID,
		OldStatus: expense.Status,
		NewStatus: status,
		Wave:      expense.CurrentApprovalStep,
		ActorID:   actor.UserID,
		At:        now,
		Reason:    reason,
	})

	logger.Get().Warnw("expense resolved manually",
		"expense_id", expense.ID,
		"status", status,
		"admin_id", actor.UserID,
	)

	return &ActionResult{
		ExpenseID:   expense.ID,
		Status:      status,
		CurrentWave: expense.CurrentApprovalStep,
		Version:     expense.Version + 1,
	}, nil
}

// emit hands rec to every recorder. Recorder failures are logged only.
func (s *approvalService) emit(ctx context.Context, rec models.ChangeRecord) {
	for _, r := range s.recorders {
		if err := r.Record(ctx, rec); err != nil {
			logger.Get().Warnw("change recorder failed",
				"expense_id", rec.ExpenseID,
				"new_status", rec.NewStatus,
				"error", err,
			)
		}
	}
}

func loadExpense(db *gorm.DB, companyID, id string) (*models.Expense, error) {
	var expense models.Expense
	if err := db.Where("id = ? AND company_id = ?", id, companyID).First(&expense).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrExpenseNotFound
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &expense, nil
}

func loadApprovals(db *gorm.DB, expenseID string) ([]models.ExpenseApproval, error) {
	var rows []models.ExpenseApproval
	if err := db.Where("expense_id = ?", expenseID).Order("step_order ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return rows, nil
}

// loadSubmittedRule loads the rule version the expense was submitted under,
// whether or not it has been superseded since.
func loadSubmittedRule(db *gorm.DB, expense *models.Expense) (*models.ApprovalRule, error) {
	if expense.ApprovalRuleID == nil {
		return nil, apperrors.WithMessage(apperrors.ErrCorruptApprovalPlan, "Expense in progress has no approval rule")
	}
	var rule models.ApprovalRule
	if err := db.Unscoped().First(&rule, "id = ?", *expense.ApprovalRuleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.WithMessage(apperrors.ErrCorruptApprovalPlan, "Approval rule of expense no longer exists")
		}
		return nil, apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return &rule, nil
}

// closeOpenRows stamps closed_at on the pending rows of one wave, or of the
// whole plan when wave is noWave.
func closeOpenRows(tx *gorm.DB, expenseID string, wave int, now time.Time) error {
	q := tx.Model(&models.ExpenseApproval{}).
		Where("expense_id = ? AND action = ? AND closed_at IS NULL", expenseID, models.ApprovalActionPending)
	if wave != noWave {
		q = q.Where("step_order = ?", wave)
	}
	if err := q.Update("closed_at", now).Error; err != nil {
		return apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	return nil
}

func membersOf(rows []models.ExpenseApproval, wave int) []models.ExpenseApproval {
	var members []models.ExpenseApproval
	for _, r := range rows {
		if r.StepOrder == wave {
			members = append(members, r)
		}
	}
	return members
}

func votesOf(rows []models.ExpenseApproval, wave int) []approval.Vote {
	members := membersOf(rows, wave)
	votes := make([]approval.Vote, 0, len(members))
	for _, r := range members {
		votes = append(votes, approval.Vote{ApproverID: r.ApproverID, Action: r.Action})
	}
	return votes
}

func pendingMembers(rows []models.ExpenseApproval, wave int) []string {
	ids := []string{}
	for _, r := range membersOf(rows, wave) {
		if r.Action == models.ApprovalActionPending {
			ids = append(ids, r.ApproverID)
		}
	}
	return ids
}

func waveCount(rows []models.ExpenseApproval) int {
	n := 0
	for _, r := range rows {
		if r.StepOrder+1 > n {
			n = r.StepOrder + 1
		}
	}
	return n
}
