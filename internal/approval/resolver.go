package approval

import (
	"sort"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

const (
	labelManager    = "manager"
	labelDesignated = "designated"
)

// rawStep is a plan member before wave numbering; group orders the members.
type rawStep struct {
	group      int
	approverID string
	label      string
}

// Resolve turns a rule into the approver plan for an expense filed by employeeID.
//
// The employee's manager is prepended when the rule or the employee asks for
// manager-first routing. Template steps follow in step order, and the rule's
// designated approver closes the plan if the template left them out. An
// approver appears at most once: the first occurrence wins. The employee is
// never an approver of their own expense; template steps naming them are
// skipped and a rule designating them is unresolvable. Without sequential
// approval every member lands in a single wave.
func Resolve(employeeID string, rule *models.ApprovalRule, steps []models.ApprovalStep, dir Directory) (Plan, error) {
	employee, ok := dir[employeeID]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}

	var raw []rawStep

	if rule.ManagerFirst || employee.IsManagerApprover {
		mgr, err := dir.ManagerOf(employeeID)
		if err != nil {
			return nil, err
		}
		if mgr != nil {
			raw = append(raw, rawStep{group: -1, approverID: mgr.ID, label: labelManager})
		}
	}

	ordered := make([]models.ApprovalStep, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepOrder < ordered[j].StepOrder })

	last := 0
	for _, st := range ordered {
		if _, err := dir.Approver(st.ApproverID); err != nil {
			return nil, err
		}
		if st.ApproverID == employeeID {
			continue
		}
		raw = append(raw, rawStep{group: st.StepOrder, approverID: st.ApproverID, label: st.ApproverRole})
		last = st.StepOrder
	}

	if rule.RuleType.UsesSpecificApprover() {
		if rule.SpecificApproverID == nil {
			return nil, apperrors.WithMessage(apperrors.ErrUnresolvableApprover, "Approval rule has no designated approver")
		}
		if _, err := dir.Approver(*rule.SpecificApproverID); err != nil {
			return nil, err
		}
		if *rule.SpecificApproverID == employeeID {
			return nil, apperrors.WithMessage(apperrors.ErrUnresolvableApprover, "The designated approver cannot approve their own expense")
		}
		if !containsApprover(raw, *rule.SpecificApproverID) {
			raw = append(raw, rawStep{group: last + 1, approverID: *rule.SpecificApproverID, label: labelDesignated})
		}
	}

	if !rule.ApproversSequence {
		for i := range raw {
			raw[i].group = 0
		}
	}

	plan := number(dedupe(raw))
	if len(plan) == 0 {
		return nil, apperrors.ErrEmptyApprovalPlan
	}
	return plan, nil
}

func containsApprover(raw []rawStep, id string) bool {
	for _, r := range raw {
		if r.approverID == id {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of every approver. Order is otherwise
// preserved.
func dedupe(raw []rawStep) []rawStep {
	kept := make([]rawStep, 0, len(raw))
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		if seen[r.approverID] {
			continue
		}
		seen[r.approverID] = true
		kept = append(kept, r)
	}
	return kept
}

// number renumbers groups densely from zero in order of first appearance.
func number(raw []rawStep) Plan {
	plan := make(Plan, 0, len(raw))
	wave := -1
	prev := 0
	for i, r := range raw {
		if i == 0 || r.group != prev {
			wave++
			prev = r.group
		}
		plan = append(plan, PlannedApprover{Wave: wave, ApproverID: r.approverID, Label: r.label})
	}
	return plan
}
