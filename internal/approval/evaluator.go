package approval

import (
	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

// Verdict is the outcome of evaluating one wave.
type Verdict int

const (
	// VerdictPending means the wave needs more actions.
	VerdictPending Verdict = iota
	// VerdictAdvance means the wave's quorum is met.
	VerdictAdvance
	// VerdictReject means the quorum can no longer be met.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdvance:
		return "advance"
	case VerdictReject:
		return "reject"
	default:
		return "pending"
	}
}

// Vote is one wave member's current action.
type Vote struct {
	ApproverID string
	Action     models.ApprovalAction
}

// Criteria is the part of a rule the evaluator needs.
type Criteria struct {
	Type               models.RuleType
	PercentageRequired int
	SpecificApproverID string
	// Or combines hybrid conditions with OR instead of AND.
	Or bool
}

// CriteriaOf extracts evaluation criteria from a stored rule.
func CriteriaOf(rule *models.ApprovalRule) Criteria {
	c := Criteria{Type: rule.RuleType, Or: rule.IsHybrid}
	if rule.PercentageRequired != nil {
		c.PercentageRequired = *rule.PercentageRequired
	}
	if rule.SpecificApproverID != nil {
		c.SpecificApproverID = *rule.SpecificApproverID
	}
	return c
}

// unanimity gates waves that a specific-approver rule cannot speak for.
const unanimity = 100

// Evaluate decides a wave from its members' votes. Percentages are compared by
// cross-multiplication so that no rounding is involved.
//
// A specific-approver condition only applies to the wave holding the
// designated approver. Other waves of a specific-approver rule need every
// member to approve; other waves of a hybrid rule fall back to the percentage
// condition alone.
func Evaluate(c Criteria, wave []Vote) (Verdict, error) {
	if len(wave) == 0 {
		return VerdictPending, apperrors.WithMessage(apperrors.ErrCorruptApprovalPlan, "Active approval step has no approvers")
	}

	designated, present := designatedAction(c, wave)

	switch c.Type {
	case models.RuleTypePercentage:
		return percentage(c.PercentageRequired, wave), nil

	case models.RuleTypeSpecificApprover:
		if !present {
			return percentage(unanimity, wave), nil
		}
		return specific(designated), nil

	case models.RuleTypeHybrid:
		pct := percentage(c.PercentageRequired, wave)
		if !present {
			return pct, nil
		}
		spec := specific(designated)
		if c.Or {
			return either(pct, spec), nil
		}
		return both(pct, spec), nil
	}

	return VerdictPending, apperrors.Withf(apperrors.ErrCorruptApprovalPlan, "Unknown rule type %q", c.Type)
}

func designatedAction(c Criteria, wave []Vote) (models.ApprovalAction, bool) {
	if !c.Type.UsesSpecificApprover() || c.SpecificApproverID == "" {
		return "", false
	}
	for _, v := range wave {
		if v.ApproverID == c.SpecificApproverID {
			return v.Action, true
		}
	}
	return "", false
}

// percentage advances once approved/total reaches required percent, and
// rejects once rejected/total exceeds 100-required percent.
func percentage(required int, wave []Vote) Verdict {
	total := len(wave)
	var approved, rejected int
	for _, v := range wave {
		switch v.Action {
		case models.ApprovalActionApproved:
			approved++
		case models.ApprovalActionRejected:
			rejected++
		}
	}
	if approved*100 >= required*total {
		return VerdictAdvance
	}
	if rejected*100 > (100-required)*total {
		return VerdictReject
	}
	return VerdictPending
}

func specific(action models.ApprovalAction) Verdict {
	switch action {
	case models.ApprovalActionApproved:
		return VerdictAdvance
	case models.ApprovalActionRejected:
		return VerdictReject
	}
	return VerdictPending
}

// either is OR: one met condition advances, rejection needs both impossible.
func either(a, b Verdict) Verdict {
	if a == VerdictAdvance || b == VerdictAdvance {
		return VerdictAdvance
	}
	if a == VerdictReject && b == VerdictReject {
		return VerdictReject
	}
	return VerdictPending
}

// both is AND: one impossible condition rejects, advancing needs both met.
func both(a, b Verdict) Verdict {
	if a == VerdictReject || b == VerdictReject {
		return VerdictReject
	}
	if a == VerdictAdvance && b == VerdictAdvance {
		return VerdictAdvance
	}
	return VerdictPending
}
