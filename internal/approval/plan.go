package approval

// PlannedApprover is one member of a resolved plan.
type PlannedApprover struct {
	Wave       int    `json:"wave"`
	ApproverID string `json:"approver_id"`
	Label      string `json:"label,omitempty"`
}

// Plan is the ordered list of approvers resolved for one expense. Members that
// share a Wave may act in any order; wave k+1 is blocked until wave k resolves.
// Waves are numbered densely from zero.
type Plan []PlannedApprover

// WaveCount returns the number of waves in the plan.
func (p Plan) WaveCount() int {
	if len(p) == 0 {
		return 0
	}
	return p[len(p)-1].Wave + 1
}

// Members returns the approver ids of the given wave in plan order.
func (p Plan) Members(wave int) []string {
	var ids []string
	for _, a := range p {
		if a.Wave == wave {
			ids = append(ids, a.ApproverID)
		}
	}
	return ids
}

// Contains reports whether approverID appears anywhere in the plan.
func (p Plan) Contains(approverID string) bool {
	for _, a := range p {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}
