package models

import "time"

// ChangeRecord describes one committed expense status transition. Wave is the
// approval step that produced it, or -1 when no plan was involved.
type ChangeRecord struct {
	ExpenseID     string        `json:"expense_id"`
	CompanyID     string        `json:"company_id"`
	OldStatus     ExpenseStatus `json:"old_status"`
	NewStatus     ExpenseStatus `json:"new_status"`
	Wave          int           `json:"wave"`
	ActorID       string        `json:"actor_id"`
	At            time.Time     `json:"at"`
	NextApprovers []string      `json:"next_approvers,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
