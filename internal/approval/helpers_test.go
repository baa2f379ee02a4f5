package approval

import (
	"github.com/shopspring/decimal"

	"expenseflow/internal/models"
)

func user(id string, managerID string, active bool) models.User {
	u := models.User{Email: id + "@acme.test", FirstName: id, IsActive: active, Role: models.RoleEmployee}
	u.ID = id
	if managerID != "" {
		m := managerID
		u.ManagerID = &m
	}
	return u
}

func ptr[T any](v T) *T { return &v }

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bound(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(amount(s))
}

func step(order int, approverID string) models.ApprovalStep {
	return models.ApprovalStep{StepOrder: order, ApproverID: approverID}
}

func votes(pairs ...string) []Vote {
	out := make([]Vote, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Vote{ApproverID: pairs[i], Action: models.ApprovalAction(pairs[i+1])})
	}
	return out
}
