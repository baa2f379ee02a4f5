package approval

import (
	"sort"

	"github.com/shopspring/decimal"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

// Covers reports whether amount lies inside the rule's inclusive threshold range.
// A missing bound is unbounded on that side.
func Covers(rule *models.ApprovalRule, amount decimal.Decimal) bool {
	if rule.MinAmountThreshold.Valid && amount.LessThan(rule.MinAmountThreshold.Decimal) {
		return false
	}
	if rule.MaxAmountThreshold.Valid && amount.GreaterThan(rule.MaxAmountThreshold.Decimal) {
		return false
	}
	return true
}

// span describes how wide a threshold range is. Any open end makes the range
// wider than every closed one; two open ends are wider than one.
type span struct {
	openEnds int
	width    decimal.Decimal
}

func spanOf(rule *models.ApprovalRule) span {
	s := span{}
	if !rule.MinAmountThreshold.Valid {
		s.openEnds++
	}
	if !rule.MaxAmountThreshold.Valid {
		s.openEnds++
	}
	if s.openEnds == 0 {
		s.width = rule.MaxAmountThreshold.Decimal.Sub(rule.MinAmountThreshold.Decimal)
	}
	return s
}

// cmp orders spans narrowest first.
func (s span) cmp(o span) int {
	if s.openEnds != o.openEnds {
		if s.openEnds < o.openEnds {
			return -1
		}
		return 1
	}
	if s.openEnds > 0 {
		return 0
	}
	return s.width.Cmp(o.width)
}

// precedes reports whether a takes precedence over b when both cover an amount:
// narrowest range first, then most recently created, then highest id.
func precedes(a, b *models.ApprovalRule) bool {
	if c := spanOf(a).cmp(spanOf(b)); c != 0 {
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SelectRule returns the active rule governing amount. Overlapping rules are
// resolved by precedence; ErrNoMatchingRule is returned when nothing covers it.
func SelectRule(rules []models.ApprovalRule, amount decimal.Decimal) (*models.ApprovalRule, error) {
	candidates := make([]*models.ApprovalRule, 0, len(rules))
	for i := range rules {
		if rules[i].IsActive && Covers(&rules[i], amount) {
			candidates = append(candidates, &rules[i])
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.Withf(apperrors.ErrNoMatchingRule, "No active approval rule covers amount %s", amount.StringFixed(2))
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return precedes(candidates[i], candidates[j])
	})
	return candidates[0], nil
}
