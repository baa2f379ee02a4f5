package approval

import (
	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
)

// Directory is an arena of a company's users indexed by id. Manager links are
// followed through the arena rather than through pointers so that a cyclic
// reporting line can be detected instead of looped on.
type Directory map[string]*models.User

// NewDirectory indexes users by id.
func NewDirectory(users []models.User) Directory {
	d := make(Directory, len(users))
	for i := range users {
		d[users[i].ID] = &users[i]
	}
	return d
}

// Approver returns the user when it can take part in a plan.
func (d Directory) Approver(id string) (*models.User, error) {
	u, ok := d[id]
	if !ok {
		return nil, apperrors.Withf(apperrors.ErrUnresolvableApprover, "Approver %s does not exist in this company", id)
	}
	if !u.IsActive {
		return nil, apperrors.Withf(apperrors.ErrUnresolvableApprover, "Approver %s is no longer active", u.Email)
	}
	return u, nil
}

// ManagerOf returns the closest active manager above userID. The walk starts
// at the direct manager and climbs while managers are inactive. It visits at
// most len(d) users and fails with ErrManagerCycle on a repeated user.
// A nil user with a nil error means there is no manager to route to.
func (d Directory) ManagerOf(userID string) (*models.User, error) {
	u, ok := d[userID]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}

	visited := map[string]bool{userID: true}
	next := u.ManagerID
	for hops := 0; next != nil; hops++ {
		if hops >= len(d) || visited[*next] {
			return nil, apperrors.Withf(apperrors.ErrManagerCycle, "Reporting line of %s contains a cycle", u.Email)
		}
		mgr, ok := d[*next]
		if !ok {
			return nil, nil
		}
		if mgr.IsActive {
			return mgr, nil
		}
		visited[mgr.ID] = true
		next = mgr.ManagerID
	}
	return nil, nil
}

// Chain returns the reporting line above userID, nearest first, with the same
// bounds and cycle detection as ManagerOf.
func (d Directory) Chain(userID string) ([]*models.User, error) {
	u, ok := d[userID]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}

	var chain []*models.User
	visited := map[string]bool{userID: true}
	for next := u.ManagerID; next != nil; {
		if len(chain) >= len(d) || visited[*next] {
			return nil, apperrors.Withf(apperrors.ErrManagerCycle, "Reporting line of %s contains a cycle", u.Email)
		}
		mgr, ok := d[*next]
		if !ok {
			break
		}
		chain = append(chain, mgr)
		visited[mgr.ID] = true
		next = mgr.ManagerID
	}
	return chain, nil
}
