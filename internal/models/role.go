package models

// Role is the capability class of a user within a company.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleManager  Role = "manager"
	RoleEmployee Role = "employee"
)

// ParseRole returns the Role for s and whether it is known.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleAdmin, RoleManager, RoleEmployee:
		return r, true
	}
	return "", false
}

// CanManageUsers reports whether the role may create users and edit roles or reporting lines.
func (r Role) CanManageUsers() bool { return r == RoleAdmin }

// CanManageRules reports whether the role may configure approval rules and categories.
func (r Role) CanManageRules() bool { return r == RoleAdmin }

// CanViewCompanyExpenses reports whether the role sees every expense in the company.
func (r Role) CanViewCompanyExpenses() bool { return r == RoleAdmin }

// CanViewTeamExpenses reports whether the role sees expenses of direct reports.
func (r Role) CanViewTeamExpenses() bool { return r == RoleAdmin || r == RoleManager }

// CanOverrideApprovals reports whether the role may force a terminal decision
// on an expense whose workflow is stuck.
func (r Role) CanOverrideApprovals() bool { return r == RoleAdmin }
