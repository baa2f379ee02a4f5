package models

import "time"

// User represents an employee, manager or admin of a company
type User struct {
	Base
	CompanyID           string     `gorm:"type:uuid;not null;index" json:"company_id"`
	Email               string     `gorm:"uniqueIndex;not null" json:"email"`
	Password            string     `gorm:"not null" json:"-"`
	FirstName           string     `gorm:"not null" json:"first_name"`
	LastName            string     `gorm:"not null" json:"last_name"`
	Role                Role       `gorm:"not null;default:'employee'" json:"role"`
	ManagerID           *string    `gorm:"type:uuid;index" json:"manager_id,omitempty"`
	IsManagerApprover   bool       `gorm:"default:false" json:"is_manager_approver"`
	IsActive            bool       `gorm:"default:true" json:"is_active"`
	RefreshTokenHash    string     `gorm:"size:64" json:"-"`
	FailedLoginAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil         *time.Time `json:"-"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
}

// FullName returns the display name of the user.
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}
