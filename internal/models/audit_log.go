package models

// AuditLog records state changes for compliance review.
type AuditLog struct {
	Base
	CompanyID  string  `gorm:"type:uuid;not null;index" json:"company_id"`
	UserID     *string `gorm:"type:uuid;index" json:"user_id,omitempty"`
	EntityType string  `gorm:"not null" json:"entity_type"`
	EntityID   string  `gorm:"type:uuid;not null;index" json:"entity_id"`
	Action     string  `gorm:"not null" json:"action"`
	Changes    string  `json:"changes,omitempty"`
	IPAddress  string  `json:"ip_address,omitempty"`
}
