package models

// Company is the tenant boundary. Every other entity belongs to exactly one company.
type Company struct {
	Base
	Name     string `gorm:"not null" json:"name"`
	Country  string `gorm:"not null" json:"country"`
	Currency string `gorm:"size:3;not null" json:"currency"`
}
