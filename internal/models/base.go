package models

import (
	"time"

	"expenseflow/internal/uuid"

	"gorm.io/gorm"
)

// Base holds the key and timestamps shared by every table. Rows are soft
// deleted, and CreatedAt doubles as the rule precedence tie-breaker.
type Base struct {
	ID        string         `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUIDv7 unless the caller chose the id.
func (b *Base) BeforeCreate(_ *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.New()
	}
	return nil
}
