package services

import (
	"context"
	"encoding/json"
	"strings"

	"gorm.io/gorm"

	"expenseflow/internal/logger"
	"expenseflow/internal/models"
)

// auditService handles audit log recording.
type auditService struct {
	db *gorm.DB
}

// NewAuditService creates a new AuditServicer.
func NewAuditService(db *gorm.DB) AuditServicer {
	return &auditService{db: db}
}

// Log records an administrative action. Errors are logged but never
// propagate to avoid disrupting the main operation.
func (s *auditService) Log(actor models.Actor, action, entityType, entityID, ipAddress string, changes map[string]any) {
	userID := actor.UserID
	s.write(s.db, &models.AuditLog{
		CompanyID:  actor.CompanyID,
		UserID:     &userID,
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		IPAddress:  ipAddress,
		Changes:    marshalChanges(action, changes),
	})
}

// Record persists an expense status transition.
func (s *auditService) Record(ctx context.Context, rec models.ChangeRecord) error {
	var userID *string
	if rec.ActorID != "" {
		id := rec.ActorID
		userID = &id
	}
	entry := &models.AuditLog{
		CompanyID:  rec.CompanyID,
		UserID:     userID,
		EntityType: "expense",
		EntityID:   rec.ExpenseID,
		Action:     "EXPENSE_" + strings.ToUpper(string(rec.NewStatus)),
		Changes:    marshalChanges("change_record", rec),
	}
	return s.write(s.db.WithContext(ctx), entry)
}

func (s *auditService) write(db *gorm.DB, entry *models.AuditLog) error {
	if err := db.Create(entry).Error; err != nil {
		logger.Get().Errorw("failed to create audit log entry",
			"error", err,
			"company_id", entry.CompanyID,
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"entity_id", entry.EntityID,
		)
		return err
	}
	return nil
}

func marshalChanges(action string, changes any) string {
	if changes == nil {
		return ""
	}
	if m, ok := changes.(map[string]any); ok && m == nil {
		return ""
	}
	data, err := json.Marshal(changes)
	if err != nil {
		logger.Get().Errorw("failed to marshal audit log changes", "error", err, "action", action)
		return "{}"
	}
	return string(data)
}

