package models

// ExpenseCategory groups expenses for reporting (travel, meals, ...)
type ExpenseCategory struct {
	Base
	CompanyID   string `gorm:"type:uuid;not null;uniqueIndex:uq_expense_categories_company_name" json:"company_id"`
	Name        string `gorm:"not null;uniqueIndex:uq_expense_categories_company_name" json:"name"`
	Description string `json:"description"`
	IsActive    bool   `gorm:"default:true" json:"is_active"`
}
