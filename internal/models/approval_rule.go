package models

import (
	"github.com/shopspring/decimal"
)

// RuleType selects how a wave's recorded actions are turned into a verdict.
type RuleType string

const (
	RuleTypePercentage       RuleType = "percentage"
	RuleTypeSpecificApprover RuleType = "specific_approver"
	RuleTypeHybrid           RuleType = "hybrid"
)

// UsesPercentage reports whether the percentage condition participates in evaluation.
func (t RuleType) UsesPercentage() bool {
	return t == RuleTypePercentage || t == RuleTypeHybrid
}

// UsesSpecificApprover reports whether the designated approver condition participates in evaluation.
func (t RuleType) UsesSpecificApprover() bool {
	return t == RuleTypeSpecificApprover || t == RuleTypeHybrid
}

// ApprovalRule is a versioned approval policy scoped to an amount range.
// Rules are never edited in place: an update deactivates the row and creates
// its successor with the same LineageID and Version+1.
type ApprovalRule struct {
	Base
	CompanyID          string              `gorm:"type:uuid;not null;index" json:"company_id"`
	Name               string              `gorm:"not null" json:"name"`
	RuleType           RuleType            `gorm:"not null" json:"rule_type"`
	MinAmountThreshold decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"min_amount_threshold"`
	MaxAmountThreshold decimal.NullDecimal `gorm:"type:numeric(14,2)" json:"max_amount_threshold"`
	PercentageRequired *int                `json:"percentage_required,omitempty"`
	SpecificApproverID *string             `gorm:"type:uuid" json:"specific_approver_id,omitempty"`
	IsHybrid           bool                `gorm:"default:false" json:"is_hybrid"`
	ManagerFirst       bool                `gorm:"default:false" json:"manager_first"`
	ApproversSequence  bool                `gorm:"default:false" json:"approvers_sequence"`
	IsActive           bool                `gorm:"default:true;index" json:"is_active"`
	Version            int                 `gorm:"not null;default:1" json:"version"`
	LineageID          string              `gorm:"type:uuid;not null;index" json:"lineage_id"`
	SupersededByID     *string             `gorm:"type:uuid" json:"superseded_by_id,omitempty"`

	Steps []ApprovalStep `gorm:"foreignKey:ApprovalRuleID" json:"steps,omitempty"`
}

// ApprovalStep is one entry of a rule's approver template. Steps that share a
// StepOrder are approved in parallel.
type ApprovalStep struct {
	Base
	ApprovalRuleID string `gorm:"type:uuid;not null;index" json:"approval_rule_id"`
	StepOrder      int    `gorm:"not null" json:"step_order"`
	ApproverID     string `gorm:"type:uuid;not null" json:"approver_id"`
	ApproverRole   string `gorm:"size:50" json:"approver_role,omitempty"`
}
