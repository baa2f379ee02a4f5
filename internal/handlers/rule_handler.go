package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/services"
)

// RuleHandler handles approval rule administration.
type RuleHandler struct {
	ruleService  services.RuleServicer
	auditService services.AuditServicer
}

// NewRuleHandler creates a new RuleHandler.
func NewRuleHandler(ruleService services.RuleServicer, auditService services.AuditServicer) *RuleHandler {
	return &RuleHandler{ruleService: ruleService, auditService: auditService}
}

// RuleStepRequest is one approver of a rule template
type RuleStepRequest struct {
	StepOrder    int    `json:"step_order" binding:"required,min=1"`
	ApproverID   string `json:"approver_id" binding:"required,uuid"`
	ApproverRole string `json:"approver_role" binding:"max=50"`
}

// RuleRequest represents the payload for creating or replacing a rule
type RuleRequest struct {
	Name               string              `json:"name" binding:"required,min=1,max=200"`
	RuleType           string              `json:"rule_type" binding:"required,rule_type"`
	MinAmountThreshold decimal.NullDecimal `json:"min_amount_threshold" swaggertype:"number" binding:"omitempty,gte=0"`
	MaxAmountThreshold decimal.NullDecimal `json:"max_amount_threshold" swaggertype:"number" binding:"omitempty,gte=0"`
	PercentageRequired *int                `json:"percentage_required" binding:"omitempty,min=1,max=100"`
	SpecificApproverID *string             `json:"specific_approver_id" binding:"omitempty,uuid"`
	IsHybrid           bool                `json:"is_hybrid"`
	ManagerFirst       bool                `json:"manager_first"`
	ApproversSequence  bool                `json:"approvers_sequence"`
	Steps              []RuleStepRequest   `json:"steps" binding:"omitempty,max=50,dive"`
}

func (r RuleRequest) input() services.RuleInput {
	in := services.RuleInput{
		Name:               r.Name,
		RuleType:           models.RuleType(r.RuleType),
		MinAmountThreshold: r.MinAmountThreshold,
		MaxAmountThreshold: r.MaxAmountThreshold,
		PercentageRequired: r.PercentageRequired,
		SpecificApproverID: r.SpecificApproverID,
		IsHybrid:           r.IsHybrid,
		ManagerFirst:       r.ManagerFirst,
		ApproversSequence:  r.ApproversSequence,
	}
	for _, st := range r.Steps {
		in.Steps = append(in.Steps, services.RuleStepInput{
			StepOrder:    st.StepOrder,
			ApproverID:   st.ApproverID,
			ApproverRole: st.ApproverRole,
		})
	}
	return in
}

// CreateRule handles the creation of an approval rule
// @Summary     Create an approval rule
// @Description Create an approval rule with its approver template
// @Tags        approval-rules
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body RuleRequest true "Rule configuration"
// @Success     201 {object} map[string]interface{} "Rule created"
// @Failure     400 {object} ErrorResponse "Invalid rule"
// @Failure     403 {object} ErrorResponse "Admins only"
// @Router      /approval-rules [post]
func (h *RuleHandler) CreateRule(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	rule, err := h.ruleService.CreateRule(c.Request.Context(), actor, req.input())
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "CREATE_RULE", "approval_rule", rule.ID, c.ClientIP(),
		map[string]interface{}{"name": rule.Name, "rule_type": rule.RuleType})

	c.JSON(http.StatusCreated, gin.H{"rule": rule})
}

// ListRules handles listing approval rules
// @Summary     List approval rules
// @Description List the company's approval rules, newest first
// @Tags        approval-rules
// @Produce     json
// @Security    BearerAuth
// @Param       active    query bool false "Only active rules"
// @Param       page      query int  false "Page number"
// @Param       page_size query int  false "Page size"
// @Success     200 {object} map[string]interface{} "Paginated rules"
// @Failure     403 {object} ErrorResponse "Admins only"
// @Router      /approval-rules [get]
func (h *RuleHandler) ListRules(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var page pagination.PageRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.ruleService.ListRules(c.Request.Context(), actor, c.Query("active") == "true", page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetRule handles the retrieval of one rule version
// @Summary     Get approval rule
// @Description Get an approval rule version with its steps
// @Tags        approval-rules
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Rule ID"
// @Success     200 {object} map[string]interface{} "Rule"
// @Failure     404 {object} ErrorResponse "Rule not found"
// @Router      /approval-rules/{id} [get]
func (h *RuleHandler) GetRule(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	id, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	rule, err := h.ruleService.GetRule(c.Request.Context(), actor, id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// UpdateRule handles replacing a rule with a new version
// @Summary     Update approval rule
// @Description Replace an active rule with a new version. Expenses already submitted keep the old version.
// @Tags        approval-rules
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string      true "Rule ID"
// @Param       request body RuleRequest true "Rule configuration"
// @Success     200 {object} map[string]interface{} "New rule version"
// @Failure     400 {object} ErrorResponse "Invalid rule"
// @Failure     404 {object} ErrorResponse "Rule not found"
// @Failure     409 {object} ErrorResponse "Rule superseded"
// @Router      /approval-rules/{id} [put]
func (h *RuleHandler) UpdateRule(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	id, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	rule, err := h.ruleService.UpdateRule(c.Request.Context(), actor, id, req.input())
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "UPDATE_RULE", "approval_rule", rule.ID, c.ClientIP(),
		map[string]interface{}{"previous_id": id, "version": rule.Version})

	c.JSON(http.StatusOK, gin.H{"rule": rule})
}

// DeactivateRule handles retiring a rule
// @Summary     Deactivate approval rule
// @Description Take a rule out of matching
// @Tags        approval-rules
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Rule ID"
// @Success     200 {object} map[string]interface{} "Rule deactivated"
// @Failure     404 {object} ErrorResponse "Rule not found"
// @Router      /approval-rules/{id} [delete]
func (h *RuleHandler) DeactivateRule(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	id, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	if err := h.ruleService.DeactivateRule(c.Request.Context(), actor, id); err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "DEACTIVATE_RULE", "approval_rule", id, c.ClientIP(), nil)

	c.JSON(http.StatusOK, gin.H{"message": "Approval rule deactivated"})
}
