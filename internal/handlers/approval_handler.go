package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/services"
)

// ApprovalHandler exposes the approval workflow.
type ApprovalHandler struct {
	approvalService services.ApprovalServicer
	auditService    services.AuditServicer
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(approvalService services.ApprovalServicer, auditService services.AuditServicer) *ApprovalHandler {
	return &ApprovalHandler{approvalService: approvalService, auditService: auditService}
}

// ApprovalActionRequest represents an approver's decision
type ApprovalActionRequest struct {
	Action          string `json:"action" binding:"required,approval_action"`
	Comments        string `json:"comments" binding:"max=1000"`
	ExpectedVersion *int   `json:"expected_version" binding:"omitempty,min=1"`
}

// ResolveRequest represents an admin override
type ResolveRequest struct {
	Action   string `json:"action" binding:"required,approval_action"`
	Comments string `json:"comments" binding:"max=1000"`
}

// SubmitExpense handles submitting an expense for approval
// @Summary     Submit expense
// @Description Match an approval rule, resolve the approvers and activate the first step
// @Tags        approvals
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Expense ID"
// @Success     200 {object} services.SubmitResult "Submission"
// @Failure     403 {object} ErrorResponse "Not the expense owner"
// @Failure     409 {object} ErrorResponse "Expense not submittable"
// @Failure     422 {object} ErrorResponse "No matching rule or unresolvable approvers"
// @Router      /expenses/{id}/submit [post]
func (h *ApprovalHandler) SubmitExpense(c *gin.Context) {
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

	result, err := h.approvalService.SubmitExpense(c.Request.Context(), actor, id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"submission": result})
}

// GetApprovalState handles reading an expense's approval progress
// @Summary     Get approval state
// @Description Get the current step, active approvers and action history of an expense
// @Tags        approvals
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Expense ID"
// @Success     200 {object} services.ApprovalState "Approval state"
// @Failure     404 {object} ErrorResponse "Expense not found"
// @Router      /expenses/{id}/approval [get]
func (h *ApprovalHandler) GetApprovalState(c *gin.Context) {
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

	state, err := h.approvalService.GetApprovalState(c.Request.Context(), actor, id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"approval": state})
}

// RecordAction handles an approver's decision
// @Summary     Approve or reject
// @Description Record the caller's decision on the active approval step
// @Tags        approvals
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string                true "Expense ID"
// @Param       request body ApprovalActionRequest true "Decision"
// @Success     200 {object} services.ActionResult "Expense state after the action"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     403 {object} ErrorResponse "Not an active approver"
// @Failure     409 {object} ErrorResponse "Already actioned, finalized or modified concurrently"
// @Router      /expenses/{id}/actions [post]
func (h *ApprovalHandler) RecordAction(c *gin.Context) {
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

	var req ApprovalActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.approvalService.RecordApprovalAction(c.Request.Context(), actor, services.ActionInput{
		ExpenseID:       id,
		ApproverID:      actor.UserID,
		Action:          models.ApprovalAction(req.Action),
		Comments:        req.Comments,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ResolveExpense handles an admin override of a stuck expense
// @Summary     Resolve manually
// @Description Force an in-progress expense to approved or rejected
// @Tags        approvals
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string         true "Expense ID"
// @Param       request body ResolveRequest true "Decision"
// @Success     200 {object} services.ActionResult "Final expense state"
// @Failure     403 {object} ErrorResponse "Admins only"
// @Failure     409 {object} ErrorResponse "Expense already finalized"
// @Router      /expenses/{id}/resolve [post]
func (h *ApprovalHandler) ResolveExpense(c *gin.Context) {
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

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	result, err := h.approvalService.ResolveManually(c.Request.Context(), actor, id, models.ApprovalAction(req.Action), req.Comments)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "RESOLVE_EXPENSE", "expense", id, c.ClientIP(),
		map[string]interface{}{"status": result.Status, "comments": req.Comments})

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// PendingApprovals handles the caller's approval inbox
// @Summary     Pending approvals
// @Description List the approval steps awaiting the caller's decision, oldest first
// @Tags        approvals
// @Produce     json
// @Security    BearerAuth
// @Param       page      query int false "Page number"
// @Param       page_size query int false "Page size"
// @Success     200 {object} map[string]interface{} "Paginated pending approvals"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Router      /approvals/pending [get]
func (h *ApprovalHandler) PendingApprovals(c *gin.Context) {
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

	result, err := h.approvalService.PendingApprovals(c.Request.Context(), actor, page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
