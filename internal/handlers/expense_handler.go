package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/services"
)

const dateLayout = "2006-01-02"

// ExpenseHandler handles expense filing and retrieval.
type ExpenseHandler struct {
	expenseService  services.ExpenseServicer
	approvalService services.ApprovalServicer
}

// NewExpenseHandler creates a new ExpenseHandler.
func NewExpenseHandler(expenseService services.ExpenseServicer, approvalService services.ApprovalServicer) *ExpenseHandler {
	return &ExpenseHandler{expenseService: expenseService, approvalService: approvalService}
}

// CreateExpenseRequest represents the request payload for filing an expense
type CreateExpenseRequest struct {
	CategoryID   *string             `json:"category_id" binding:"omitempty,uuid"`
	Amount       decimal.Decimal     `json:"amount" swaggertype:"number" binding:"required,gt=0"`
	Currency     string              `json:"currency" binding:"required,iso4217"`
	ExchangeRate decimal.NullDecimal `json:"exchange_rate" swaggertype:"number" binding:"omitempty,gt=0"`
	Description  string              `json:"description" binding:"required,min=1,max=500"`
	MerchantName string              `json:"merchant_name" binding:"max=200"`
	ExpenseDate  string              `json:"expense_date" binding:"omitempty,datetime=2006-01-02"`
	Submit       bool                `json:"submit"`
}

// CreateExpense handles filing an expense, optionally submitting it
// @Summary     Create an expense
// @Description File an expense. With submit=true it is also submitted for approval; a failed submission leaves it pending and is reported in submission_error.
// @Tags        expenses
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body CreateExpenseRequest true "Expense details"
// @Success     201 {object} map[string]interface{} "Expense created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     404 {object} ErrorResponse "Category not found"
// @Router      /expenses [post]
func (h *ExpenseHandler) CreateExpense(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req CreateExpenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	var expenseDate time.Time
	if req.ExpenseDate != "" {
		expenseDate, _ = time.Parse(dateLayout, req.ExpenseDate)
	}

	ctx := c.Request.Context()
	expense, err := h.expenseService.CreateExpense(ctx, actor, services.ExpenseInput{
		CategoryID:   req.CategoryID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Description:  req.Description,
		MerchantName: req.MerchantName,
		ExpenseDate:  expenseDate,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	if !req.Submit {
		c.JSON(http.StatusCreated, gin.H{"expense": expense})
		return
	}

	submission, err := h.approvalService.SubmitExpense(ctx, actor, expense.ID)
	if err != nil {
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.ErrInternalServer
		}
		c.JSON(http.StatusCreated, gin.H{
			"expense":          expense,
			"submission_error": ErrorDetail{Code: appErr.Code, Message: appErr.Message},
		})
		return
	}

	if reloaded, err := h.expenseService.GetExpense(ctx, actor, expense.ID); err == nil {
		expense = reloaded
	}
	c.JSON(http.StatusCreated, gin.H{"expense": expense, "submission": submission})
}

// ListExpenses handles listing the expenses visible to the caller
// @Summary     List expenses
// @Description List expenses: the whole company for admins, own and direct reports' for managers, own for employees
// @Tags        expenses
// @Produce     json
// @Security    BearerAuth
// @Param       status      query string false "Filter by status"
// @Param       employee_id query string false "Filter by employee"
// @Param       page        query int    false "Page number"
// @Param       page_size   query int    false "Page size"
// @Success     200 {object} map[string]interface{} "Paginated expenses"
// @Failure     400 {object} ErrorResponse "Invalid filter"
// @Router      /expenses [get]
func (h *ExpenseHandler) ListExpenses(c *gin.Context) {
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

	var filter services.ExpenseFilter
	if v := c.Query("status"); v != "" {
		status := models.ExpenseStatus(v)
		switch status {
		case models.ExpenseStatusPending, models.ExpenseStatusInProgress, models.ExpenseStatusApproved, models.ExpenseStatusRejected:
		default:
			respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, "Invalid status"))
			return
		}
		filter.Status = &status
	}
	if c.Query("employee_id") != "" {
		id, err := parseQueryID(c, "employee_id")
		if err != nil {
			respondWithError(c, err)
			return
		}
		filter.EmployeeID = &id
	}

	result, err := h.expenseService.ListExpenses(c.Request.Context(), actor, filter, page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetExpense handles the retrieval of a specific expense
// @Summary     Get expense by ID
// @Description Get an expense visible to the caller
// @Tags        expenses
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Expense ID"
// @Success     200 {object} map[string]interface{} "Expense"
// @Failure     404 {object} ErrorResponse "Expense not found"
// @Router      /expenses/{id} [get]
func (h *ExpenseHandler) GetExpense(c *gin.Context) {
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

	expense, err := h.expenseService.GetExpense(c.Request.Context(), actor, id)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expense": expense})
}

// UpdateExpenseRequest represents the request payload for editing a pending expense
type UpdateExpenseRequest struct {
	CategoryID   *string             `json:"category_id" binding:"omitempty,uuid"`
	Amount       decimal.Decimal     `json:"amount" swaggertype:"number" binding:"required,gt=0"`
	Currency     string              `json:"currency" binding:"required,iso4217"`
	ExchangeRate decimal.NullDecimal `json:"exchange_rate" swaggertype:"number" binding:"omitempty,gt=0"`
	Description  string              `json:"description" binding:"required,min=1,max=500"`
	MerchantName string              `json:"merchant_name" binding:"max=200"`
	ExpenseDate  string              `json:"expense_date" binding:"omitempty,datetime=2006-01-02"`
}

// UpdateExpense handles editing an expense before it is submitted
// @Summary     Update an expense
// @Description Replace the details of a pending expense. Only the owner or an admin may edit it.
// @Tags        expenses
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string               true "Expense ID"
// @Param       request body UpdateExpenseRequest true "Expense details"
// @Success     200 {object} map[string]interface{} "Expense updated"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     403 {object} ErrorResponse "Not the owner"
// @Failure     404 {object} ErrorResponse "Expense not found"
// @Failure     409 {object} ErrorResponse "Expense already submitted or finalized"
// @Router      /expenses/{id} [put]
func (h *ExpenseHandler) UpdateExpense(c *gin.Context) {
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

	var req UpdateExpenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	var expenseDate time.Time
	if req.ExpenseDate != "" {
		expenseDate, _ = time.Parse(dateLayout, req.ExpenseDate)
	}

	expense, err := h.expenseService.UpdateExpense(c.Request.Context(), actor, id, services.ExpenseInput{
		CategoryID:   req.CategoryID,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ExchangeRate: req.ExchangeRate,
		Description:  req.Description,
		MerchantName: req.MerchantName,
		ExpenseDate:  expenseDate,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expense": expense})
}

// DeleteExpense handles withdrawing an expense before it is submitted
// @Summary     Delete an expense
// @Description Delete a pending expense. Only the owner or an admin may delete it.
// @Tags        expenses
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "Expense ID"
// @Success     200 {object} map[string]interface{} "Expense deleted"
// @Failure     403 {object} ErrorResponse "Not the owner"
// @Failure     404 {object} ErrorResponse "Expense not found"
// @Failure     409 {object} ErrorResponse "Expense already submitted or finalized"
// @Router      /expenses/{id} [delete]
func (h *ExpenseHandler) DeleteExpense(c *gin.Context) {
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

	if err := h.expenseService.DeleteExpense(c.Request.Context(), actor, id); err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Expense deleted"})
}

// TeamDashboard handles the manager overview of direct reports
// @Summary     Manager dashboard
// @Description Active direct reports, their most recent expenses and team totals
// @Tags        expenses
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} map[string]interface{} "Team dashboard"
// @Failure     403 {object} ErrorResponse "Managers and admins only"
// @Router      /manager/dashboard [get]
func (h *ExpenseHandler) TeamDashboard(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	dashboard, err := h.expenseService.TeamDashboard(c.Request.Context(), actor)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dashboard": dashboard})
}
