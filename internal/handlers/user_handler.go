package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/models"
	"expenseflow/internal/pagination"
	"expenseflow/internal/services"
)

// UserHandler handles user administration requests.
type UserHandler struct {
	userService  services.UserServicer
	auditService services.AuditServicer
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(userService services.UserServicer, auditService services.AuditServicer) *UserHandler {
	return &UserHandler{userService: userService, auditService: auditService}
}

// CreateUserRequest represents the request payload for adding a user
type CreateUserRequest struct {
	Email             string  `json:"email" binding:"required,email,max=255"`
	Password          string  `json:"password" binding:"required,min=8,max=128"`
	FirstName         string  `json:"first_name" binding:"max=100"`
	LastName          string  `json:"last_name" binding:"max=100"`
	Role              string  `json:"role" binding:"omitempty,user_role"`
	ManagerID         *string `json:"manager_id" binding:"omitempty,uuid"`
	IsManagerApprover bool    `json:"is_manager_approver"`
}

// UpdateRoleRequest represents the request payload for changing a role
type UpdateRoleRequest struct {
	Role string `json:"role" binding:"required,user_role"`
}

// SetManagerRequest represents the request payload for changing a reporting
// line. A null manager_id clears it.
type SetManagerRequest struct {
	ManagerID         *string `json:"manager_id" binding:"omitempty,uuid"`
	IsManagerApprover *bool   `json:"is_manager_approver"`
}

// CreateUser handles adding a user to the caller's company
// @Summary     Create a user
// @Description Add an employee, manager or admin to the company
// @Tags        users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       request body CreateUserRequest true "User details"
// @Success     201 {object} UserResponse "User created"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     403 {object} ErrorResponse "Admins only"
// @Failure     409 {object} ErrorResponse "Email already registered"
// @Router      /users [post]
func (h *UserHandler) CreateUser(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	user, err := h.userService.CreateUser(c.Request.Context(), actor, services.CreateUserInput{
		Email:             req.Email,
		Password:          req.Password,
		FirstName:         req.FirstName,
		LastName:          req.LastName,
		Role:              models.Role(req.Role),
		ManagerID:         req.ManagerID,
		IsManagerApprover: req.IsManagerApprover,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "CREATE_USER", "user", user.ID, c.ClientIP(),
		map[string]interface{}{"email": user.Email, "role": user.Role})

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

// ListUsers handles listing the company's users
// @Summary     List users
// @Description List the users of the caller's company
// @Tags        users
// @Produce     json
// @Security    BearerAuth
// @Param       page      query int false "Page number"
// @Param       page_size query int false "Page size"
// @Success     200 {object} map[string]interface{} "Paginated users"
// @Failure     403 {object} ErrorResponse "Admins only"
// @Router      /users [get]
func (h *UserHandler) ListUsers(c *gin.Context) {
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

	result, err := h.userService.ListUsers(c.Request.Context(), actor, page)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// UpdateRole handles changing a user's role
// @Summary     Change role
// @Description Change the role of a user. The last active admin cannot be demoted.
// @Tags        users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string            true "User ID"
// @Param       request body UpdateRoleRequest true "New role"
// @Success     200 {object} UserResponse "Updated user"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     404 {object} ErrorResponse "User not found"
// @Failure     409 {object} ErrorResponse "Last admin"
// @Router      /users/{id}/role [put]
func (h *UserHandler) UpdateRole(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	userID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	user, err := h.userService.UpdateRole(c.Request.Context(), actor, userID, models.Role(req.Role))
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "UPDATE_ROLE", "user", user.ID, c.ClientIP(),
		map[string]interface{}{"role": user.Role})

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// SetManager handles changing a user's reporting line
// @Summary     Set manager
// @Description Set or clear the manager of a user. Cyclic reporting lines are rejected.
// @Tags        users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id      path string            true "User ID"
// @Param       request body SetManagerRequest true "Reporting line"
// @Success     200 {object} UserResponse "Updated user"
// @Failure     400 {object} ErrorResponse "Invalid manager"
// @Failure     422 {object} ErrorResponse "Cycle detected"
// @Router      /users/{id}/manager [put]
func (h *UserHandler) SetManager(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	userID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req SetManagerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	user, err := h.userService.SetManager(c.Request.Context(), actor, userID, req.ManagerID, req.IsManagerApprover)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "SET_MANAGER", "user", user.ID, c.ClientIP(),
		map[string]interface{}{"manager_id": user.ManagerID, "is_manager_approver": user.IsManagerApprover})

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// DeactivateUser handles deactivating a user
// @Summary     Deactivate user
// @Description Deactivate a user and revoke its refresh token
// @Tags        users
// @Produce     json
// @Security    BearerAuth
// @Param       id path string true "User ID"
// @Success     200 {object} map[string]interface{} "User deactivated"
// @Failure     404 {object} ErrorResponse "User not found"
// @Failure     409 {object} ErrorResponse "Last admin"
// @Router      /users/{id} [delete]
func (h *UserHandler) DeactivateUser(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	userID, err := parsePathID(c, "id")
	if err != nil {
		respondWithError(c, err)
		return
	}

	if err := h.userService.DeactivateUser(c.Request.Context(), actor, userID); err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actor, "DEACTIVATE_USER", "user", userID, c.ClientIP(), nil)

	c.JSON(http.StatusOK, gin.H{"message": "User deactivated"})
}
