package handlers

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "expenseflow/internal/errors"
	"expenseflow/internal/middleware"
	"expenseflow/internal/models"
	"expenseflow/internal/services"
)

// AuthHandler handles signup, login and token refresh.
type AuthHandler struct {
	companyService services.CompanyServicer
	userService    services.UserServicer
	auditService   services.AuditServicer
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(companyService services.CompanyServicer, userService services.UserServicer, auditService services.AuditServicer) *AuthHandler {
	return &AuthHandler{companyService: companyService, userService: userService, auditService: auditService}
}

// SignupRequest represents the company signup payload
type SignupRequest struct {
	CompanyName string `json:"company_name" binding:"required,max=200"`
	Country     string `json:"country" binding:"required,max=100"`
	Currency    string `json:"currency" binding:"required,iso4217"`
	Email       string `json:"email" binding:"required,email,max=255"`
	Password    string `json:"password" binding:"required,min=8,max=128"`
	FirstName   string `json:"first_name" binding:"max=100"`
	LastName    string `json:"last_name" binding:"max=100"`
}

// LoginRequest represents the login request payload
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// RefreshRequest represents the token refresh payload
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// UserResponse represents the user data in the response
type UserResponse struct {
	ID                string      `json:"id"`
	CompanyID         string      `json:"company_id"`
	Email             string      `json:"email"`
	FirstName         string      `json:"first_name"`
	LastName          string      `json:"last_name"`
	Role              models.Role `json:"role"`
	ManagerID         *string     `json:"manager_id,omitempty"`
	IsManagerApprover bool        `json:"is_manager_approver"`
	IsActive          bool        `json:"is_active"`
}

// AuthResponse represents the authentication response with tokens
type AuthResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	User         UserResponse `json:"user"`
}

// Signup handles company signup
// @Summary     Sign up a company
// @Description Create a company and its first admin, and log the admin in
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body SignupRequest true "Company and admin details"
// @Success     201 {object} AuthResponse "Company created and tokens issued"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     409 {object} ErrorResponse "Email already registered"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /auth/signup [post]
func (h *AuthHandler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	company, admin, err := h.companyService.Signup(c.Request.Context(), services.SignupInput{
		CompanyName: req.CompanyName,
		Country:     req.Country,
		Currency:    req.Currency,
		Email:       req.Email,
		Password:    req.Password,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	access, refresh, err := h.issueTokens(c, admin)
	if err != nil {
		respondWithError(c, err)
		return
	}

	h.auditService.Log(actorOf(admin), "SIGNUP", "company", company.ID, c.ClientIP(),
		map[string]interface{}{"name": company.Name, "currency": company.Currency})

	c.JSON(http.StatusCreated, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"company":       company,
		"user":          admin,
	})
}

// Login handles user login
// @Summary     Login user
// @Description Authenticate a user and get an access and refresh token
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body LoginRequest true "User login credentials"
// @Success     200 {object} AuthResponse "User authenticated and tokens issued"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Invalid credentials"
// @Failure     423 {object} ErrorResponse "Account locked"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	user, err := h.userService.AttemptLogin(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		respondWithError(c, err)
		return
	}

	access, refresh, err := h.issueTokens(c, user)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"user":          user,
	})
}

// Refresh exchanges a refresh token for a new token pair
// @Summary     Refresh tokens
// @Description Exchange a valid refresh token for a new access and refresh token. The old refresh token stops working.
// @Tags        auth
// @Accept      json
// @Produce     json
// @Param       request body RefreshRequest true "Refresh token"
// @Success     200 {object} AuthResponse "New tokens issued"
// @Failure     400 {object} ErrorResponse "Invalid input"
// @Failure     401 {object} ErrorResponse "Invalid refresh token"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrInvalidInput, err.Error()))
		return
	}

	claims, err := middleware.ValidateRefreshToken(req.RefreshToken)
	if err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrUnauthorized, "Invalid refresh token"))
		return
	}

	ctx := c.Request.Context()
	stored, err := h.userService.GetRefreshTokenHash(ctx, claims.UserID)
	if err != nil || stored == "" ||
		subtle.ConstantTimeCompare([]byte(stored), []byte(middleware.HashToken(req.RefreshToken))) != 1 {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrUnauthorized, "Invalid refresh token"))
		return
	}

	user, err := h.userService.GetUserByID(ctx, claims.UserID)
	if err != nil {
		respondWithError(c, apperrors.WithMessage(apperrors.ErrUnauthorized, "Invalid refresh token"))
		return
	}

	access, refresh, err := h.issueTokens(c, user)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"refresh_token": refresh,
		"user":          user,
	})
}

// GetProfile returns the user's profile
// @Summary     Get user profile
// @Description Get the authenticated user's profile information
// @Tags        user
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} UserResponse "User profile"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     500 {object} ErrorResponse "Server error"
// @Router      /profile [get]
func (h *AuthHandler) GetProfile(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	user, err := h.userService.GetProfile(c.Request.Context(), actor)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

// issueTokens signs a new token pair and stores the refresh token's hash,
// replacing any earlier one.
func (h *AuthHandler) issueTokens(c *gin.Context, user *models.User) (string, string, error) {
	access, err := middleware.GenerateAccessToken(user)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	refresh, err := middleware.GenerateRefreshToken(user)
	if err != nil {
		return "", "", apperrors.Wrap(apperrors.ErrInternalServer, err)
	}
	if err := h.userService.StoreRefreshTokenHash(c.Request.Context(), user.ID, middleware.HashToken(refresh)); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func actorOf(user *models.User) models.Actor {
	return models.Actor{UserID: user.ID, CompanyID: user.CompanyID, Role: user.Role}
}
