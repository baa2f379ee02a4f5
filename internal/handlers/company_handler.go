package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"expenseflow/internal/services"
)

// CompanyHandler handles company-related requests.
type CompanyHandler struct {
	companyService services.CompanyServicer
}

// NewCompanyHandler creates a new CompanyHandler.
func NewCompanyHandler(companyService services.CompanyServicer) *CompanyHandler {
	return &CompanyHandler{companyService: companyService}
}

// GetCompany returns the caller's company
// @Summary     Get company
// @Description Get the company of the authenticated user
// @Tags        company
// @Produce     json
// @Security    BearerAuth
// @Success     200 {object} map[string]interface{} "Company"
// @Failure     401 {object} ErrorResponse "Unauthorized"
// @Failure     404 {object} ErrorResponse "Company not found"
// @Router      /company [get]
func (h *CompanyHandler) GetCompany(c *gin.Context) {
	actor, err := getActor(c)
	if err != nil {
		respondWithError(c, err)
		return
	}

	company, err := h.companyService.GetCompany(c.Request.Context(), actor)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"company": company})
}
