// Package server assembles the gin router for the expenseflow API.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"expenseflow/internal/handlers"
	"expenseflow/internal/logger"
	"expenseflow/internal/metrics"
	"expenseflow/internal/middleware"
	"expenseflow/internal/services"
)

// Services are the business services the routes are served by.
type Services struct {
	Company  services.CompanyServicer
	User     services.UserServicer
	Category services.CategoryServicer
	Rule     services.RuleServicer
	Expense  services.ExpenseServicer
	Approval services.ApprovalServicer
	Audit    services.AuditServicer
}

// Options tune the router.
type Options struct {
	// InternalAPIKey guards /internal. Empty disables those routes.
	InternalAPIKey string
	// Ping reports database health for /api/health. Nil skips the check.
	Ping func(ctx context.Context) error
}

// NewRouter builds the engine with every API route registered.
func NewRouter(svc Services, opts Options) *gin.Engine {
	authHandler := handlers.NewAuthHandler(svc.Company, svc.User, svc.Audit)
	companyHandler := handlers.NewCompanyHandler(svc.Company)
	userHandler := handlers.NewUserHandler(svc.User, svc.Audit)
	categoryHandler := handlers.NewCategoryHandler(svc.Category, svc.Audit)
	ruleHandler := handlers.NewRuleHandler(svc.Rule, svc.Audit)
	expenseHandler := handlers.NewExpenseHandler(svc.Expense, svc.Approval)
	approvalHandler := handlers.NewApprovalHandler(svc.Approval, svc.Audit)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging())
	router.Use(metrics.Middleware())
	router.Use(middleware.ErrorHandler())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/api/health", health(opts.Ping))

	internal := router.Group("/internal")
	internal.Use(middleware.APIKeyMiddleware(opts.InternalAPIKey))
	internal.GET("/metrics", metrics.Handler())

	v1 := router.Group("/api/v1")

	auth := v1.Group("/auth")
	auth.POST("/signup", authHandler.Signup)
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	protected := v1.Group("/")
	protected.Use(middleware.AuthMiddleware())

	protected.GET("/profile", authHandler.GetProfile)
	protected.GET("/company", companyHandler.GetCompany)

	users := protected.Group("/users")
	users.POST("", userHandler.CreateUser)
	users.GET("", userHandler.ListUsers)
	users.PUT("/:id/role", userHandler.UpdateRole)
	users.PUT("/:id/manager", userHandler.SetManager)
	users.DELETE("/:id", userHandler.DeactivateUser)

	categories := protected.Group("/categories")
	categories.POST("", categoryHandler.CreateCategory)
	categories.GET("", categoryHandler.ListCategories)
	categories.GET("/:id", categoryHandler.GetCategory)

	rules := protected.Group("/approval-rules")
	rules.POST("", ruleHandler.CreateRule)
	rules.GET("", ruleHandler.ListRules)
	rules.GET("/:id", ruleHandler.GetRule)
	rules.PUT("/:id", ruleHandler.UpdateRule)
	rules.DELETE("/:id", ruleHandler.DeactivateRule)

	expenses := protected.Group("/expenses")
	expenses.POST("", expenseHandler.CreateExpense)
	expenses.GET("", expenseHandler.ListExpenses)
	expenses.GET("/:id", expenseHandler.GetExpense)
	expenses.PUT("/:id", expenseHandler.UpdateExpense)
	expenses.DELETE("/:id", expenseHandler.DeleteExpense)
	expenses.POST("/:id/submit", approvalHandler.SubmitExpense)
	expenses.GET("/:id/approval", approvalHandler.GetApprovalState)
	expenses.POST("/:id/actions", approvalHandler.RecordAction)
	expenses.POST("/:id/resolve", approvalHandler.ResolveExpense)

	protected.GET("/approvals/pending", approvalHandler.PendingApprovals)
	protected.GET("/manager/dashboard", expenseHandler.TeamDashboard)

	return router
}

func health(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				logger.Get().Warnw("health check failed", "error", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
