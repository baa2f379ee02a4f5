package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"expenseflow/internal/config"
	"expenseflow/internal/database"
	"expenseflow/internal/logger"
	"expenseflow/internal/metrics"
	"expenseflow/internal/notify"
	"expenseflow/internal/server"
	"expenseflow/internal/services"
	"expenseflow/internal/validator"

	_ "expenseflow/internal/docs" // Import swagger docs
)

// @title           Expenseflow API
// @version         1.0
// @description     Expenseflow is a multi-tenant expense reporting service with configurable, multi-step approval workflows.
// @termsOfService  http://swagger.io/terms/

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	logger.Init(os.Getenv("ENV"), os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	if err := run(); err != nil {
		logger.Get().Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	log := logger.Get()

	appConfig, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	dbConfig := database.NewConfig(appConfig)
	dbManager, err := database.NewManager(dbConfig)
	if err != nil {
		return fmt.Errorf("failed to create database manager: %w", err)
	}
	defer func() {
		if err := dbManager.Close(); err != nil {
			log.Warnf("failed to close database: %v", err)
		}
	}()

	if appConfig.RunMigrations {
		if err := dbManager.RunMigrations(); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	nc, err := notify.Connect(appConfig.NATSURL, logger.Named("notify"))
	if err != nil {
		return err
	}
	var publisher *notify.Publisher
	if nc != nil {
		defer notify.Drain(nc, logger.Named("notify"))
		publisher = notify.NewPublisher(nc, appConfig.NATSSubjectPrefix, logger.Named("notify"))
	} else {
		log.Info("NATS_URL not set, expense notifications disabled")
		publisher = notify.NewPublisher(nil, appConfig.NATSSubjectPrefix, logger.Named("notify"))
	}

	validator.Register()

	// Initialize services
	db := dbManager.DB()
	auditService := services.NewAuditService(db)
	companyService := services.NewCompanyService(db)
	userService := services.NewUserService(db, services.LoginPolicy{
		MaxFailedAttempts: appConfig.MaxFailedLogins,
		LockoutDuration:   appConfig.LockoutDur,
	})
	categoryService := services.NewCategoryService(db)
	ruleService := services.NewRuleService(db)
	expenseService := services.NewExpenseService(db)
	approvalService := services.NewApprovalService(db, ruleService, userService, services.ApprovalOptions{
		AutoApproveWithoutRule: appConfig.AutoApproveWithoutRule,
		Recorders:              []services.ChangeRecorder{auditService, publisher, metrics.NewRecorder()},
	})

	router := server.NewRouter(server.Services{
		Company:  companyService,
		User:     userService,
		Category: categoryService,
		Rule:     ruleService,
		Expense:  expenseService,
		Approval: approvalService,
		Audit:    auditService,
	}, server.Options{
		InternalAPIKey: appConfig.InternalAPIKey,
		Ping:           dbManager.Ping,
	})

	srv := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting Expenseflow API on port %s", appConfig.Port)
		log.Infof("Swagger documentation available at http://localhost:%s/swagger/index.html", appConfig.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Infow("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
