package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"expenseflow/internal/config"
	"expenseflow/internal/logger"
	"expenseflow/internal/metrics"
	"expenseflow/internal/server"
	"expenseflow/internal/services"
	"expenseflow/internal/testutil"
	"expenseflow/internal/validator"
)

const internalKey = "integration-internal-key"

// testApp holds the full application stack for integration tests.
type testApp struct {
	DB     *gorm.DB
	Router *gin.Engine
}

// session is a logged-in user.
type session struct {
	Token        string
	RefreshToken string
	UserID       string
	CompanyID    string
}

func init() {
	gin.SetMode(gin.TestMode)
	logger.Init("test", "error")
	validator.Register()
	config.Set(&config.Config{
		JWTSecret:        "integration-test-secret",
		JWTExpirationDur: time.Hour,
		RefreshTokenDur:  24 * time.Hour,
	})
}

// setupApp creates a full application stack backed by an isolated in-memory SQLite.
func setupApp(t *testing.T, opts ...func(*services.ApprovalOptions)) *testApp {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.TeardownTestDB(t, db) })

	auditService := services.NewAuditService(db)
	userService := services.NewUserService(db, services.LoginPolicy{MaxFailedAttempts: 3, LockoutDuration: time.Minute})
	ruleService := services.NewRuleService(db)

	approvalOpts := services.ApprovalOptions{
		Recorders: []services.ChangeRecorder{auditService, metrics.NewRecorder()},
	}
	for _, opt := range opts {
		opt(&approvalOpts)
	}

	router := server.NewRouter(server.Services{
		Company:  services.NewCompanyService(db),
		User:     userService,
		Category: services.NewCategoryService(db),
		Rule:     ruleService,
		Expense:  services.NewExpenseService(db),
		Approval: services.NewApprovalService(db, ruleService, userService, approvalOpts),
		Audit:    auditService,
	}, server.Options{InternalAPIKey: internalKey})

	return &testApp{DB: db, Router: router}
}

func autoApprove(o *services.ApprovalOptions) { o.AutoApproveWithoutRule = true }

// request makes an HTTP request to the test router and returns the recorder.
func (app *testApp) request(method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

// requestWithHeader makes a body-less request carrying one extra header.
func (app *testApp) requestWithHeader(method, path, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(header, value)
	rec := httptest.NewRecorder()
	app.Router.ServeHTTP(rec, req)
	return rec
}

// mustRequest fails the test unless the response has the wanted status.
func (app *testApp) mustRequest(t *testing.T, want int, method, path, body, token string) map[string]interface{} {
	t.Helper()
	rec := app.request(method, path, body, token)
	if rec.Code != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, rec.Code, rec.Body.String())
	}
	return parseJSON(t, rec)
}

// parseJSON parses the response body into a map.
func parseJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, rec.Body.String())
	}
	return result
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	errObj, ok := parseJSON(t, rec)["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

// signup opens a company and returns its admin session.
func (app *testApp) signup(t *testing.T, company, email string) session {
	t.Helper()
	body := fmt.Sprintf(`{"company_name":%q,"country":"US","currency":"USD","email":%q,"password":"password123","first_name":"Ada","last_name":"Admin"}`, company, email)
	result := app.mustRequest(t, http.StatusCreated, "POST", "/api/v1/auth/signup", body, "")
	user := result["user"].(map[string]interface{})
	return session{
		Token:        result["access_token"].(string),
		RefreshToken: result["refresh_token"].(string),
		UserID:       user["id"].(string),
		CompanyID:    user["company_id"].(string),
	}
}

// login returns a session for an existing user.
func (app *testApp) login(t *testing.T, email string) session {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"password123"}`, email)
	result := app.mustRequest(t, http.StatusOK, "POST", "/api/v1/auth/login", body, "")
	user := result["user"].(map[string]interface{})
	return session{
		Token:        result["access_token"].(string),
		RefreshToken: result["refresh_token"].(string),
		UserID:       user["id"].(string),
		CompanyID:    user["company_id"].(string),
	}
}

// addUser creates a user as admin and logs them in. managerID may be empty.
func (app *testApp) addUser(t *testing.T, admin session, email, role, managerID string, managerApprover bool) session {
	t.Helper()
	body := fmt.Sprintf(`{"email":%q,"password":"password123","first_name":"Test","role":%q,"is_manager_approver":%t`, email, role, managerApprover)
	if managerID != "" {
		body += fmt.Sprintf(`,"manager_id":%q`, managerID)
	}
	body += "}"
	app.mustRequest(t, http.StatusCreated, "POST", "/api/v1/users", body, admin.Token)
	return app.login(t, email)
}

// fileExpense creates a pending expense and returns its id.
func (app *testApp) fileExpense(t *testing.T, s session, amount string) string {
	t.Helper()
	body := fmt.Sprintf(`{"amount":%q,"currency":"USD","description":"Client dinner","expense_date":"2026-03-14"}`, amount)
	result := app.mustRequest(t, http.StatusCreated, "POST", "/api/v1/expenses", body, s.Token)
	return result["expense"].(map[string]interface{})["id"].(string)
}

// act records a decision and returns the result object.
func (app *testApp) act(t *testing.T, s session, expenseID, action string) map[string]interface{} {
	t.Helper()
	result := app.mustRequest(t, http.StatusOK, "POST", "/api/v1/expenses/"+expenseID+"/actions",
		fmt.Sprintf(`{"action":%q}`, action), s.Token)
	return result["result"].(map[string]interface{})
}

// status returns the expense status as seen by s.
func (app *testApp) status(t *testing.T, s session, expenseID string) string {
	t.Helper()
	result := app.mustRequest(t, http.StatusOK, "GET", "/api/v1/expenses/"+expenseID, "", s.Token)
	return result["expense"].(map[string]interface{})["status"].(string)
}

func stringList(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.(string))
	}
	return out
}
