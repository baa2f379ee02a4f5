package integration

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestExpenseFlow_CategoryAndVisibility(t *testing.T) {
	app := setupApp(t)
	tm := setupTeam(t, app, false)
	outsider := app.addUser(t, tm.admin, "outsider@acme.io", "employee", "", false)

	result := app.mustRequest(t, http.StatusCreated, "POST", "/api/v1/categories",
		`{"name":"Travel","description":"Flights and hotels"}`, tm.admin.Token)
	categoryID := result["category"].(map[string]interface{})["id"].(string)

	body := fmt.Sprintf(`{"category_id":%q,"amount":"120.50","currency":"USD","description":"Train ticket","expense_date":"2026-05-02"}`, categoryID)
	result = app.mustRequest(t, http.StatusCreated, "POST", "/api/v1/expenses", body, tm.employee.Token)
	expense := result["expense"].(map[string]interface{})
	expenseID := expense["id"].(string)
	if expense["status"] != "pending" {
		t.Errorf("expected pending, got %v", expense["status"])
	}
	if expense["category_id"] != categoryID {
		t.Errorf("expected category %s, got %v", categoryID, expense["category_id"])
	}

	// Owner, direct manager and admin can read it
	for _, s := range []session{tm.employee, tm.manager, tm.admin} {
		app.mustRequest(t, http.StatusOK, "GET", "/api/v1/expenses/"+expenseID, "", s.Token)
	}

	// An unrelated employee cannot
	rec := app.request("GET", "/api/v1/expenses/"+expenseID, "", outsider.Token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unrelated employee, got %d", rec.Code)
	}

	// Lists are scoped by role
	list := app.mustRequest(t, http.StatusOK, "GET", "/api/v1/expenses", "", outsider.Token)
	if list["total_items"].(float64) != 0 {
		t.Errorf("expected no expenses for the outsider, got %v", list["total_items"])
	}
	list = app.mustRequest(t, http.StatusOK, "GET", "/api/v1/expenses?status=pending", "", tm.manager.Token)
	if list["total_items"].(float64) != 1 {
		t.Errorf("expected the manager to see the report's expense, got %v", list["total_items"])
	}
	list = app.mustRequest(t, http.StatusOK, "GET", "/api/v1/expenses?status=approved", "", tm.admin.Token)
	if list["total_items"].(float64) != 0 {
		t.Errorf("expected no approved expenses, got %v", list["total_items"])
	}

	// Unknown category
	rec = app.request("POST", "/api/v1/expenses",
		`{"category_id":"0190a0c0-0000-7000-8000-0000000000ff","amount":"5","currency":"USD","description":"Snacks"}`, tm.employee.Token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown category, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestExpenseFlow_TenantIsolation(t *testing.T) {
	app := setupApp(t)
	acme := setupTeam(t, app, false)
	globex := app.signup(t, "Globex", "admin@globex.io")

	expenseID := app.fileExpense(t, acme.employee, "42")

	rec := app.request("GET", "/api/v1/expenses/"+expenseID, "", globex.Token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across companies, got %d", rec.Code)
	}
	rec = app.request("POST", "/api/v1/expenses/"+expenseID+"/resolve", `{"action":"approved"}`, globex.Token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when resolving across companies, got %d", rec.Code)
	}

	// A rule cannot name another company's user
	rec = app.request("POST", "/api/v1/approval-rules",
		fmt.Sprintf(`{"name":"Poach","rule_type":"specific_approver","specific_approver_id":%q}`, acme.manager.UserID), globex.Token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}

	users := app.mustRequest(t, http.StatusOK, "GET", "/api/v1/users", "", globex.Token)
	if users["total_items"].(float64) != 1 {
		t.Errorf("expected only Globex's admin, got %v", users["total_items"])
	}
}

func TestExpenseFlow_SubmitGuards(t *testing.T) {
	app := setupApp(t)
	tm := setupTeam(t, app, false)
	app.createRule(t, tm.admin, `{"name":"Manager","rule_type":"percentage","percentage_required":100,"manager_first":true}`)

	expenseID := app.fileExpense(t, tm.employee, "30")

	// Only the owner submits
	rec := app.request("POST", "/api/v1/expenses/"+expenseID+"/submit", "", tm.manager.Token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	app.mustRequest(t, http.StatusOK, "POST", "/api/v1/expenses/"+expenseID+"/submit", "", tm.employee.Token)

	// Submitting twice is refused
	rec = app.request("POST", "/api/v1/expenses/"+expenseID+"/submit", "", tm.employee.Token)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "EXPENSE_NOT_SUBMITTABLE" {
		t.Errorf("expected EXPENSE_NOT_SUBMITTABLE, got %s", code)
	}

	// Employees cannot act on their own expense unless in the plan
	rec = app.request("POST", "/api/v1/expenses/"+expenseID+"/actions", `{"action":"approved"}`, tm.employee.Token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Bad action value
	rec = app.request("POST", "/api/v1/expenses/"+expenseID+"/actions", `{"action":"maybe"}`, tm.manager.Token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestServer_HealthAndInternalMetrics(t *testing.T) {
	app := setupApp(t)

	result := app.mustRequest(t, http.StatusOK, "GET", "/api/health", "", "")
	if result["status"] != "ok" {
		t.Errorf("expected ok, got %v", result["status"])
	}

	rec := app.request("GET", "/internal/metrics", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an API key, got %d", rec.Code)
	}

	// Drive one approval so the counters have samples
	tm := setupTeam(t, app, false)
	app.createRule(t, tm.admin, `{"name":"Manager","rule_type":"percentage","percentage_required":100,"manager_first":true}`)
	expenseID := app.fileExpense(t, tm.employee, "15")
	app.mustRequest(t, http.StatusOK, "POST", "/api/v1/expenses/"+expenseID+"/submit", "", tm.employee.Token)
	app.act(t, tm.manager, expenseID, "approved")

	rec = app.requestWithHeader("GET", "/internal/metrics", "X-API-Key", internalKey)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the API key, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"expenseflow_actions_total", "expenseflow_transitions_total", "expenseflow_requests_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metric %s in the exposition", name)
		}
	}
}

func TestExpenseFlow_EditDeleteAndDashboard(t *testing.T) {
	app := setupApp(t)
	tm := setupTeam(t, app, false)
	app.createRule(t, tm.admin, `{"name":"Manager","rule_type":"percentage","percentage_required":100,"manager_first":true}`)

	draft := app.fileExpense(t, tm.employee, "25")
	result := app.mustRequest(t, http.StatusOK, "PUT", "/api/v1/expenses/"+draft,
		`{"amount":"27.40","currency":"USD","description":"Taxi to client"}`, tm.employee.Token)
	expense := result["expense"].(map[string]interface{})
	if expense["description"] != "Taxi to client" || expense["version"].(float64) != 2 {
		t.Errorf("unexpected edited expense %v", expense)
	}

	// The manager can read but not edit
	rec := app.request("PUT", "/api/v1/expenses/"+draft,
		`{"amount":"1","currency":"USD","description":"Changed"}`, tm.manager.Token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	// Once submitted it is frozen
	submitted := app.fileExpense(t, tm.employee, "60")
	app.mustRequest(t, http.StatusOK, "POST", "/api/v1/expenses/"+submitted+"/submit", "", tm.employee.Token)
	rec = app.request("DELETE", "/api/v1/expenses/"+submitted, "", tm.employee.Token)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "EXPENSE_NOT_EDITABLE" {
		t.Errorf("expected EXPENSE_NOT_EDITABLE, got %s", code)
	}

	dash := app.mustRequest(t, http.StatusOK, "GET", "/api/v1/manager/dashboard", "", tm.manager.Token)
	stats := dash["dashboard"].(map[string]interface{})["stats"].(map[string]interface{})
	if stats["pending_approvals"].(float64) != 1 || stats["unsubmitted"].(float64) != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
	if stats["total_team_expenses"] != "87.4" {
		t.Errorf("expected total 87.4, got %v", stats["total_team_expenses"])
	}

	app.mustRequest(t, http.StatusOK, "DELETE", "/api/v1/expenses/"+draft, "", tm.employee.Token)
	rec = app.request("GET", "/api/v1/expenses/"+draft, "", tm.employee.Token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}

	rec = app.request("GET", "/api/v1/manager/dashboard", "", tm.employee.Token)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for an employee, got %d", rec.Code)
	}
}
