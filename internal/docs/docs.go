// Package docs registers the OpenAPI document served at /swagger.
// Regenerate with: swag init -g cmd/api/main.go -o internal/docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "termsOfService": "http://swagger.io/terms/",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/auth/signup": {
            "post": {
                "description": "Create a company and its first admin, and log the admin in",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Sign up a company",
                "parameters": [
                    {"description": "Company and admin details", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SignupRequest"}}
                ],
                "responses": {
                    "201": {"description": "Company created and tokens issued", "schema": {"$ref": "#/definitions/handlers.AuthResponse"}},
                    "400": {"description": "Invalid input", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Email already registered", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "description": "Authenticate a user and get an access and refresh token",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Login user",
                "parameters": [
                    {"description": "User login credentials", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "User authenticated and tokens issued", "schema": {"$ref": "#/definitions/handlers.AuthResponse"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "423": {"description": "Account locked", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "description": "Exchange a valid refresh token for a new access and refresh token. The old refresh token stops working.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Refresh tokens",
                "parameters": [
                    {"description": "Refresh token", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RefreshRequest"}}
                ],
                "responses": {
                    "200": {"description": "New tokens issued", "schema": {"$ref": "#/definitions/handlers.AuthResponse"}},
                    "401": {"description": "Invalid refresh token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/profile": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["user"],
                "summary": "Get user profile",
                "responses": {
                    "200": {"description": "User profile", "schema": {"$ref": "#/definitions/handlers.UserResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/company": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["company"],
                "summary": "Get company",
                "responses": {
                    "200": {"description": "Company", "schema": {"type": "object"}},
                    "404": {"description": "Company not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/users": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "List users",
                "parameters": [
                    {"type": "integer", "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Paginated users", "schema": {"type": "object"}},
                    "403": {"description": "Admins only", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "Create a user",
                "parameters": [
                    {"description": "User details", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateUserRequest"}}
                ],
                "responses": {
                    "201": {"description": "User created", "schema": {"$ref": "#/definitions/handlers.UserResponse"}},
                    "403": {"description": "Admins only", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Email already registered", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/users/{id}": {
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "Deactivate a user",
                "parameters": [{"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "User deactivated", "schema": {"type": "object"}},
                    "409": {"description": "Last admin", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/users/{id}/role": {
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "Change a user's role",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"description": "New role", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpdateRoleRequest"}}
                ],
                "responses": {
                    "200": {"description": "User updated", "schema": {"$ref": "#/definitions/handlers.UserResponse"}},
                    "409": {"description": "Last admin", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/users/{id}/manager": {
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["users"],
                "summary": "Set a user's manager",
                "parameters": [
                    {"type": "string", "description": "User ID", "name": "id", "in": "path", "required": true},
                    {"description": "Reporting line", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SetManagerRequest"}}
                ],
                "responses": {
                    "200": {"description": "User updated", "schema": {"$ref": "#/definitions/handlers.UserResponse"}},
                    "422": {"description": "Cycle detected", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/categories": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["categories"],
                "summary": "List categories",
                "responses": {"200": {"description": "Paginated categories", "schema": {"type": "object"}}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["categories"],
                "summary": "Create a category",
                "parameters": [
                    {"description": "Category", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateCategoryRequest"}}
                ],
                "responses": {
                    "201": {"description": "Category created", "schema": {"type": "object"}},
                    "409": {"description": "Duplicate name", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/categories/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["categories"],
                "summary": "Get category by ID",
                "parameters": [{"type": "string", "description": "Category ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Category", "schema": {"type": "object"}},
                    "404": {"description": "Category not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/approval-rules": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approval-rules"],
                "summary": "List approval rules",
                "parameters": [
                    {"type": "boolean", "description": "Only active rules", "name": "active", "in": "query"},
                    {"type": "integer", "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "Paginated rules", "schema": {"type": "object"}}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["approval-rules"],
                "summary": "Create an approval rule",
                "parameters": [
                    {"description": "Rule configuration", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RuleRequest"}}
                ],
                "responses": {
                    "201": {"description": "Rule created", "schema": {"type": "object"}},
                    "400": {"description": "Invalid rule", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/approval-rules/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approval-rules"],
                "summary": "Get approval rule",
                "parameters": [{"type": "string", "description": "Rule ID", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "Rule", "schema": {"type": "object"}}}
            },
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["approval-rules"],
                "summary": "Replace an approval rule",
                "parameters": [
                    {"type": "string", "description": "Rule ID", "name": "id", "in": "path", "required": true},
                    {"description": "Rule configuration", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.RuleRequest"}}
                ],
                "responses": {
                    "200": {"description": "Successor rule", "schema": {"type": "object"}},
                    "409": {"description": "Rule superseded", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approval-rules"],
                "summary": "Deactivate an approval rule",
                "parameters": [{"type": "string", "description": "Rule ID", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "Rule deactivated", "schema": {"type": "object"}}}
            }
        },
        "/expenses": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "List expenses",
                "parameters": [
                    {"type": "string", "description": "Filter by status", "name": "status", "in": "query"},
                    {"type": "string", "description": "Filter by employee", "name": "employee_id", "in": "query"},
                    {"type": "integer", "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "Paginated expenses", "schema": {"type": "object"}}}
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Create an expense",
                "parameters": [
                    {"description": "Expense details", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateExpenseRequest"}}
                ],
                "responses": {
                    "201": {"description": "Expense created", "schema": {"type": "object"}},
                    "400": {"description": "Invalid input", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/expenses/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Get expense by ID",
                "parameters": [{"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Expense", "schema": {"type": "object"}},
                    "404": {"description": "Expense not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "put": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Update an expense",
                "parameters": [
                    {"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true},
                    {"description": "Expense details", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.UpdateExpenseRequest"}}
                ],
                "responses": {
                    "200": {"description": "Expense updated", "schema": {"type": "object"}},
                    "403": {"description": "Not the owner", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Expense already submitted or finalized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Delete an expense",
                "parameters": [{"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Expense deleted", "schema": {"type": "object"}},
                    "409": {"description": "Expense already submitted or finalized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/expenses/{id}/submit": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approvals"],
                "summary": "Submit expense",
                "parameters": [{"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "Submission", "schema": {"type": "object"}},
                    "409": {"description": "Expense not submittable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "422": {"description": "No matching rule or unresolvable approvers", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/expenses/{id}/approval": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approvals"],
                "summary": "Get approval state",
                "parameters": [{"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "Approval state", "schema": {"type": "object"}}}
            }
        },
        "/expenses/{id}/actions": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["approvals"],
                "summary": "Approve or reject",
                "parameters": [
                    {"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true},
                    {"description": "Decision", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ApprovalActionRequest"}}
                ],
                "responses": {
                    "200": {"description": "Expense state after the action", "schema": {"type": "object"}},
                    "403": {"description": "Not an active approver", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Already actioned, finalized or modified concurrently", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/expenses/{id}/resolve": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["approvals"],
                "summary": "Resolve manually",
                "parameters": [
                    {"type": "string", "description": "Expense ID", "name": "id", "in": "path", "required": true},
                    {"description": "Decision", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ResolveRequest"}}
                ],
                "responses": {
                    "200": {"description": "Final expense state", "schema": {"type": "object"}},
                    "403": {"description": "Admins only", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/approvals/pending": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["approvals"],
                "summary": "Pending approvals",
                "parameters": [
                    {"type": "integer", "description": "Page number", "name": "page", "in": "query"},
                    {"type": "integer", "description": "Page size", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "Paginated pending approvals", "schema": {"type": "object"}}}
            }
        },
        "/manager/dashboard": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["expenses"],
                "summary": "Manager dashboard",
                "responses": {
                    "200": {"description": "Team dashboard", "schema": {"type": "object"}},
                    "403": {"description": "Managers and admins only", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorDetail": {
            "type": "object",
            "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"$ref": "#/definitions/handlers.ErrorDetail"}}
        },
        "handlers.SignupRequest": {
            "type": "object",
            "required": ["company_name", "country", "currency", "email", "password"],
            "properties": {
                "company_name": {"type": "string", "maxLength": 200},
                "country": {"type": "string", "maxLength": 100},
                "currency": {"type": "string"},
                "email": {"type": "string", "maxLength": 255},
                "password": {"type": "string", "maxLength": 128, "minLength": 8},
                "first_name": {"type": "string", "maxLength": 100},
                "last_name": {"type": "string", "maxLength": 100}
            }
        },
        "handlers.LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {"email": {"type": "string"}, "password": {"type": "string"}}
        },
        "handlers.RefreshRequest": {
            "type": "object",
            "required": ["refresh_token"],
            "properties": {"refresh_token": {"type": "string"}}
        },
        "handlers.UserResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "company_id": {"type": "string"},
                "email": {"type": "string"},
                "first_name": {"type": "string"},
                "last_name": {"type": "string"},
                "role": {"type": "string"},
                "manager_id": {"type": "string"},
                "is_manager_approver": {"type": "boolean"},
                "is_active": {"type": "boolean"}
            }
        },
        "handlers.AuthResponse": {
            "type": "object",
            "properties": {
                "access_token": {"type": "string"},
                "refresh_token": {"type": "string"},
                "user": {"$ref": "#/definitions/handlers.UserResponse"}
            }
        },
        "handlers.CreateUserRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string", "minLength": 8},
                "first_name": {"type": "string"},
                "last_name": {"type": "string"},
                "role": {"type": "string"},
                "manager_id": {"type": "string"},
                "is_manager_approver": {"type": "boolean"}
            }
        },
        "handlers.UpdateRoleRequest": {
            "type": "object",
            "required": ["role"],
            "properties": {"role": {"type": "string"}}
        },
        "handlers.SetManagerRequest": {
            "type": "object",
            "properties": {"manager_id": {"type": "string"}, "is_manager_approver": {"type": "boolean"}}
        },
        "handlers.CreateCategoryRequest": {
            "type": "object",
            "required": ["name"],
            "properties": {"name": {"type": "string", "maxLength": 100}, "description": {"type": "string", "maxLength": 500}}
        },
        "handlers.RuleStepRequest": {
            "type": "object",
            "required": ["step_order", "approver_id"],
            "properties": {
                "step_order": {"type": "integer", "minimum": 1},
                "approver_id": {"type": "string"},
                "approver_role": {"type": "string"}
            }
        },
        "handlers.RuleRequest": {
            "type": "object",
            "required": ["name", "rule_type"],
            "properties": {
                "name": {"type": "string"},
                "rule_type": {"type": "string"},
                "min_amount_threshold": {"type": "number"},
                "max_amount_threshold": {"type": "number"},
                "percentage_required": {"type": "integer", "minimum": 1, "maximum": 100},
                "specific_approver_id": {"type": "string"},
                "is_hybrid": {"type": "boolean"},
                "manager_first": {"type": "boolean"},
                "approvers_sequence": {"type": "boolean"},
                "steps": {"type": "array", "items": {"$ref": "#/definitions/handlers.RuleStepRequest"}}
            }
        },
        "handlers.CreateExpenseRequest": {
            "type": "object",
            "required": ["amount", "currency", "description"],
            "properties": {
                "category_id": {"type": "string"},
                "amount": {"type": "number"},
                "currency": {"type": "string"},
                "exchange_rate": {"type": "number"},
                "description": {"type": "string"},
                "merchant_name": {"type": "string"},
                "expense_date": {"type": "string"},
                "submit": {"type": "boolean"}
            }
        },
        "handlers.UpdateExpenseRequest": {
            "type": "object",
            "required": ["amount", "currency", "description"],
            "properties": {
                "category_id": {"type": "string"},
                "amount": {"type": "number"},
                "currency": {"type": "string"},
                "exchange_rate": {"type": "number"},
                "description": {"type": "string"},
                "merchant_name": {"type": "string"},
                "expense_date": {"type": "string"}
            }
        },
        "handlers.ApprovalActionRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string"},
                "comments": {"type": "string", "maxLength": 1000},
                "expected_version": {"type": "integer", "minimum": 1}
            }
        },
        "handlers.ResolveRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {"action": {"type": "string"}, "comments": {"type": "string", "maxLength": 1000}}
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "Type \"Bearer\" followed by a space and JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Expenseflow API",
	Description:      "Expenseflow is a multi-tenant expense reporting service with configurable, multi-step approval workflows.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
