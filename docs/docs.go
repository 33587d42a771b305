// Package docs registers the OpenAPI document served by gin-swagger.
// Regenerate with: swag init -g cmd/server/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/tasks": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "List tasks",
                "operationId": "listTasks",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListTasksResponse"}},
                    "304": {"description": "Not Modified"}
                }
            },
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "Submit a generation task",
                "operationId": "createTask",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.CreateTaskRequest"}}
                ],
                "responses": {
                    "200": {"description": "Replayed", "schema": {"$ref": "#/definitions/services.TaskView"}},
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/services.TaskView"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Insufficient credits", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Request in progress", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "502": {"description": "Provider rejected", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Provider unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tasks/{task_no}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "Poll a task",
                "operationId": "getTask",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "task_no", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.TaskView"}},
                    "404": {"description": "Task not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tasks/{task_no}/start": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "Start a deferred task",
                "operationId": "startTask",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "task_no", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.TaskView"}},
                    "409": {"description": "Not pending or not due", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/tasks/{task_no}/charges": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "Credits charged for a task",
                "operationId": "getTaskCharges",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "string", "format": "uuid", "name": "task_no", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.TaskChargesResponse"}},
                    "404": {"description": "Task not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/orphaned-jobs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "List orphaned provider jobs",
                "operationId": "listOrphanedJobs",
                "parameters": [
                    {"type": "string", "name": "X-Admin-Token", "in": "header", "required": true},
                    {"type": "integer", "name": "limit", "in": "query", "maximum": 100, "minimum": 1, "default": 100}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.OrphanedJobsResponse"}},
                    "401": {"description": "Invalid token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Admin disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/webhooks/provider": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Webhooks"],
                "summary": "Provider job callback",
                "operationId": "providerWebhook",
                "parameters": [
                    {"type": "string", "name": "taskId", "in": "query"},
                    {"type": "string", "name": "token", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "Acknowledged", "schema": {"$ref": "#/definitions/handlers.WebhookAck"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/credits/balance": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Credits"],
                "summary": "Credit summary",
                "operationId": "getBalance",
                "parameters": [{"type": "string", "name": "X-User-ID", "in": "header"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/services.Summary"}}}
            }
        },
        "/credits/lots": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Credits"],
                "summary": "List credit lots",
                "operationId": "listLots",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListLotsResponse"}}}
            }
        },
        "/credits/consumptions": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Credits"],
                "summary": "List consumption records",
                "operationId": "listConsumptions",
                "parameters": [
                    {"type": "string", "name": "X-User-ID", "in": "header"},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListConsumptionsResponse"}}}
            }
        },
        "/credits/signup-bonus": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Credits"],
                "summary": "Claim the one-time signup bonus",
                "operationId": "claimSignupBonus",
                "parameters": [{"type": "string", "name": "X-User-ID", "in": "header"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/services.GuestClaim"}}}
            }
        },
        "/credits/grants": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Admin"],
                "summary": "Grant a credit lot",
                "operationId": "grantCredits",
                "parameters": [
                    {"type": "string", "name": "X-Admin-Token", "in": "header", "required": true},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.GrantRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.GrantResponse"}},
                    "401": {"description": "Invalid token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Admin disabled", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/credits/lots/{id}/reverse": {
            "post": {
                "consumes": ["application/json"],
                "tags": ["Admin"],
                "summary": "Reverse a credit lot",
                "operationId": "reverseLot",
                "parameters": [
                    {"type": "string", "name": "X-Admin-Token", "in": "header", "required": true},
                    {"type": "string", "format": "uuid", "name": "id", "in": "path", "required": true},
                    {"name": "body", "in": "body", "schema": {"$ref": "#/definitions/handlers.ReverseRequest"}}
                ],
                "responses": {
                    "204": {"description": "Reversed"},
                    "404": {"description": "Lot not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/guest/credits": {
            "post": {
                "produces": ["application/json"],
                "tags": ["Guest"],
                "summary": "Claim the free guest grant",
                "operationId": "claimGuestCredits",
                "parameters": [{"type": "string", "name": "X-User-ID", "in": "header"}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.GuestClaim"}},
                    "429": {"description": "Rate limited", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string"},
                "message": {"type": "string"},
                "balance": {"type": "integer"},
                "required": {"type": "integer"}
            }
        },
        "handlers.CreateTaskRequest": {
            "type": "object",
            "required": ["model"],
            "properties": {
                "model": {"type": "string", "example": "image-basic"},
                "input": {"type": "object"},
                "start_at": {"type": "string", "format": "date-time"}
            }
        },
        "handlers.GrantRequest": {
            "type": "object",
            "required": ["user_id", "credits"],
            "properties": {
                "user_id": {"type": "string"},
                "credits": {"type": "integer"},
                "trans_type": {"type": "string"},
                "source_id": {"type": "string"},
                "expired_at": {"type": "string", "format": "date-time"}
            }
        },
        "handlers.GrantResponse": {
            "type": "object",
            "properties": {
                "lot_id": {"type": "string"},
                "user_id": {"type": "string"},
                "credits": {"type": "integer"}
            }
        },
        "handlers.ReverseRequest": {
            "type": "object",
            "properties": {"reason": {"type": "string"}}
        },
        "handlers.WebhookAck": {
            "type": "object",
            "properties": {"code": {"type": "integer"}, "msg": {"type": "string"}}
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListTasksResponse": {
            "type": "object",
            "properties": {
                "tasks": {"type": "array", "items": {"$ref": "#/definitions/domain.Task"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListLotsResponse": {
            "type": "object",
            "properties": {
                "lots": {"type": "array", "items": {"type": "object"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.ListConsumptionsResponse": {
            "type": "object",
            "properties": {
                "consumptions": {"type": "array", "items": {"type": "object"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.TaskChargesResponse": {
            "type": "object",
            "properties": {
                "task_no": {"type": "string"},
                "total": {"type": "integer"},
                "charges": {"type": "array", "items": {"type": "object"}}
            }
        },
        "handlers.OrphanedJobsResponse": {
            "type": "object",
            "properties": {
                "jobs": {"type": "array", "items": {"type": "object"}}
            }
        },
        "domain.Task": {
            "type": "object",
            "properties": {
                "task_no": {"type": "string"},
                "task_id": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "running", "succeeded", "failed"]},
                "model": {"type": "string"},
                "credits": {"type": "integer"},
                "result_url": {"type": "string"},
                "fail_reason": {"type": "string"},
                "provider_state": {"type": "string"},
                "created_at": {"type": "string", "format": "date-time"},
                "completed_at": {"type": "string", "format": "date-time"}
            }
        },
        "services.TaskView": {
            "type": "object",
            "properties": {
                "task": {"$ref": "#/definitions/domain.Task"},
                "progress": {"type": "integer"}
            }
        },
        "services.Summary": {
            "type": "object",
            "properties": {
                "balance": {"type": "integer"},
                "granted": {"type": "integer"},
                "consumed": {"type": "integer"},
                "expiring_soon": {"type": "integer"}
            }
        },
        "services.GuestClaim": {
            "type": "object",
            "properties": {
                "granted": {"type": "boolean"},
                "credits": {"type": "integer"},
                "lot_id": {"type": "string"},
                "claimed_at": {"type": "string", "format": "date-time"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Credits Backend API",
	Description:      "Prepaid credit ledger and asynchronous generation tasks.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
