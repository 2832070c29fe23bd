// Package docs registers the OpenAPI description served at /swagger/*.
// Code generated by swag init; hand-trimmed to the public surface.
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
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Health"],
                "summary": "Liveness and dependency health",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/v1/prices": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Prices"],
                "summary": "Ingest one price row",
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}
            }
        },
        "/v1/prices/latest": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Prices"],
                "summary": "Current price for a provider/model",
                "parameters": [
                    {"type": "string", "name": "provider", "in": "query", "required": true},
                    {"type": "string", "name": "model", "in": "query", "required": true}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/v1/budgets/{tenantID}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Budgets"],
                "summary": "Current budget window for a tenant",
                "parameters": [{"type": "string", "name": "tenantID", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            },
            "put": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Budgets"],
                "summary": "Set soft and hard limits for the current window",
                "parameters": [{"type": "string", "name": "tenantID", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}}
            }
        },
        "/v1/usage/{tenantID}/summary": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Usage"],
                "summary": "Usage totals and per-model breakdown for a tenant",
                "parameters": [{"type": "string", "name": "tenantID", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/v1/ledger/{tenantID}/charges": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Ledger"],
                "summary": "Apply a quote to the tenant balance",
                "parameters": [{"type": "string", "name": "tenantID", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "402": {"description": "Payment Required"}}
            }
        },
        "/v1/tasks": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Tasks"],
                "summary": "Submit a processing task",
                "responses": {"201": {"description": "Created"}, "409": {"description": "Conflict"}}
            }
        },
        "/v1/tasks/{taskID}/stream": {
            "get": {
                "tags": ["Tasks"],
                "summary": "Stream task progress frames over a websocket",
                "parameters": [{"type": "string", "name": "taskID", "in": "path", "required": true}],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        }
    }
}`

var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "spendgate - LLM Spend Control Plane",
	Description:      "Multi-tenant budgets, usage accounting, fractional billing and task scheduling in front of LLM providers.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
