// Package docs holds the Swagger document of the dtx REST API, in the form
// swag init writes it. Regenerate with: swag init -g restapi/server.go -o restapi/docs
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
        "/cleanup/sweep": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "RunSweep runs one cleanup cycle and returns how many abandoned transactions it resolved.",
                "produces": ["application/json"],
                "tags": ["Cleanup"],
                "summary": "RunSweep resolves abandoned transactions now.",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "503": {"description": "Service Unavailable", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/config": {
            "get": {
                "security": [{"Bearer": []}],
                "description": "GetConfig responds with the effective transactions configuration.",
                "produces": ["application/json"],
                "tags": ["Config"],
                "summary": "GetConfig returns the coordinator configuration.",
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "BeginTransaction starts a transaction, optionally with its own timeout and durability level.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "BeginTransaction starts a transaction.",
                "parameters": [
                    {"description": "Transaction options", "name": "options", "in": "body", "schema": {"$ref": "#/definitions/restapi.BeginRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/restapi.TransactionView"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions/{id}": {
            "get": {
                "security": [{"Bearer": []}],
                "description": "GetTransaction responds with the state and staged writes of an active transaction.",
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "GetTransaction returns an active transaction.",
                "parameters": [
                    {"type": "string", "description": "Transaction id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/restapi.TransactionView"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions/{id}/commit": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "CommitTransaction commits the staged writes. 202 means the commit point was reached and cleanup finishes the transaction.",
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "CommitTransaction commits a transaction.",
                "parameters": [
                    {"type": "string", "description": "Transaction id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "202": {"description": "Accepted", "schema": {"type": "object", "additionalProperties": true}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": true}},
                    "504": {"description": "Gateway Timeout", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions/{id}/docs/{key}": {
            "get": {
                "security": [{"Bearer": []}],
                "description": "GetDocument reads a key inside the transaction, seeing the transaction's own staged writes.",
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "GetDocument reads a document.",
                "parameters": [
                    {"type": "string", "description": "Transaction id", "name": "id", "in": "path", "required": true},
                    {"maxLength": 250, "minLength": 1, "type": "string", "description": "Document key", "name": "key", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/restapi.DocumentView"}},
                    "404": {"description": "Not Found", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions/{id}/rollback": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "RollbackTransaction undoes every staged write of the transaction.",
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "RollbackTransaction rolls a transaction back.",
                "parameters": [
                    {"type": "string", "description": "Transaction id", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "object", "additionalProperties": true}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        },
        "/transactions/{id}/stage": {
            "post": {
                "security": [{"Bearer": []}],
                "description": "StageOperation stages an insert, replace or remove of a document.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Transactions"],
                "summary": "StageOperation stages a write.",
                "parameters": [
                    {"type": "string", "description": "Transaction id", "name": "id", "in": "path", "required": true},
                    {"description": "Write to stage", "name": "operation", "in": "body", "required": true, "schema": {"$ref": "#/definitions/restapi.StageRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/restapi.StagedView"}},
                    "400": {"description": "Bad Request", "schema": {"type": "object", "additionalProperties": true}},
                    "409": {"description": "Conflict", "schema": {"type": "object", "additionalProperties": true}},
                    "422": {"description": "Unprocessable Entity", "schema": {"type": "object", "additionalProperties": true}}
                }
            }
        }
    },
    "definitions": {
        "restapi.BeginRequest": {
            "type": "object",
            "properties": {
                "durabilityLevel": {"type": "string", "example": "majority"},
                "timeoutMilliseconds": {"type": "integer"}
            }
        },
        "restapi.DocumentView": {
            "type": "object",
            "properties": {
                "cas": {"type": "integer"},
                "key": {"type": "string"},
                "raw": {"type": "string", "format": "byte"},
                "value": {"type": "object"}
            }
        },
        "restapi.StageRequest": {
            "type": "object",
            "properties": {
                "cas": {"type": "integer"},
                "durabilityLevel": {"type": "string", "example": "persistToMajority"},
                "durabilityTimeoutMilliseconds": {"type": "integer"},
                "key": {"type": "string"},
                "kind": {"type": "string", "enum": ["insert", "replace", "remove"]},
                "timeoutMilliseconds": {"type": "integer"},
                "value": {"type": "object"}
            }
        },
        "restapi.StagedView": {
            "type": "object",
            "properties": {
                "cas": {"type": "integer"},
                "key": {"type": "string"},
                "kind": {"type": "string"},
                "originalCas": {"type": "integer"}
            }
        },
        "restapi.TransactionView": {
            "type": "object",
            "properties": {
                "deadline": {"type": "string"},
                "id": {"type": "string"},
                "staged": {"type": "array", "items": {"$ref": "#/definitions/restapi.StagedView"}},
                "startedAt": {"type": "string"},
                "state": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "Bearer": {
            "description": "Type \"Bearer\" followed by a space and JWT token.",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "dtx",
	Description:      "Multi-document transactions with per write durability levels.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
