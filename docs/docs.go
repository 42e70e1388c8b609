// Package docs registers the OpenAPI document served at /swagger. It is
// regenerated by swag from the handler annotations.
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
        "/healthz": {
            "get": {"tags": ["health"], "summary": "Health check", "responses": {"200": {"description": "OK"}}}
        },
        "/readyz": {
            "get": {"tags": ["health"], "summary": "Readiness check", "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}}
        },
        "/api/v1/deals": {
            "get": {"tags": ["deals"], "summary": "List deals", "responses": {"200": {"description": "OK"}}},
            "post": {"tags": ["deals"], "summary": "Create deal", "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}}
        },
        "/api/v1/deals/{id}/view": {
            "get": {
                "tags": ["deals"],
                "summary": "Deal view",
                "description": "Deal, current snapshot and latest valuation run in one read.",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/v1/deals/{id}/documents": {
            "post": {
                "tags": ["documents"],
                "summary": "Ingest extracted document",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"201": {"description": "Created"}, "404": {"description": "Not Found"}, "422": {"description": "Unprocessable Entity"}}
            }
        },
        "/api/v1/deals/{id}/snapshot": {
            "get": {
                "tags": ["snapshots"],
                "summary": "Current snapshot",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/v1/deals/{id}/snapshots/{version}/restore": {
            "post": {
                "tags": ["snapshots"],
                "summary": "Restore snapshot version",
                "parameters": [
                    {"type": "integer", "name": "id", "in": "path", "required": true},
                    {"type": "integer", "name": "version", "in": "path", "required": true}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}, "409": {"description": "Conflict"}}
            }
        },
        "/api/v1/deals/{id}/valuations": {
            "post": {
                "tags": ["valuations"],
                "summary": "Submit valuation run",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"201": {"description": "Created"}, "404": {"description": "Not Found"}, "409": {"description": "Conflict"}}
            }
        },
        "/api/v1/deals/{id}/valuations/latest": {
            "get": {
                "tags": ["valuations"],
                "summary": "Latest valuation run",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/api/v1/engine/callbacks": {
            "post": {"tags": ["engine"], "summary": "Engine status callback", "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "0.1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "DealBase API",
	Description:      "Deal intake, versioned financial snapshots, valuation runs and the combined deal view.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
