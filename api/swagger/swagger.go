package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Evidence API",
        "description": "Upload, store and retrieve case evidence files",
        "version": "1.0.0"
    },
    "basePath": "/api",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Evidence", "description": "Case evidence files and their metadata"},
        {"name": "System", "description": "Probes and metrics"}
    ],
    "paths": {
        "/evidence": {
            "get": {
                "tags": ["Evidence"],
                "summary": "List evidence",
                "description": "Lists evidence in a case, or the caller's own uploads when caseId is omitted. Newest first.",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "caseId", "in": "query", "type": "string"},
                    {"name": "q", "in": "query", "type": "string", "description": "Case-insensitive substring of the file name"},
                    {"name": "limit", "in": "query", "type": "integer"},
                    {"name": "offset", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/Evidence"}}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            },
            "post": {
                "tags": ["Evidence"],
                "summary": "Upload evidence",
                "consumes": ["multipart/form-data", "application/octet-stream"],
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "file", "in": "formData", "type": "file", "required": true},
                    {"name": "caseId", "in": "formData", "type": "string", "required": true},
                    {"name": "metadata", "in": "formData", "type": "string", "description": "JSON object"},
                    {"name": "tags", "in": "formData", "type": "string", "description": "JSON array or comma separated list"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/Evidence"}},
                    "400": {"description": "Missing file or caseId", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "413": {"description": "File too large", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            }
        },
        "/evidence/export": {
            "get": {
                "tags": ["Evidence"],
                "summary": "Export an evidence manifest",
                "produces": ["text/csv", "application/pdf"],
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "caseId", "in": "query", "type": "string"},
                    {"name": "q", "in": "query", "type": "string"},
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "pdf"]}
                ],
                "responses": {
                    "200": {"description": "Manifest document", "schema": {"type": "file"}},
                    "400": {"description": "Unsupported format", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            }
        },
        "/evidence/{id}": {
            "get": {
                "tags": ["Evidence"],
                "summary": "Get evidence metadata",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Evidence"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            },
            "put": {
                "tags": ["Evidence"],
                "summary": "Update evidence metadata",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateEvidenceRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/Evidence"}},
                    "400": {"description": "Invalid payload", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            },
            "delete": {
                "tags": ["Evidence"],
                "summary": "Delete evidence",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "Deleted", "schema": {"$ref": "#/definitions/DeleteEvidenceResponse"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            }
        },
        "/evidence/{id}/download": {
            "get": {
                "tags": ["Evidence"],
                "summary": "Download evidence content",
                "produces": ["application/octet-stream"],
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "File content", "schema": {"type": "file"}},
                    "403": {"description": "Forbidden", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "404": {"description": "Not found", "schema": {"$ref": "#/definitions/ErrorEnvelope"}},
                    "500": {"description": "Stream error", "schema": {"$ref": "#/definitions/ErrorEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Evidence": {
            "type": "object",
            "properties": {
                "_id": {"type": "string"},
                "caseId": {"type": "string"},
                "fileId": {"type": "string"},
                "originalName": {"type": "string"},
                "mimeType": {"type": "string"},
                "size": {"type": "integer"},
                "hash": {"type": "string", "description": "SHA-256 hex of the content"},
                "uploadedBy": {"type": "string"},
                "metadata": {"type": "object"},
                "tags": {"type": "array", "items": {"type": "string"}},
                "createdAt": {"type": "string", "format": "date-time"},
                "updatedAt": {"type": "string", "format": "date-time"}
            }
        },
        "UpdateEvidenceRequest": {
            "type": "object",
            "properties": {
                "originalName": {"type": "string"},
                "metadata": {"type": "object"},
                "tags": {"type": "array", "items": {"type": "string"}}
            }
        },
        "DeleteEvidenceResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string"},
                "id": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ErrorEnvelope": {
            "type": "object",
            "properties": {
                "error": {"$ref": "#/definitions/APIError"},
                "message": {"type": "string"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
