package routes

import (
	"net/http"

	"github.com/swaggo/swag"
)

const docsInstance = "goopcall"

// openAPI is kept in step with the annotations in openapi_annotations.go.
var openAPI = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "goopcall peer API",
	Description:      "Call signaling and presence for one signed-in user.",
	InfoInstanceName: docsInstance,
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(openAPI.InstanceName(), openAPI)
}

func registerDocsRoutes(mux *http.ServeMux) {
	handleGet(mux, "/api/docs/openapi.json", func(w http.ResponseWriter, r *http.Request) {
		doc, err := swag.ReadDoc(docsInstance)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_, _ = w.Write([]byte(doc))
	})
}

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/call/state": {
            "get": {
                "tags": ["call"],
                "summary": "Current call session state",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}}}
            }
        },
        "/api/call/incoming": {
            "get": {
                "tags": ["call"],
                "summary": "Incoming ringing call, if any",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/IncomingCall"}}}
            }
        },
        "/api/call/active": {
            "get": {
                "tags": ["call"],
                "summary": "Active call, if any",
                "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ActiveCall"}}}
            }
        },
        "/api/call/initiate": {
            "post": {
                "tags": ["call"],
                "summary": "Start a call",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "body", "required": true, "schema": {"$ref": "#/definitions/InitiateRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}},
                    "400": {"description": "invalid peer or call type", "schema": {"$ref": "#/definitions/Error"}},
                    "409": {"description": "user is busy or a call is in progress", "schema": {"$ref": "#/definitions/Error"}}
                }
            }
        },
        "/api/call/accept": {
            "post": {"tags": ["call"], "summary": "Accept the incoming call", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}}, "404": {"description": "no incoming call"}}}
        },
        "/api/call/reject": {
            "post": {"tags": ["call"], "summary": "Reject the incoming call", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}}, "404": {"description": "no incoming call"}}}
        },
        "/api/call/cancel": {
            "post": {"tags": ["call"], "summary": "Cancel the outgoing call", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}}, "404": {"description": "no outgoing call"}}}
        },
        "/api/call/hangup": {
            "post": {"tags": ["call"], "summary": "End the current call", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/SessionState"}}}}
        },
        "/api/call/history": {
            "get": {
                "tags": ["call"],
                "summary": "Recent call records, newest first",
                "parameters": [{"in": "query", "name": "limit", "type": "integer"}],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/CallRecord"}}}}
            }
        },
        "/api/call/events": {
            "get": {"tags": ["call"], "summary": "SSE stream of session states", "produces": ["text/event-stream"], "responses": {"200": {"description": "SSE stream"}}}
        },
        "/api/call/ws": {
            "get": {"tags": ["call"], "summary": "WebSocket stream of session states", "responses": {"101": {"description": "Switching Protocols"}}}
        },
        "/api/presence": {
            "get": {
                "tags": ["presence"],
                "summary": "Whether a user is online",
                "parameters": [{"in": "query", "name": "user_id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/Online"}}}
            }
        },
        "/api/presence/count": {
            "get": {"tags": ["presence"], "summary": "Number of online users", "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/Count"}}}}
        },
        "/api/presence/events": {
            "get": {"tags": ["presence"], "summary": "SSE stream of presence changes", "produces": ["text/event-stream"], "responses": {"200": {"description": "SSE stream"}}}
        },
        "/api/logs": {
            "get": {"tags": ["logs"], "summary": "Buffered log lines", "responses": {"200": {"description": "OK"}}}
        },
        "/api/logs/stream": {
            "get": {"tags": ["logs"], "summary": "SSE tail of log lines", "produces": ["text/event-stream"], "responses": {"200": {"description": "SSE stream"}}}
        }
    },
    "definitions": {
        "Display": {
            "type": "object",
            "properties": {"name": {"type": "string"}, "avatar_url": {"type": "string"}}
        },
        "SessionState": {
            "type": "object",
            "properties": {
                "phase": {"type": "string", "enum": ["idle", "outgoing_ringing", "incoming_ringing", "active", "ended"]},
                "call_id": {"type": "string"},
                "peer_id": {"type": "string"},
                "peer_display": {"$ref": "#/definitions/Display"},
                "call_type": {"type": "string", "enum": ["audio", "video"]},
                "outgoing": {"type": "boolean"},
                "started_at": {"type": "string", "format": "date-time"},
                "end_reason": {"type": "string"},
                "media_error": {"type": "string"}
            }
        },
        "IncomingCall": {
            "type": "object",
            "properties": {"ringing": {"type": "boolean"}, "call": {"$ref": "#/definitions/SessionState"}}
        },
        "ActiveCall": {
            "type": "object",
            "properties": {"active": {"type": "boolean"}, "call": {"$ref": "#/definitions/SessionState"}}
        },
        "InitiateRequest": {
            "type": "object",
            "properties": {"peer_id": {"type": "string", "example": "bob"}, "call_type": {"type": "string", "enum": ["audio", "video"]}}
        },
        "CallRecord": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "caller_id": {"type": "string"},
                "receiver_id": {"type": "string"},
                "call_type": {"type": "string"},
                "status": {"type": "string", "enum": ["ringing", "accepted", "rejected", "missed", "ended", "cancelled"]},
                "created_at": {"type": "string", "format": "date-time"},
                "answered_at": {"type": "string", "format": "date-time"},
                "ended_at": {"type": "string", "format": "date-time"},
                "updated_at": {"type": "string", "format": "date-time"}
            }
        },
        "Online": {
            "type": "object",
            "properties": {"user_id": {"type": "string"}, "online": {"type": "boolean"}}
        },
        "Count": {
            "type": "object",
            "properties": {"online": {"type": "integer"}}
        },
        "Error": {
            "type": "object",
            "properties": {"error": {"type": "string"}}
        }
    }
}`
