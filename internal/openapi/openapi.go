// Package openapi builds the /openapi.json document (component K) by
// reflecting the request/response structs of the HTTP surface into JSON
// Schema via invopop/jsonschema, the same library the teacher uses to
// reflect MCP tool input schemas.
package openapi

import (
	"github.com/invopop/jsonschema"
)

// AuthRequest is the body of POST /auth.
type AuthRequest struct {
	Username string `json:"username" jsonschema:"required"`
	Password string `json:"password" jsonschema:"required"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty" jsonschema:"minimum=1,maximum=65535"`
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Duration int    `json:"duration,omitempty" jsonschema:"minimum=1,maximum=86400"`
}

// AuthResponse is the 201 body of POST /auth.
type AuthResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	ExpiresAt   string `json:"expires_at"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Server    struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"server"`
	Config struct {
		AuthMode    string `json:"authMode"`
		SessionMode string `json:"sessionMode"`
		TLSEnabled  bool   `json:"tlsEnabled"`
	} `json:"config"`
	Sessions struct {
		Tokens *TokenStats `json:"tokens,omitempty"`
		MCP    SessionStats `json:"mcp"`
	} `json:"sessions"`
}

// TokenStats mirrors token.Stats for schema reflection without importing
// the token package (keeping this package dependency-free of the core).
type TokenStats struct {
	Total   int `json:"total"`
	Active  int `json:"active"`
	Expired int `json:"expired"`
}

// SessionStats mirrors mcpsession.Stats for schema reflection.
type SessionStats struct {
	Total int `json:"total"`
	Stale int `json:"stale"`
}

// Document assembles a minimal OpenAPI 3.0 document for the fixed
// endpoint set, with servers[0].url set to the effective base URL.
func Document(baseURL string) map[string]any {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}

	authReqSchema := reflector.Reflect(&AuthRequest{})
	authRespSchema := reflector.Reflect(&AuthResponse{})
	healthRespSchema := reflector.Reflect(&HealthResponse{})

	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "dbgate",
			"version": "1.0.0",
		},
		"servers": []map[string]any{
			{"url": baseURL},
		},
		"paths": map[string]any{
			"/health": map[string]any{
				"get": map[string]any{
					"summary": "Liveness and configuration snapshot",
					"responses": map[string]any{
						"200": map[string]any{
							"description": "OK",
							"content": map[string]any{
								"application/json": map[string]any{"schema": healthRespSchema},
							},
						},
					},
				},
			},
			"/auth": map[string]any{
				"post": map[string]any{
					"summary": "Mint a bearer token bound to a database credential",
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{"schema": authReqSchema},
						},
					},
					"responses": map[string]any{
						"201": map[string]any{
							"description": "Created",
							"content": map[string]any{
								"application/json": map[string]any{"schema": authRespSchema},
							},
						},
						"401": map[string]any{"description": "Invalid credentials"},
						"404": map[string]any{"description": "Disabled outside required auth mode"},
						"429": map[string]any{"description": "Throttled"},
					},
				},
			},
			"/mcp": map[string]any{
				"post": map[string]any{
					"summary": "Send a JSON-RPC message to the MCP gateway",
				},
				"get": map[string]any{
					"summary": "Open an SSE stream bound to an existing session (stateful mode only)",
				},
				"delete": map[string]any{
					"summary": "Close an existing session",
				},
			},
		},
	}
}
