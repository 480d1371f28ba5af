// Package httpapi assembles the fixed HTTP surface (component G):
// /health, /openapi.json, /auth and /mcp, wrapped in the cross-cutting
// middlewares spec.md §4.G requires (security headers, CORS, auth modes)
// and gated by the rate limiter and auth throttle.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dbgate/dbgate/auththrottle"
	"github.com/dbgate/dbgate/config"
	"github.com/dbgate/dbgate/dbpool"
	"github.com/dbgate/dbgate/internal/clientip"
	"github.com/dbgate/dbgate/internal/jsonrpc"
	"github.com/dbgate/dbgate/internal/logctx"
	"github.com/dbgate/dbgate/internal/openapi"
	"github.com/dbgate/dbgate/internal/security"
	"github.com/dbgate/dbgate/mcpsession"
	"github.com/dbgate/dbgate/ratelimit"
	"github.com/dbgate/dbgate/router"
	"github.com/dbgate/dbgate/token"
)

// Server wires the component collaborators into net/http handlers.
type Server struct {
	Config       *config.Config
	RateLimiter  *ratelimit.Limiter
	AuthThrottle *auththrottle.Throttle
	Pools        *dbpool.Registry
	Tokens       *token.Manager
	Sessions     *mcpsession.Manager
	Router       *router.Router
	Log          *slog.Logger
	TrustProxy   bool
	BaseURL      string

	// RateLimitKey selects the ratelimit.Limiter key for an incoming
	// request. spec.md §9 leaves this choice (token, client IP, or a
	// single global key) to the port; per its own stated default, this
	// repository keys on a single constant until an operator opts into
	// per-IP accounting by setting this field.
	RateLimitKey func(*http.Request) string
}

// DefaultRateLimitKey is the key every request maps to unless Server.RateLimitKey
// is overridden: spec.md §9's reference implementation uses a single global
// key ("default") rather than per-token or per-IP accounting.
const DefaultRateLimitKey = "default"

// New constructs a Server. Call Mux to obtain the composed http.Handler.
func New(cfg *config.Config, log *slog.Logger) *Server {
	return &Server{Config: cfg, Log: log, RateLimitKey: func(*http.Request) string { return DefaultRateLimitKey }}
}

// Mux builds the composed handler: security headers and CORS wrap every
// route, then method dispatch per endpoint.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/openapi.json", s.handleOpenAPI)
	mux.HandleFunc("/auth", s.handleAuth)
	mux.HandleFunc("/mcp", s.handleMCP)

	var h http.Handler = mux
	h = s.withAuth(h)
	h = s.withRateLimit(h)
	h = s.withCORS(h)
	h = s.withSecurityHeaders(h)
	h = s.withRequestContext(h)
	return h
}

func (s *Server) withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) withSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// withCORS implements spec.md §4.G rule 3.
func (s *Server) withCORS(next http.Handler) http.Handler {
	origins := s.Config.CORSOriginList()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(origins) == 0 {
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		reqOrigin := r.Header.Get("Origin")
		wildcard := false
		allowed := false
		for _, o := range origins {
			if o == "*" {
				wildcard = true
				allowed = true
				break
			}
			if o == reqOrigin {
				allowed = true
				break
			}
		}

		if allowed {
			if wildcard {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, Mcp-Session-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		keyFn := s.RateLimitKey
		if keyFn == nil {
			keyFn = func(*http.Request) string { return DefaultRateLimitKey }
		}
		result := s.RateLimiter.Check(keyFn(r))
		if !result.Allowed {
			writeErrorJSON(w, http.StatusTooManyRequests, "too_many_requests", fmt.Sprintf("retry after %d seconds", result.RetryAfterSeconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authContextKey stores the resolved router.AuthContext on the request context.
type authContextKey struct{}

func withAuthContext(r *http.Request, ac router.AuthContext) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), authContextKey{}, ac))
}

func authContextFromRequest(r *http.Request) router.AuthContext {
	ac, _ := r.Context().Value(authContextKey{}).(router.AuthContext)
	return ac
}

// withAuth implements the three auth modes of spec.md §4.G. /health and
// /openapi.json are always open; /auth carries its own throttle-gated
// logic; /mcp is gated per mode.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/openapi.json", "/auth":
			next.ServeHTTP(w, r)
			return
		}

		switch s.Config.AuthMode {
		case config.AuthModeNone:
			next.ServeHTTP(w, withAuthContext(r, router.AuthContext{Mode: router.AuthModeNone}))
			return

		case config.AuthModeToken:
			presented, ok := bearerToken(r)
			if !ok || !security.ConstantTimeEqual(presented, s.Config.AuthToken) {
				writeUnauthorized(w, "invalid_token", "missing or invalid bearer token")
				return
			}
			next.ServeHTTP(w, withAuthContext(r, router.AuthContext{Mode: router.AuthModeToken}))
			return

		default: // required
			presented, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "unauthorized", "missing bearer token")
				return
			}
			sess, err := s.Tokens.Validate(presented)
			if err != nil {
				writeUnauthorized(w, "invalid_token", err.Error())
				return
			}
			next.ServeHTTP(w, withAuthContext(r, router.AuthContext{Mode: router.AuthModeRequired, TokenSession: sess}))
			return
		}
	})
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(h[len(prefix):])
	if tok == "" {
		return "", false
	}
	return tok, true
}

func writeUnauthorized(w http.ResponseWriter, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func writeErrorJSON(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := openapi.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	resp.Server.Name = "dbgate"
	resp.Server.Version = "1.0.0"
	resp.Config.AuthMode = string(s.Config.AuthMode)
	resp.Config.SessionMode = string(s.Config.SessionMode)
	resp.Config.TLSEnabled = s.Config.TLSEnabled

	mcpStats := s.Sessions.Stats()
	resp.Sessions.MCP = openapi.SessionStats{Total: mcpStats.Total, Stale: mcpStats.Stale}
	if s.Config.AuthMode == config.AuthModeRequired {
		tokStats := s.Tokens.Stats()
		resp.Sessions.Tokens = &openapi.TokenStats{Total: tokStats.Total, Active: tokStats.Active, Expired: tokStats.Expired}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(openapi.Document(s.BaseURL))
}

type authRequestBody struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

// handleAuth implements the §4.G /auth algorithm.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Config.AuthMode != config.AuthModeRequired {
		writeErrorJSON(w, http.StatusNotFound, "not_found", fmt.Sprintf("the %s auth mode does not issue bearer tokens", s.Config.AuthMode))
		return
	}

	key := clientip.From(r, s.TrustProxy)
	if check := s.AuthThrottle.Check(key); !check.Allowed {
		writeErrorJSON(w, http.StatusTooManyRequests, "too_many_requests", fmt.Sprintf("retry after %d seconds", int(check.RetryAfter.Seconds())))
		return
	}

	var body authRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Username == "" {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}
	if body.Port != 0 && (body.Port < 1 || body.Port > 65535) {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "port must be between 1 and 65535")
		return
	}
	if body.Duration != 0 && (body.Duration < 1 || body.Duration > 86400) {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "duration must be between 1 and 86400 seconds")
		return
	}

	cfg := dbpool.DatabaseConfig{
		Host:     firstNonEmpty(body.Host, s.Config.DB.Host),
		Port:     firstNonZeroInt(body.Port, s.Config.DB.Port),
		Username: body.Username,
		Password: body.Password,
		Database: firstNonEmpty(body.Database, s.Config.DB.Database),
		Schema:   firstNonEmpty(body.Schema, s.Config.DB.Schema),
		DriverOptions: s.Config.DriverOptions(),
	}
	if !security.ValidHost(cfg.Host) {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "host is not a valid hostname or IP")
		return
	}

	transientKey := "auth-probe-" + uuid.NewString()
	probeOK := false
	if err := s.Pools.Ensure(r.Context(), transientKey, cfg); err == nil {
		probeOK = s.Pools.Test(r.Context(), transientKey)
	}
	s.Pools.Close(transientKey)

	if !probeOK {
		s.AuthThrottle.RecordFailure(key)
		writeErrorJSON(w, http.StatusUnauthorized, "invalid_credentials", "could not establish a connection with the supplied credentials")
		return
	}

	if !s.Tokens.CanCreate() {
		writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable", "maximum concurrent sessions reached")
		return
	}

	duration := time.Duration(body.Duration) * time.Second
	sess, err := s.Tokens.Create(cfg, duration)
	if err != nil {
		if errors.Is(err, token.ErrMaxSessions) {
			writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable", "maximum concurrent sessions reached")
			return
		}
		s.Log.Error("auth.token.create.fail", slog.String("err", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "internal_error", "could not create session")
		return
	}

	s.AuthThrottle.Clear(key)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(openapi.AuthResponse{
		AccessToken: sess.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int(sess.ExpiresAt.Sub(sess.CreatedAt).Seconds()),
		ExpiresAt:   sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	ctype := r.Header.Get("Accept")
	if ctype != "" && !strings.Contains(ctype, "application/json") && !strings.Contains(ctype, "text/event-stream") && !strings.Contains(ctype, "*/*") {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	ac := authContextFromRequest(r)

	switch r.Method {
	case http.MethodPost:
		var body jsonrpc.AnyMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		s.Router.HandlePost(r.Context(), w, r, ac, &body)

	case http.MethodGet:
		if s.Config.SessionMode != config.SessionModeStateful {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.Router.HandleGet(r.Context(), w, r)

	case http.MethodDelete:
		s.Router.HandleDelete(r.Context(), w, r)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
