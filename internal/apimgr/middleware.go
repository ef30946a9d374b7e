package apimgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"secure-vault-hub/internal/managererr"
)

type contextKey int

const (
	principalContextKey contextKey = iota
	requestIDContextKey
	bodyContextKey
)

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// RequestIDFromContext returns the request id assigned by the router.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// BodyFromContext returns the validated (and possibly sanitized) JSON body.
func BodyFromContext(ctx context.Context) map[string]interface{} {
	body, _ := ctx.Value(bodyContextKey).(map[string]interface{})
	return body
}

// Routes mounts every registered endpoint on a mux router. Request-id
// assignment and request logging run router-wide, ahead of each endpoint's
// own chain.
func (m *Manager) Routes() *mux.Router {
	router := mux.NewRouter()
	router.Use(m.requestIDMiddleware)
	router.Use(m.loggingMiddleware)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ep := range m.endpoints {
		router.Handle(ep.Path, ep.chain).Methods(ep.Method)
	}
	return router
}

// ServeHTTP dispatches straight to the registered chain, bypassing mux.
// Used by tests and by callers embedding the manager in a larger router.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	ep, ok := m.endpoints[endpointKey(r.Method, r.URL.Path)]
	m.mu.RUnlock()
	if !ok {
		m.writeError(w, r, managererr.NewAPIError(managererr.CodeEndpointUnknown, http.StatusNotFound,
			fmt.Sprintf("no endpoint for %s %s", r.Method, r.URL.Path)))
		return
	}
	if RequestIDFromContext(r.Context()) == "" {
		r = r.WithContext(context.WithValue(r.Context(), requestIDContextKey, m.sec.GenerateUUID()))
	}
	ep.chain.ServeHTTP(w, r)
}

func (m *Manager) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = m.sec.GenerateUUID()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Manager) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		level := "info"
		if recorder.statusCode >= 500 {
			level = "error"
		} else if recorder.statusCode >= 400 {
			level = "warn"
		}
		m.emit(level, "api request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     recorder.statusCode,
			"durationMs": time.Since(start).Milliseconds(),
			"remoteAddr": clientIP(r),
		})
	})
}

// responseRecorder captures the status code for request logging.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)
	r.size += int64(n)
	return n, err
}

// clientIP extracts the caller address: X-Forwarded-For first entry, then
// X-Real-IP, then RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// buildChain assembles the fixed pipeline at registration time:
// securityHeaders -> authentication -> authorization -> rateLimit ->
// validation -> handler -> responseFormatting. Every stage fails closed;
// an error anywhere stops the handler from running.
func (m *Manager) buildChain(ep *Endpoint) http.Handler {
	h := m.handlerStage(ep)
	h = m.validationStage(ep, h)
	h = m.rateLimitStage(ep, h)
	h = m.authorizationStage(ep, h)
	h = m.authenticationStage(ep, h)
	h = m.securityHeadersStage(h)
	return h
}

func (m *Manager) securityHeadersStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range m.sec.SecurityHeaders() {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}

// authenticationStage accepts either a Bearer JWT or an x-api-key header.
// Whichever verifies first attaches the principal; neither verifying is a
// 401.
func (m *Manager) authenticationStage(ep *Endpoint, next http.Handler) http.Handler {
	if !ep.Authentication {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var principal *Principal

		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token := strings.TrimPrefix(auth, "Bearer ")
			if p, err := m.VerifyToken(r.Context(), token); err == nil {
				principal = p
			} else if managererr.HasCode(err, managererr.CodeAPIConfigMissing) {
				m.writeError(w, r, err)
				return
			}
		}
		if principal == nil {
			if rawKey := r.Header.Get("x-api-key"); rawKey != "" {
				if key, err := m.ValidateAPIKey(rawKey); err == nil {
					principal = &Principal{
						ID:          key.UserID,
						Name:        key.Name,
						Permissions: key.Permissions,
						AuthType:    "api_key",
						KeyID:       key.ID,
					}
				}
			}
		}

		if principal == nil {
			m.emit("warn", "authentication failed", map[string]interface{}{
				"path": r.URL.Path, "remoteAddr": clientIP(r),
			})
			m.writeError(w, r, managererr.NewAuthenticationError("valid credentials required"))
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorizationStage requires every endpoint permission: a direct grant,
// the `*` wildcard, or a role-based grant through the casbin enforcer.
func (m *Manager) authorizationStage(ep *Endpoint, next http.Handler) http.Handler {
	if len(ep.Authorization) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFromContext(r.Context())
		if principal == nil {
			m.writeError(w, r, managererr.NewAuthenticationError("authentication required"))
			return
		}
		for _, required := range ep.Authorization {
			if principal.HasPermission(required) {
				continue
			}
			if m.authz != nil && m.authz.Check(principal.Role, required) {
				continue
			}
			m.emit("warn", "authorization denied", map[string]interface{}{
				"path": r.URL.Path, "required": required, "principal": principal.ID,
			})
			m.writeError(w, r, managererr.NewAuthorizationError(
				fmt.Sprintf("missing required permission %q", required)))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitStage keys the sliding window by caller identity and endpoint.
func (m *Manager) rateLimitStage(ep *Endpoint, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := clientIP(r)
		if principal := PrincipalFromContext(r.Context()); principal != nil {
			if principal.KeyID != "" {
				caller = principal.KeyID
			} else if principal.ID != "" {
				caller = principal.ID
			}
		}

		limiter := m.limiterFor(ep.Method, ep.Path)
		allowed, retryAfter := limiter.Allow(caller+"|"+endpointKey(ep.Method, ep.Path), time.Now())
		if !allowed {
			seconds := int(retryAfter.Seconds()) + 1
			w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
			m.emit("warn", "rate limit exceeded", map[string]interface{}{
				"path": ep.Path, "caller": caller,
			})
			m.writeError(w, r, managererr.NewRateLimitError("request budget exhausted", seconds))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// validationStage runs schema-driven presence/type checks over body, query
// and path params, reporting every violated field. With Sanitize set, body
// strings are additionally run through the input sanitizer.
func (m *Manager) validationStage(ep *Endpoint, next http.Handler) http.Handler {
	if ep.Validation == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		schema := ep.Validation
		var violations []string

		var body map[string]interface{}
		if len(schema.Body) > 0 {
			raw, err := io.ReadAll(r.Body)
			if err == nil {
				r.Body = io.NopCloser(bytes.NewReader(raw))
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &body); err != nil {
					m.writeError(w, r, managererr.NewValidationError("request body is not valid JSON", nil))
					return
				}
			}
			violations = append(violations, checkFields("body", schema.Body, func(name string) (interface{}, bool) {
				v, ok := body[name]
				return v, ok
			})...)
		}

		if len(schema.Query) > 0 {
			query := r.URL.Query()
			violations = append(violations, checkFields("query", schema.Query, func(name string) (interface{}, bool) {
				if !query.Has(name) {
					return nil, false
				}
				return query.Get(name), true
			})...)
		}

		if len(schema.Params) > 0 {
			vars := mux.Vars(r)
			violations = append(violations, checkFields("params", schema.Params, func(name string) (interface{}, bool) {
				v, ok := vars[name]
				return v, ok
			})...)
		}

		if len(violations) > 0 {
			sort.Strings(violations)
			m.writeError(w, r, managererr.NewValidationError("request validation failed", violations))
			return
		}

		if body != nil {
			if schema.Sanitize {
				body = m.sanitizeValue(body).(map[string]interface{})
			}
			r = r.WithContext(context.WithValue(r.Context(), bodyContextKey, body))
		}
		next.ServeHTTP(w, r)
	})
}

// checkFields collects every violation for one schema section.
func checkFields(section string, rules map[string]FieldRule, lookup func(string) (interface{}, bool)) []string {
	var violations []string
	for name, rule := range rules {
		value, present := lookup(name)
		if !present {
			if rule.Required {
				violations = append(violations, fmt.Sprintf("%s.%s: required", section, name))
			}
			continue
		}
		if rule.Type != "" && !matchesType(value, rule.Type) {
			violations = append(violations, fmt.Sprintf("%s.%s: expected %s", section, name, rule.Type))
		}
	}
	return violations
}

func matchesType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	}
	return true
}

// sanitizeValue walks the payload and sanitizes every string leaf.
func (m *Manager) sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return m.sec.SanitizeInput(v)
	case map[string]interface{}:
		for k, item := range v {
			v[k] = m.sanitizeValue(item)
		}
		return v
	case []interface{}:
		for i, item := range v {
			v[i] = m.sanitizeValue(item)
		}
		return v
	default:
		return value
	}
}

// handlerStage invokes the business handler and shapes the response
// envelope. Handler panics are converted into 500 envelopes so the pipeline
// still fails closed.
func (m *Manager) handlerStage(ep *Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				m.log.Errorw("handler panic", "path", ep.Path, "panic", rec)
				m.writeError(w, r, managererr.New(managererr.CodeInternal, http.StatusInternalServerError,
					"internal server error"))
			}
		}()

		data, err := ep.Handler(w, r)
		if err != nil {
			m.writeError(w, r, err)
			return
		}
		m.writeSuccess(w, r, http.StatusOK, data)
	})
}

func (m *Manager) writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	m.writeEnvelope(w, Envelope{
		Success:    true,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Data:       data,
		RequestID:  RequestIDFromContext(r.Context()),
	}, status)
}

func (m *Manager) writeError(w http.ResponseWriter, r *http.Request, err error) {
	me := managererr.AsManagerError(err)
	errBody := map[string]interface{}{
		"code":    me.Code,
		"message": me.Message,
	}
	if len(me.Metadata) > 0 {
		errBody["metadata"] = me.Metadata
	}
	m.writeEnvelope(w, Envelope{
		Success:    false,
		StatusCode: me.StatusCode,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Error:      errBody,
		RequestID:  RequestIDFromContext(r.Context()),
	}, me.StatusCode)
}

func (m *Manager) writeEnvelope(w http.ResponseWriter, envelope Envelope, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		m.log.Warnw("failed to encode response envelope", "error", err)
	}
}
