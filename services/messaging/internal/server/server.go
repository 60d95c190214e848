package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"coursehub/internal/ratelimit"
	"coursehub/internal/servicetoken"
	"coursehub/internal/usertoken"
	"coursehub/internal/util"
	"coursehub/pkg/domain"
	"coursehub/services/messaging/internal/app"
)

const (
	defaultMessageRateLimitPerMinute = 60
	messageLimiterPrefix             = "coursehub:messaging:ratelimit:messages"
	maxBodyBytes                     = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier authenticates end users.
	TokenVerifier *usertoken.Verifier
	// ServiceVerifier authenticates internal callers of /internal/*.
	ServiceVerifier           *servicetoken.Verifier
	TrustedProxies            *util.TrustedProxies
	RedisAddr                 string
	RedisPassword             string
	MessageRateLimitPerMinute int
}

// Server exposes the messaging HTTP API.
type Server struct {
	app             *app.App
	tokenVerifier   *usertoken.Verifier
	serviceVerifier *servicetoken.Verifier
	trustedProxies  *util.TrustedProxies
	messageLimiter  *ratelimit.FixedWindowLimiter
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("user token verifier is required")
	}
	if cfg.ServiceVerifier == nil {
		return nil, errors.New("service token verifier is required")
	}
	limit := cfg.MessageRateLimitPerMinute
	if limit <= 0 {
		limit = defaultMessageRateLimitPerMinute
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, messageLimiterPrefix, limit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init message limiter: %w", err)
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		serviceVerifier: cfg.ServiceVerifier,
		trustedProxies:  cfg.TrustedProxies,
		messageLimiter:  limiter,
		mux:             http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID("messaging", util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

// Close releases the limiter's Redis connection.
func (s *Server) Close() error {
	return s.messageLimiter.Close()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/conversations", s.authenticated(s.handleConversations))
	s.mux.Handle("/conversations/", s.authenticated(s.handleConversationByID))
	s.mux.Handle("/messages/drafts", s.authenticated(s.handleDrafts))
	s.mux.Handle("/messages/drafts/", s.authenticated(s.handleDraftByID))
	s.mux.Handle("/messages/", s.authenticated(s.handleMessageByID))

	// directory sync from the identity service
	s.mux.Handle("/internal/users/", s.internalOnly(s.handleInternalUser))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.User)

// authenticated verifies the bearer token and resolves the subject against the
// local user directory before calling next.
func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := servicetoken.BearerToken(r)
		if !ok {
			s.audit(r, "messaging.authorize", "fail", "reason", "missing_token")
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		subject, err := s.tokenVerifier.VerifySubject(r.Context(), token)
		if err != nil {
			reason := "invalid_signature_or_claims"
			if errors.Is(err, usertoken.ErrKeysUnavailable) {
				reason = "jwks_unavailable"
			}
			s.audit(r, "messaging.authorize", "fail", "reason", reason, "err", err.Error())
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		user, err := s.app.ResolveUser(r.Context(), subject)
		if err != nil {
			if errors.Is(err, app.ErrUnauthorized) {
				s.audit(r, "messaging.authorize", "fail", "reason", "unknown_user", "user_id", subject)
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "messaging.authorize", "success", "user_id", user.ID)
		next(w, r, user)
	})
}

func (s *Server) internalOnly(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.serviceVerifier.Authorize(r)
		if err != nil {
			reason := "invalid_signature_or_claims"
			switch {
			case errors.Is(err, servicetoken.ErrMissingToken):
				reason = "missing_token"
			case errors.Is(err, servicetoken.ErrIssuerNotAllowed):
				reason = "issuer_not_allowed"
			}
			s.audit(r, "messaging.internal.authorize", "fail", "reason", reason, "err", err.Error())
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		s.audit(r, "messaging.internal.authorize", "success", "issuer", caller.Service, "jti", caller.TokenID)
		next(w, r)
	})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
	}
	logAttrs = append(logAttrs, util.ResolveClient(r, s.trustedProxies).LogAttrs()...)
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, key, msg string) bool {
	decision := s.messageLimiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, r, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// pathSegments splits the remainder of r's path after prefix.
func pathSegments(r *http.Request, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func queryBool(r *http.Request, name string) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", name)
	}
	return v, nil
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: util.RequestIDFromRequest(r),
	})
}

// writeAppError maps the app error taxonomy onto HTTP. Anything unclassified
// is logged and reported without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrInvalidArgument):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case errors.Is(err, app.ErrInvalidOperation):
		writeError(w, r, http.StatusBadRequest, "invalid_operation", err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
