// Package httpapi exposes the chat service over HTTP with chi.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/commands"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ratelimit"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/runtime"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
)

// Backend is the part of runtime.Service the HTTP layer calls.
type Backend interface {
	Chat(ctx context.Context, req runtime.ChatRequest) runtime.ChatResponse
	ExecuteCommand(ctx context.Context, userID string, p envelope.ProposedAction) (map[string]any, error)
	ExecuteAction(ctx context.Context, userID string, a agents.Action, consent bool) (runtime.ActionResult, error)
	ImportStatement(ctx context.Context, userID string, r io.Reader) (runtime.ImportResult, error)
	ClearHistory(ctx context.Context, userID string) error
	Tools(ctx context.Context, userID string) (runtime.Catalog, error)
	Examples(ctx context.Context, userID string) ([]string, error)
	Profile(ctx context.Context, userID string) (envelope.Profile, error)
	UpdateProfile(ctx context.Context, userID string, u runtime.ProfileUpdate) (envelope.Profile, error)
}

var _ Backend = (*runtime.Service)(nil)

// Options configures the handler. Bus and Limiter are optional: without a
// bus /chat/stream only sends the final response and /health reports the
// process alone; without a limiter nothing is throttled.
type Options struct {
	Bus     commbus.CommBus
	Limiter *ratelimit.Limiter
	Logger  logging.Logger
	// MaxUploadBytes bounds statement uploads. Zero means 5 MiB.
	MaxUploadBytes int64
}

const defaultMaxUpload = 5 << 20

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	backend   Backend
	bus       commbus.CommBus
	limiter   *ratelimit.Limiter
	logger    logging.Logger
	maxUpload int64
}

// NewHandler builds the routed handler for backend.
func NewHandler(backend Backend, opts Options) http.Handler {
	s := &Server{
		backend:   backend,
		bus:       opts.Bus,
		limiter:   opts.Limiter,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
	}
	if s.logger == nil {
		s.logger = logging.NewNop()
	}
	if s.maxUpload <= 0 {
		s.maxUpload = defaultMaxUpload
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Post("/chat", s.handleChat)
	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/chat/execute", s.handleExecuteCommand)
	r.Post("/chat/clear", s.handleClearChat)
	r.Post("/actions/execute", s.handleExecuteAction)
	r.Post("/upload/transactions/{userID}", s.handleUpload)
	r.Get("/tools", s.handleTools)
	r.Get("/examples", s.handleExamples)
	r.Get("/users/{userID}/profile", s.handleGetProfile)
	r.Put("/users/{userID}/profile", s.handleUpdateProfile)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		durationMS := int(time.Since(start).Milliseconds())
		observability.RecordHTTPRequest(route, r.Method, strconv.Itoa(status), durationMS)
		s.logger.Debug("http_request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", durationMS,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// allow applies the per-user limit for endpoint and writes a 429 when it is
// exceeded.
func (s *Server) allow(w http.ResponseWriter, userID, endpoint string) bool {
	if s.limiter == nil {
		return true
	}
	res := s.limiter.Allow(userID, endpoint)
	if res.Allowed {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		return true
	}
	retry := int(res.RetryAfter.Round(time.Second) / time.Second)
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	s.logger.Warn("rate_limited", "user_id", userID, "endpoint", endpoint, "limit_type", res.LimitType)
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":       "rate limit exceeded",
		"limit_type":  res.LimitType,
		"retry_after": retry,
	})
	return false
}

// =============================================================================
// ENCODING
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusOf maps a backend error to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, tools.ErrToolNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalid), errors.Is(err, commands.ErrInvalidParams), errors.Is(err, ledger.ErrNoRows):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, agents.ErrConsentRequired), errors.Is(err, runtime.ErrDataConsentRequired):
		return http.StatusForbidden
	case errors.Is(err, runtime.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request_failed", "op", op, "error", err.Error(), "request_id", middleware.GetReqID(r.Context()))
	}
	writeError(w, status, err.Error())
}
