package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"content-publisher/internal/broker"
	"content-publisher/internal/config"
	"content-publisher/internal/content"
	"content-publisher/internal/models"
	"content-publisher/internal/ratelimit"
	"content-publisher/internal/store"
	"content-publisher/internal/telemetry"
)

// Broker is the credential surface the API exposes.
type Broker interface {
	Initiate(ctx context.Context, userID, platform string, scopes []string, returnURL string) (broker.AuthorizationRequest, error)
	CompleteCallback(ctx context.Context, platform, code, state string) (broker.Connection, error)
	Accounts(ctx context.Context, userID string) ([]models.ConnectedAccount, error)
	RefreshOwned(ctx context.Context, userID, accountID string) (bool, error)
	Disconnect(ctx context.Context, userID, accountID string) error
}

// Content is the content CRUD surface.
type Content interface {
	Create(ctx context.Context, ownerID string, in content.CreateInput) (content.Detail, error)
	Get(ctx context.Context, ownerID, id string) (content.Detail, error)
	Update(ctx context.Context, ownerID, id string, in content.UpdateInput) (content.Detail, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// DeadLetters lists work units that exhausted their attempts.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter throttles content creation per user.
type Limiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the publisher API.
type Server struct {
	cfg     config.Config
	broker  Broker
	content Content
	dlq     DeadLetters
	limiter Limiter
	log     zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, b Broker, c Content, dlq DeadLetters, limiter Limiter, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		broker:  b,
		content: c,
		dlq:     dlq,
		limiter: limiter,
		log:     log.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	// The platform redirects the browser here, so there is no caller identity header.
	r.Get("/callback/{platform}", s.handleCallback)

	r.Group(func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/connect/{platform}", s.handleConnect)
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts/{id}/refresh", s.handleRefresh)
		r.Delete("/accounts/{id}", s.handleDisconnect)

		r.Post("/content", s.handleCreateContent)
		r.Get("/content/{id}", s.handleGetContent)
		r.Patch("/content/{id}", s.handleUpdateContent)
		r.Delete("/content/{id}", s.handleDeleteContent)

		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type connectRequest struct {
	Scopes   []string `json:"scopes"`
	Redirect string   `json:"redirect"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Redirect != "" && !sameOrigin(req.Redirect, s.cfg.FrontendURL) {
		writeError(w, http.StatusBadRequest, "redirect must point at the front end")
		return
	}
	authz, err := s.broker.Initiate(r.Context(), userID(r), chi.URLParam(r, "platform"), req.Scopes, req.Redirect)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authz)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	q := r.URL.Query()
	conn, err := s.broker.CompleteCallback(r.Context(), name, q.Get("code"), q.Get("state"))
	if err != nil {
		reason := "authorization failed"
		returnURL := ""
		var cbErr *broker.CallbackError
		if errors.As(err, &cbErr) {
			reason = cbErr.Reason
			returnURL = cbErr.ReturnURL
		}
		// A user who declines consent comes back with error instead of code.
		if denied := q.Get("error"); denied != "" && q.Get("code") == "" {
			reason = firstNonEmpty(q.Get("error_description"), denied)
		}
		http.Redirect(w, r, s.frontendRedirect(returnURL, "error", reason), http.StatusFound)
		return
	}
	http.Redirect(w, r, s.frontendRedirect(conn.ReturnURL, "connected", conn.Account.Platform), http.StatusFound)
}

func (s *Server) frontendRedirect(returnURL, key, value string) string {
	target := firstNonEmpty(returnURL, s.cfg.FrontendURL)
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	params := u.Query()
	params.Set(key, value)
	u.RawQuery = params.Encode()
	return u.String()
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.broker.Accounts(r.Context(), userID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []models.ConnectedAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ok, err := s.broker.RefreshOwned(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadGateway, "platform refused the refresh; reconnect the account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"refreshed": true})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Disconnect(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), user)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limit check")
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(d.RetryAfter.Seconds())))))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var in content.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	detail, err := s.content.Create(r.Context(), user, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	detail, err := s.content.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUpdateContent(w http.ResponseWriter, r *http.Request) {
	var in content.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	detail, err := s.content.Update(r.Context(), userID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	if err := s.content.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// fail maps domain errors onto status codes. Unknown errors are logged and reported as 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, content.ErrImmutable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, content.ErrInvalid),
		errors.Is(err, content.ErrUnknownAccount),
		errors.Is(err, content.ErrScheduleInPast):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, broker.ErrPlatformNotConfigured):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, broker.ErrNoRefreshToken):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

type userKey struct{}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if id == "" {
			writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userKey{}).(string)
	return id
}

func sameOrigin(raw, base string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	b, err := url.Parse(base)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, b.Scheme) && strings.EqualFold(u.Host, b.Host)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
