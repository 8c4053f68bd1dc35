package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conarchive/api/internal/auth"
	"conarchive/api/internal/rbac"
)

const maxJSONBody = 1 << 20

type Options struct {
	CORSOrigin string
	Logger     *slog.Logger
	// Registry receives the HTTP collectors and is served on /metrics.
	Registry       *prometheus.Registry
	MaxUploadBytes int64
}

type HTTPServer struct {
	service        *Service
	corsOrigin     string
	logger         *slog.Logger
	registry       *prometheus.Registry
	maxUploadBytes int64

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPServer(service *Service, opts Options) *HTTPServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 16 << 20
	}
	factory := promauto.With(registry)
	return &HTTPServer{
		service:        service,
		corsOrigin:     opts.CORSOrigin,
		logger:         logger.With("component", "http"),
		registry:       registry,
		maxUploadBytes: maxUpload,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "archive_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "archive_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(s.router())
}

func (s *HTTPServer) router() *mux.Router {
	root := mux.NewRouter()
	root.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	root.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r := root.PathPrefix("/api").Subrouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/auth/session", s.handleSession).Methods(http.MethodGet)

	r.HandleFunc("/years", s.handleYears).Methods(http.MethodGet)
	r.HandleFunc("/guests", s.handleGuestsByYear).Methods(http.MethodGet)
	r.HandleFunc("/guests/search", s.handleGuestSearch).Methods(http.MethodGet)
	r.HandleFunc("/guests/accolades", s.handleAccolades).Methods(http.MethodGet)
	r.HandleFunc("/guests/add", s.handleGuestAdd).Methods(http.MethodPost)
	r.HandleFunc("/guests/delete/{id:[0-9]+}/{year:[0-9]+}", s.handleGuestDelete).Methods(http.MethodPost)
	r.HandleFunc("/guests/{id:[0-9]+}/{year:[0-9]+}", s.handleGuest).Methods(http.MethodGet)
	r.HandleFunc("/guests/{id:[0-9]+}/{year:[0-9]+}", s.handleGuestUpdate).Methods(http.MethodPut)

	r.HandleFunc("/vendors", s.handleVendors).Methods(http.MethodGet)
	r.HandleFunc("/vendors/search", s.handleVendorSearch).Methods(http.MethodGet)
	r.HandleFunc("/vendors/{id:[0-9]+}/{year:[0-9]+}", s.handleVendor).Methods(http.MethodGet)
	r.HandleFunc("/vendors/{id:[0-9]+}", s.handleVendorYears).Methods(http.MethodGet)

	r.HandleFunc("/accolades/categories", s.handleAccoladeNames).Methods(http.MethodGet)
	r.HandleFunc("/accolades/distinct", s.handleAccoladeNames).Methods(http.MethodGet)
	r.HandleFunc("/accolades/category/{category}", s.handleAccoladeCategory).Methods(http.MethodGet)
	r.HandleFunc("/accolades/{accolade}", s.handleAccolade).Methods(http.MethodGet)

	r.HandleFunc("/collectibles/by_year/{year:[0-9]+}", s.handleCollectiblesByYear).Methods(http.MethodGet)
	r.HandleFunc("/collectibles/unsorted", s.handleCollectiblesUnsorted).Methods(http.MethodGet)
	r.HandleFunc("/collectibles/categories", s.handleCategories).Methods(http.MethodGet)
	r.HandleFunc("/collectibles/add", s.handleCollectibleAdd).Methods(http.MethodPost)
	r.HandleFunc("/collectibles/delete/{id}", s.handleCollectibleDelete).Methods(http.MethodPost)
	r.HandleFunc("/collectibles/{id}", s.handleCollectible).Methods(http.MethodGet)
	r.HandleFunc("/collectibles/{id}", s.handleCollectibleUpdate).Methods(http.MethodPut)

	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/history/guests/{id:[0-9]+}/{year:[0-9]+}", s.handleGuestHistory).Methods(http.MethodGet)
	r.HandleFunc("/history/collectibles/{id}", s.handleCollectibleHistory).Methods(http.MethodGet)

	r.HandleFunc("/moderation/{entity:guests|collectibles}/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/moderation/{entity:guests|collectibles}/{decision:approve|reject}", s.handleDecide).Methods(http.MethodPost)

	r.HandleFunc("/user/{id:[0-9]+}/guest_submissions", s.handleUserSubmissions).Methods(http.MethodGet)
	r.HandleFunc("/user/{id:[0-9]+}/collectible_submissions", s.handleUserSubmissions).Methods(http.MethodGet)
	r.HandleFunc("/user_metrics/{id:[0-9]+}", s.handleUserMetrics).Methods(http.MethodGet)

	r.HandleFunc("/users", s.handleUsers).Methods(http.MethodGet)
	r.HandleFunc("/users", s.handleUserCreate).Methods(http.MethodPost)
	r.HandleFunc("/users/{id:[0-9]+}", s.handleUserDeactivate).Methods(http.MethodDelete)
	r.HandleFunc("/users/{id:[0-9]+}/password", s.handleUserPassword).Methods(http.MethodPost)
	r.HandleFunc("/users/{id:[0-9]+}/role", s.handleUserRole).Methods(http.MethodPost)

	return root
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(r.Context()) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	if statusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// identify resolves the caller. A request without a bearer token is
// anonymous; a bad token is an error.
func (s *HTTPServer) identify(r *http.Request) (auth.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Identity{}, nil
	}
	return s.service.Identify(r.Context(), token)
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if bearerToken(r) == "" {
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIAL", "Missing bearer token", nil)
		return auth.Identity{}, false
	}
	who, err := s.identify(r)
	if err != nil {
		s.fail(w, r, err)
		return auth.Identity{}, false
	}
	return who, true
}

// requireAction checks the caller's role before the request body is read.
func (s *HTTPServer) requireAction(w http.ResponseWriter, r *http.Request, action rbac.Action) (auth.Identity, bool) {
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return auth.Identity{}, false
	}
	if !s.service.Can(who, action) {
		s.logger.Info("access denied",
			"request_id", requestID(r.Context()),
			"user_id", who.UserID,
			"role", who.Role,
			"action", action,
		)
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return auth.Identity{}, false
	}
	return who, true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	switch {
	case status == http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
		s.logger.Warn("dependency unavailable", "request_id", requestID(r.Context()), "error", err)
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = randomRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

// instrument records metrics under the route template, so path variables
// do not explode label cardinality.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := "unknown"
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		s.requests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		s.duration.WithLabelValues(route).Observe(time.Since(started).Seconds())
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(w http.ResponseWriter, r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return badRequest("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func pathInt64(r *http.Request, name string) (int64, error) {
	value, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, fieldError(name, "must be a number")
	}
	return value, nil
}

func pathInt(r *http.Request, name string) (int, error) {
	value, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return 0, fieldError(name, "must be a number")
	}
	return value, nil
}

// queryInt returns fallback for a missing or malformed parameter.
func queryInt(r *http.Request, name string, fallback int) int {
	value, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return value
}

func guestPath(r *http.Request) (int64, int, error) {
	id, err := pathInt64(r, "id")
	if err != nil {
		return 0, 0, err
	}
	year, err := pathInt(r, "year")
	if err != nil {
		return 0, 0, err
	}
	return id, year, nil
}

func userPath(r *http.Request) (int64, error) {
	id, err := pathInt64(r, "id")
	if err != nil {
		return 0, fmt.Errorf("user path: %w", err)
	}
	return id, nil
}
