package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kz-records/internal/config"
	"github.com/kz-records/internal/domain"
	"github.com/kz-records/internal/metrics"
	"github.com/kz-records/internal/ratelimit"
	"github.com/kz-records/internal/websocket"
)

// API endpoints
const (
	EndpointStats   = "stats"
	EndpointMaps    = "maps"
	EndpointRecords = "records"
	EndpointMapInfo = "map_info"
)

// AdminTokenHeader carries the shared token of administrative routes
const AdminTokenHeader = "X-Admin-Token"

// RecordsService is what the HTTP layer needs from the records service
type RecordsService interface {
	DefaultMap() string
	ValidateMap(ctx context.Context, client domain.Client, raw string) (string, error)
	MapRecords(ctx context.Context, client domain.Client, mapName string) ([]domain.LeaderboardRecord, error)
	MapInfo(ctx context.Context, client domain.Client, mapName string) (domain.MapInfo, error)
	GetMaps(ctx context.Context) []string
	GetStatistics(ctx context.Context) domain.Statistics
	Available(ctx context.Context) bool
	ClearCache(ctx context.Context) error
}

// Limiters are the rate limiters owned by the HTTP boundaries
type Limiters struct {
	API  *ratelimit.Limiter
	Page *ratelimit.Limiter
}

// Handler provides HTTP handlers for the records API and page
type Handler struct {
	service  RecordsService
	hub      *websocket.Hub
	limiters Limiters
	budgets  config.RateLimitConfig
	admin    config.AdminConfig
	metrics  *metrics.Metrics
	page     *pageRenderer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Handler
type Option func(*Handler)

// WithMetrics records request metrics and exposes /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithClock replaces time.Now, mainly for tests
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.now = now
	}
}

// NewHandler creates a new HTTP handler
func NewHandler(
	svc RecordsService,
	hub *websocket.Hub,
	limiters Limiters,
	cfg config.Provider,
	logger *slog.Logger,
	opts ...Option,
) *Handler {
	h := &Handler{
		service:  svc,
		hub:      hub,
		limiters: limiters,
		budgets:  cfg.Config().RateLimit,
		admin:    cfg.Config().Admin,
		page:     newPageRenderer(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// APIResponse is the success envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorResponse is the failure envelope
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}

	// WebSocket endpoint
	if h.hub != nil {
		r.Get("/ws", h.HandleWebSocket)
	}

	// Leaderboard page fragment
	r.Get("/", h.Page)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.recoverJSON)
		r.Get("/", h.API)
		r.Get("/{endpoint}", h.API)
	})

	if h.admin.Token != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(h.requireAdminToken)
			r.Post("/cache/clear", h.ClearCache)
		})
	}

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, "+AdminTokenHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverJSON turns a panic into the generic 500 envelope
func (h *Handler) recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("panic in API handler",
					"panic", rec,
					"request_id", middleware.GetReqID(r.Context()),
				)
				h.writeError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAdminToken rejects requests without the configured admin token
func (h *Handler) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(AdminTokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.admin.Token)) != 1 {
			h.logger.Warn("rejected admin request", "ip", clientFromRequest(r).IP, "path", r.URL.Path)
			h.writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientFromRequest extracts the client details used for throttling and
// auditing. RealIP has already replaced RemoteAddr when a proxy header is set.
func clientFromRequest(r *http.Request) domain.Client {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if ip == "" {
		ip = domain.UnknownClient.IP
	}

	userAgent := r.UserAgent()
	if userAgent == "" {
		userAgent = domain.UnknownClient.UserAgent
	}

	return domain.Client{
		IP:         ip,
		UserAgent:  userAgent,
		RequestURI: r.RequestURI,
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("failed to write response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: h.now().Unix(),
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Success:   false,
		Error:     message,
		Timestamp: h.now().Unix(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the record store is reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if !h.service.Available(r.Context()) {
		h.writeError(w, http.StatusServiceUnavailable, "Database connection unavailable")
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// ClearCache drops every cached entry
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ClearCache(r.Context()); err != nil {
		h.logger.Error("failed to clear cache", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeSuccess(w, map[string]string{"status": "cleared"})
}

// API serves the JSON endpoints. The endpoint comes from the path or the
// endpoint query parameter and defaults to stats.
func (h *Handler) API(w http.ResponseWriter, r *http.Request) {
	start := h.now()

	endpoint := chi.URLParam(r, "endpoint")
	if endpoint == "" {
		endpoint = r.URL.Query().Get("endpoint")
	}
	if endpoint == "" {
		endpoint = EndpointStats
	}

	ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveRequest(metricEndpoint(endpoint), ww.Status(), h.now().Sub(start).Seconds())
		}
	}()

	h.serveAPI(ww, r, endpoint)
}

func (h *Handler) serveAPI(w http.ResponseWriter, r *http.Request, endpoint string) {
	ctx := r.Context()
	client := clientFromRequest(r)

	budget := h.budgets.API
	if !h.limiters.API.Admit(client.IP, budget.MaxRequests, budget.Window) {
		h.logger.Warn("API rate limit exceeded", "ip", client.IP)
		if h.metrics != nil {
			h.metrics.RateLimited("api")
		}
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	if !h.service.Available(ctx) {
		h.writeError(w, http.StatusServiceUnavailable, "Database connection unavailable")
		return
	}

	switch endpoint {
	case EndpointStats:
		h.writeSuccess(w, h.service.GetStatistics(ctx))

	case EndpointMaps:
		h.writeSuccess(w, h.service.GetMaps(ctx))

	case EndpointRecords:
		mapName, ok := h.requireMap(w, r, client)
		if !ok {
			return
		}
		records, err := h.service.MapRecords(ctx, client, mapName)
		if h.writeRecordsError(w, mapName, err) {
			return
		}
		h.writeSuccess(w, domain.MapRecords{
			Map:     mapName,
			Records: records,
			Count:   len(records),
		})

	case EndpointMapInfo:
		mapName, ok := h.requireMap(w, r, client)
		if !ok {
			return
		}
		info, err := h.service.MapInfo(ctx, client, mapName)
		if h.writeRecordsError(w, mapName, err) {
			return
		}
		h.writeSuccess(w, info)

	default:
		h.writeError(w, http.StatusNotFound, "Unknown API endpoint: "+endpoint)
	}
}

// requireMap validates the map parameter, writing the 400 response itself
// when it returns false
func (h *Handler) requireMap(w http.ResponseWriter, r *http.Request, client domain.Client) (string, bool) {
	raw := r.URL.Query().Get("map")
	if strings.TrimSpace(raw) == "" {
		h.writeError(w, http.StatusBadRequest, "Invalid map parameter")
		return "", false
	}

	mapName, err := h.service.ValidateMap(r.Context(), client, raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid map parameter")
		return "", false
	}
	return mapName, true
}

// writeRecordsError maps a records lookup failure to its response and
// reports whether one was written
func (h *Handler) writeRecordsError(w http.ResponseWriter, mapName string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrRateLimited):
		h.writeError(w, http.StatusTooManyRequests, "Too many requests")
	case errors.Is(err, domain.ErrInvalidMap):
		h.writeError(w, http.StatusBadRequest, "Invalid map parameter")
	default:
		h.logger.Error("failed to load records", "map", mapName, "error", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
	return true
}

// metricEndpoint keeps the endpoint label set bounded
func metricEndpoint(endpoint string) string {
	switch endpoint {
	case EndpointStats, EndpointMaps, EndpointRecords, EndpointMapInfo:
		return endpoint
	default:
		return "unknown"
	}
}
