package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calloway/apiwatch/internal/auth"
	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
	"github.com/calloway/apiwatch/internal/service/analytics"
	"github.com/calloway/apiwatch/internal/service/logs"
	"github.com/calloway/apiwatch/internal/service/tokens"
	"github.com/calloway/apiwatch/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	logs      logs.Service
	analytics analytics.Service
	tokens    tokens.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	jwtSecret string
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitAdmin     = 60
	rateLimitExport    = 10
	rateLimitPurge     = 5
	rateLimitRealtime  = 30
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 25 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, logSvc logs.Service, analyticsSvc analytics.Service, tokenSvc tokens.Service, hub *ws.Hub, limiter RateLimiter, jwtSecret string, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		logs:      logSvc,
		analytics: analyticsSvc,
		tokens:    tokenSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:   limiter,
		jwtSecret: strings.TrimSpace(jwtSecret),
		dbHealth:  dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())

	r.mux.HandleFunc("/analytics/overview", r.viewerRoute("/analytics/overview", r.handleOverview))
	r.mux.HandleFunc("/analytics/timeseries", r.viewerRoute("/analytics/timeseries", r.handleTimeSeries))
	r.mux.HandleFunc("/analytics/topendpoints", r.viewerRoute("/analytics/topendpoints", r.handleTopEndpoints))
	r.mux.HandleFunc("/analytics/tokens", r.viewerRoute("/analytics/tokens", r.handleTopTokens))

	r.mux.HandleFunc("/logs", r.viewerRoute("/logs", r.handleListLogs))
	r.mux.HandleFunc("/logs/", r.viewerRoute("/logs/{id}", r.handleGetLog))
	r.mux.HandleFunc("/logs/export/csv", r.adminRoute("/logs/export/csv", rateLimitExport, r.handleExportCSV))
	r.mux.HandleFunc("/logs/ingest", r.adminRoute("/logs/ingest", rateLimitAdmin, r.handleIngest))
	r.mux.HandleFunc("/logs/purge", r.adminRoute("/logs/purge", rateLimitPurge, r.handlePurge))

	r.mux.HandleFunc("/tokens", r.adminRoute("/tokens", rateLimitAdmin, r.handleTokenStats))
	r.mux.HandleFunc("/tokens/suspicious", r.adminRoute("/tokens/suspicious", rateLimitAdmin, r.handleSuspiciousTokens))
	r.mux.HandleFunc("/tokens/expired", r.adminRoute("/tokens/expired", rateLimitAdmin, r.handleExpiredTokens))
	r.mux.HandleFunc("/tokens/summary", r.adminRoute("/tokens/summary", rateLimitAdmin, r.handleTokenSummary))

	r.mux.HandleFunc("/ws/logs", r.audit("/ws/logs", r.requireRole(auth.CanView, r.withRateLimit("/ws/logs", rateLimitRealtime, rateWindowRealtime, r.rateLimitKeyUser, r.handleLogsWS))))
	r.mux.HandleFunc("/events", r.audit("/events", r.requireRole(auth.CanView, r.withRateLimit("/events", rateLimitRealtime, rateWindowRealtime, r.rateLimitKeyUser, r.handleEvents))))
}

// viewerRoute records, authenticates with viewer access, and rate limits a
// read endpoint.
func (r *Router) viewerRoute(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.audit(route, r.record(r.requireRole(auth.CanView, r.withRateLimit(route, rateLimitRead, rateWindowDefault, r.rateLimitKeyUser, next))))
}

// adminRoute is viewerRoute with an admin role gate and a tighter limit.
func (r *Router) adminRoute(route string, limit int, next http.HandlerFunc) http.HandlerFunc {
	return r.audit(route, r.record(r.requireRole(auth.CanAdminister, r.withRateLimit(route, limit, rateWindowDefault, r.rateLimitKeyUser, next))))
}

func (r *Router) handleOverview(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snapshot, err := r.analytics.Overview(req.Context())
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (r *Router) handleTimeSeries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	interval := req.URL.Query().Get("interval")
	points, _ := strconv.Atoi(req.URL.Query().Get("points"))
	series, err := r.analytics.TimeSeries(req.Context(), interval, points)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (r *Router) handleTopEndpoints(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	top, _ := strconv.Atoi(req.URL.Query().Get("top"))
	stats, err := r.analytics.TopEndpoints(req.Context(), top)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleTopTokens(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.tokens.TopByUsage(req.Context())
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleListLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	criteria, err := logCriteriaFromQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(req.URL.Query().Get("pageSize"))
	if pageSize == 0 {
		pageSize = 50
	}
	entries, err := r.logs.List(req.Context(), criteria, page, pageSize)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleGetLog(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	raw := strings.TrimPrefix(req.URL.Path, "/logs/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		r.notFound(w)
		return
	}
	entry, err := r.logs.Get(req.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (r *Router) handleExportCSV(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	criteria, err := logCriteriaFromQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Path filtering is not part of the export contract.
	criteria.PathContains = ""

	headers := w.Header()
	headers.Set("Content-Type", "text/csv")
	headers.Set("Content-Disposition", `attachment; filename="`+r.logs.ExportFilename()+`"`)
	if _, err := r.logs.ExportCSV(req.Context(), criteria, w); err != nil {
		r.logger.Error("csv export failed", "error", err)
	}
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.RequestLog
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.Method == "" || payload.Path == "" {
		writeError(w, http.StatusBadRequest, "method and path are required")
		return
	}
	stored, err := r.logs.Record(req.Context(), payload)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (r *Router) handlePurge(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	var daysToKeep *int
	if raw := req.URL.Query().Get("daysToKeep"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "daysToKeep must be an integer")
			return
		}
		daysToKeep = &days
	}
	removed, err := r.logs.Purge(req.Context(), daysToKeep)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (r *Router) handleTokenStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	criteria, err := logCriteriaFromQuery(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	criteria.StatusCode = nil
	criteria.Method = ""
	criteria.PathContains = ""
	page, _ := strconv.Atoi(req.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(req.URL.Query().Get("pageSize"))
	if pageSize == 0 {
		pageSize = 20
	}
	stats, err := r.tokens.List(req.Context(), criteria, page, pageSize)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleSuspiciousTokens(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.tokens.Suspicious(req.Context())
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleExpiredTokens(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	var daysInactive *int
	if raw := req.URL.Query().Get("daysInactive"); raw != "" {
		if days, err := strconv.Atoi(raw); err == nil {
			daysInactive = &days
		}
	}
	stats, err := r.tokens.Expired(req.Context(), daysInactive)
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleTokenSummary(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	summary, err := r.tokens.Summary(req.Context())
	if err != nil {
		r.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request) {
	group := req.URL.Query().Get("group")
	if group == "" {
		group = ws.DefaultGroup
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(group, client)
	go func() {
		defer func() {
			r.hub.Unregister(group, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	group := req.URL.Query().Get("group")
	if group == "" {
		group = ws.DefaultGroup
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(group, client)
	defer r.hub.Unregister(group, client)

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// logCriteriaFromQuery parses the shared filtering parameters. Dates accept
// RFC 3339 timestamps.
func logCriteriaFromQuery(req *http.Request) (repository.LogCriteria, error) {
	query := req.URL.Query()
	criteria := repository.LogCriteria{
		Method:       query.Get("method"),
		PathContains: query.Get("path"),
	}
	if raw := query.Get("statusCode"); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return repository.LogCriteria{}, errors.New("statusCode must be an integer")
		}
		criteria.StatusCode = &code
	}
	if raw := query.Get("fromDate"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repository.LogCriteria{}, errors.New("fromDate must be RFC 3339")
		}
		from = from.UTC()
		criteria.From = &from
	}
	if raw := query.Get("toDate"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repository.LogCriteria{}, errors.New("toDate must be RFC 3339")
		}
		to = to.UTC()
		criteria.To = &to
	}
	return criteria, nil
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		recorder.Header().Set("X-Request-ID", reqID)
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		fields = append(fields, "request_id", reqID)
		if info, ok := authInfoFromContext(ctx); ok {
			actor = info.Role
			if info.Subject != "" {
				fields = append(fields, "subject", info.Subject)
			}
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

// internalError logs the cause and answers with a generic message. Store
// and aggregation failures never reach the caller verbatim.
func (r *Router) internalError(w http.ResponseWriter, err error) {
	r.logger.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
