package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/calloway/apiwatch/internal/auth"
	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
	"github.com/calloway/apiwatch/internal/service/analytics"
	"github.com/calloway/apiwatch/internal/service/logs"
	"github.com/calloway/apiwatch/internal/service/tokens"
	"github.com/calloway/apiwatch/internal/ws"
)

const testSecret = "router-test-secret"

type storeStub struct {
	mu           sync.Mutex
	appended     []domain.RequestLog
	listResp     []domain.RequestLog
	lastCriteria repository.LogCriteria
	lastPage     int
	lastSize     int
	purgeCounts  []int64
	purgeCalls   int
	lastCutoff   *time.Time
	summary      domain.TokenSummary
}

func (s *storeStub) AppendLog(ctx context.Context, rec *domain.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = int64(len(s.appended) + 1)
	s.appended = append(s.appended, *rec)
	return nil
}

func (s *storeStub) GetLog(ctx context.Context, id int64) (domain.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.appended {
		if rec.ID == id {
			return rec, nil
		}
	}
	return domain.RequestLog{}, repository.ErrNotFound
}

func (s *storeStub) ListLogs(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.RequestLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCriteria = criteria
	s.lastPage = page
	s.lastSize = pageSize
	return s.listResp, nil
}

func (s *storeStub) PurgeLogs(ctx context.Context, cutoff *time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCutoff = cutoff
	var removed int64
	if s.purgeCalls < len(s.purgeCounts) {
		removed = s.purgeCounts[s.purgeCalls]
	}
	s.purgeCalls++
	return removed, nil
}

func (s *storeStub) CountLogs(ctx context.Context) (int64, error) { return 0, nil }

func (s *storeStub) CountLogsBelowStatus(ctx context.Context, st int) (int64, error) {
	return 0, nil
}

func (s *storeStub) AvgDuration(ctx context.Context) (float64, error) { return 0, nil }

func (s *storeStub) ListDurations(ctx context.Context) ([]int64, error) { return nil, nil }

func (s *storeStub) ListRecentLogs(ctx context.Context, limit int) ([]domain.RequestLog, error) {
	return nil, nil
}
func (s *storeStub) TopEndpoints(ctx context.Context, top int) ([]domain.EndpointStat, error) {
	return nil, nil
}

func (s *storeStub) TokenStats(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.TokenStat, error) {
	return nil, nil
}
func (s *storeStub) SuspiciousTokens(ctx context.Context, limit int) ([]domain.TokenStat, error) {
	return nil, nil
}
func (s *storeStub) ExpiredTokens(ctx context.Context, cutoff time.Time, limit int) ([]domain.TokenStat, error) {
	return nil, nil
}
func (s *storeStub) TokenSummary(ctx context.Context, activeSince time.Time) (domain.TokenSummary, error) {
	return s.summary, nil
}

func (s *storeStub) appendedLogs() []domain.RequestLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RequestLog, len(s.appended))
	copy(out, s.appended)
	return out
}

type limiterCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []limiterCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{
		allowFn: func(key string, limit int, window time.Duration) rateDecision {
			return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
		},
	}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, limiterCall{key: key, limit: limit, window: window})
	rl.mu.Unlock()
	return rl.allowFn(key, limit, window)
}

func (rl *rateLimiterStub) Close() {}

func setupRouter(t *testing.T, store *storeStub, limiter RateLimiter) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logSvc := logs.New(store, nil, logger)
	analyticsSvc := analytics.New(store, nil, logger)
	tokenSvc := tokens.New(store, logger)
	router := NewRouter(logger, logSvc, analyticsSvc, tokenSvc, ws.NewHub(), limiter, testSecret, nil)
	t.Cleanup(router.Close)
	return router
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.GenerateToken("user-123", role, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestOverviewRecordsRequestWithFingerprint(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())
	token := bearer(t, auth.RoleViewer)

	req := httptest.NewRequest(http.MethodGet, "/analytics/overview", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "router-test/1.0")
	req.RemoteAddr = "203.0.113.7:51234"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	appended := store.appendedLogs()
	if len(appended) != 1 {
		t.Fatalf("expected one recorded request, got %d", len(appended))
	}
	entry := appended[0]
	if entry.Method != http.MethodGet || entry.Path != "/analytics/overview" {
		t.Fatalf("unexpected method/path %q %q", entry.Method, entry.Path)
	}
	if entry.StatusCode != http.StatusOK {
		t.Fatalf("unexpected recorded status %d", entry.StatusCode)
	}
	if entry.DurationMS == nil {
		t.Fatalf("expected duration recorded")
	}
	if entry.ClientIP == nil || *entry.ClientIP != "203.0.113.7" {
		t.Fatalf("unexpected client ip %v", entry.ClientIP)
	}

	sum := sha256.Sum256([]byte(token))
	want := hex.EncodeToString(sum[:])
	if entry.TokenHash == nil || *entry.TokenHash != want {
		t.Fatalf("unexpected fingerprint %v", entry.TokenHash)
	}
	if strings.Contains(*entry.TokenHash, token) {
		t.Fatalf("raw token leaked into fingerprint")
	}
}

func TestSameTokenSameFingerprint(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())
	token := bearer(t, auth.RoleViewer)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/logs", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	}

	appended := store.appendedLogs()
	if len(appended) != 2 {
		t.Fatalf("expected two recorded requests, got %d", len(appended))
	}
	if *appended[0].TokenHash != *appended[1].TokenHash {
		t.Fatalf("fingerprints differ for the same token")
	}
}

func TestUnauthorizedRequestStillRecorded(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	appended := store.appendedLogs()
	if len(appended) != 1 {
		t.Fatalf("expected rejected request recorded, got %d entries", len(appended))
	}
	if appended[0].StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected recorded status %d", appended[0].StatusCode)
	}
	if appended[0].TokenHash != nil {
		t.Fatalf("expected no fingerprint without bearer header")
	}
}

func TestViewerCannotPurge(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodDelete, "/logs/purge", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	if store.purgeCalls != 0 {
		t.Fatalf("expected purge untouched")
	}
}

func TestPurgeTwiceReportsThenZero(t *testing.T) {
	store := &storeStub{purgeCounts: []int64{17}}
	router := setupRouter(t, store, newRateLimiterStub())
	token := bearer(t, auth.RoleAdmin)

	doPurge := func() int64 {
		req := httptest.NewRequest(http.MethodDelete, "/logs/purge?daysToKeep=30", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload struct {
			Removed int64 `json:"removed"`
		}
		if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		return payload.Removed
	}

	if removed := doPurge(); removed != 17 {
		t.Fatalf("expected 17 removed, got %d", removed)
	}
	if removed := doPurge(); removed != 0 {
		t.Fatalf("expected 0 removed on repeat, got %d", removed)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lastCutoff == nil {
		t.Fatalf("expected bounded purge cutoff")
	}
}

func TestIngestStoresRecord(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	body := `{"method":"GET","path":"/api/users","statusCode":404,"durationMs":88,"clientIp":"192.168.1.9"}`
	req := httptest.NewRequest(http.MethodPost, "/logs/ingest", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleAdmin))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	appended := store.appendedLogs()
	// One ingested record plus the recorded ingest request itself.
	if len(appended) != 2 {
		t.Fatalf("expected two appended entries, got %d", len(appended))
	}
	ingested := appended[0]
	if ingested.Path != "/api/users" || ingested.StatusCode != 404 {
		t.Fatalf("unexpected ingested record %+v", ingested)
	}
	if ingested.DurationMS == nil || *ingested.DurationMS != 88 {
		t.Fatalf("unexpected duration %v", ingested.DurationMS)
	}

	var payload domain.RequestLog
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID == 0 {
		t.Fatalf("expected assigned identifier in response")
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodPost, "/logs/ingest", strings.NewReader(`{"statusCode":200}`))
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleAdmin))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestGetLogByID(t *testing.T) {
	duration := int64(42)
	store := &storeStub{appended: []domain.RequestLog{{
		ID:         1,
		Timestamp:  time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC),
		Method:     "GET",
		Path:       "/api/orders",
		StatusCode: 200,
		DurationMS: &duration,
	}}}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodGet, "/logs/1", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload domain.RequestLog
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != 1 || payload.Path != "/api/orders" {
		t.Fatalf("unexpected record %+v", payload)
	}
}

func TestGetLogMissingReturnsNotFound(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	for _, target := range []string{"/logs/999", "/logs/notanumber"} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected status 404, got %d", target, rr.Code)
		}
	}
}

func TestListLogsParsesFilters(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.URL.RawQuery = "statusCode=404&method=GET&path=users&fromDate=2025-01-01T00:00:00Z&toDate=2025-02-01T00:00:00Z&page=3&pageSize=25"
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lastCriteria.StatusCode == nil || *store.lastCriteria.StatusCode != 404 {
		t.Fatalf("unexpected status filter %v", store.lastCriteria.StatusCode)
	}
	if store.lastCriteria.Method != "GET" || store.lastCriteria.PathContains != "users" {
		t.Fatalf("unexpected method/path filters %+v", store.lastCriteria)
	}
	if store.lastCriteria.From == nil || !store.lastCriteria.From.Equal(time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected from filter %v", store.lastCriteria.From)
	}
	if store.lastCriteria.To == nil || !store.lastCriteria.To.Equal(time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected to filter %v", store.lastCriteria.To)
	}
	if store.lastPage != 3 || store.lastSize != 25 {
		t.Fatalf("unexpected pagination page=%d size=%d", store.lastPage, store.lastSize)
	}
}

func TestListLogsRejectsBadDate(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodGet, "/logs?fromDate=notadate", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestExportCSVSetsDownloadHeaders(t *testing.T) {
	duration := int64(10)
	store := &storeStub{listResp: []domain.RequestLog{{
		Timestamp:  time.Date(2025, time.April, 1, 8, 0, 0, 0, time.UTC),
		Method:     "GET",
		Path:       "/api/users",
		StatusCode: 200,
		DurationMS: &duration,
	}}}
	router := setupRouter(t, store, newRateLimiterStub())

	req := httptest.NewRequest(http.MethodGet, "/logs/export/csv", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleAdmin))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "text/csv" {
		t.Fatalf("unexpected content type %q", got)
	}
	disposition := rr.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "apilogs_") || !strings.Contains(disposition, ".csv") {
		t.Fatalf("unexpected content disposition %q", disposition)
	}
	lines := strings.Split(strings.TrimRight(rr.Body.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %d lines", len(lines))
	}
	if lines[0] != "Timestamp,Method,Path,StatusCode,DurationMs,ClientIp,UserAgent" {
		t.Fatalf("unexpected header row %q", lines[0])
	}
}

func TestRateLimitedRequestRejected(t *testing.T) {
	store := &storeStub{}
	limiter := newRateLimiterStub()
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	router := setupRouter(t, store, limiter)

	req := httptest.NewRequest(http.MethodGet, "/logs", nil)
	req.Header.Set("Authorization", "Bearer "+bearer(t, auth.RoleViewer))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 || limiter.calls[0].key != "user:user-123" {
		t.Fatalf("unexpected limiter calls %+v", limiter.calls)
	}
}

func TestPanickingHandlerStillRecorded(t *testing.T) {
	store := &storeStub{}
	router := setupRouter(t, store, newRateLimiterStub())

	handler := router.record(func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	})
	req := httptest.NewRequest(http.MethodGet, "/analytics/overview", nil)
	rr := httptest.NewRecorder()
	handler(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	appended := store.appendedLogs()
	if len(appended) != 1 {
		t.Fatalf("expected panicked request recorded, got %d entries", len(appended))
	}
	if appended[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected recorded status %d", appended[0].StatusCode)
	}
	if appended[0].DurationMS == nil {
		t.Fatalf("expected duration recorded for panicked request")
	}
}

func TestHealthzReportsDatabase(t *testing.T) {
	store := &storeStub{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	logSvc := logs.New(store, nil, logger)
	analyticsSvc := analytics.New(store, nil, logger)
	tokenSvc := tokens.New(store, logger)
	router := NewRouter(logger, logSvc, analyticsSvc, tokenSvc, ws.NewHub(), newRateLimiterStub(), testSecret, func(ctx context.Context) error {
		return nil
	})
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Components["database"]["status"] != "up" {
		t.Fatalf("unexpected database component %v", payload.Components["database"])
	}
}
