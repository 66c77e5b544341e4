package analytics

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
)

type logRepoStub struct {
	mu              sync.Mutex
	total           int64
	okCount         int64
	avgDuration     float64
	durations       []int64
	recent          []domain.RequestLog
	topStats        []domain.EndpointStat
	lastRecentLimit int
	lastTop         int
}

func (s *logRepoStub) AppendLog(ctx context.Context, rec *domain.RequestLog) error { return nil }

func (s *logRepoStub) GetLog(ctx context.Context, id int64) (domain.RequestLog, error) {
	return domain.RequestLog{}, repository.ErrNotFound
}

func (s *logRepoStub) ListLogs(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.RequestLog, error) {
	return nil, nil
}

func (s *logRepoStub) PurgeLogs(ctx context.Context, cutoff *time.Time) (int64, error) {
	return 0, nil
}

func (s *logRepoStub) CountLogs(ctx context.Context) (int64, error) { return s.total, nil }

func (s *logRepoStub) CountLogsBelowStatus(ctx context.Context, status int) (int64, error) {
	return s.okCount, nil
}

func (s *logRepoStub) AvgDuration(ctx context.Context) (float64, error) { return s.avgDuration, nil }

func (s *logRepoStub) ListDurations(ctx context.Context) ([]int64, error) { return s.durations, nil }

func (s *logRepoStub) ListRecentLogs(ctx context.Context, limit int) ([]domain.RequestLog, error) {
	s.mu.Lock()
	s.lastRecentLimit = limit
	s.mu.Unlock()
	return s.recent, nil
}

func (s *logRepoStub) TopEndpoints(ctx context.Context, top int) ([]domain.EndpointStat, error) {
	s.mu.Lock()
	s.lastTop = top
	s.mu.Unlock()
	if top < len(s.topStats) {
		return s.topStats[:top], nil
	}
	return s.topStats, nil
}

type listenerStub struct {
	mu        sync.Mutex
	snapshots []domain.Overview
}

func (l *listenerStub) OverviewComputed(snapshot domain.Overview) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshots = append(l.snapshots, snapshot)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOverviewEmptyStore(t *testing.T) {
	repo := &logRepoStub{}
	svc := New(repo, nil, discardLogger())

	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overview.Total != 0 || overview.OkCount != 0 || overview.ErrorCount != 0 {
		t.Fatalf("expected zero counts, got %+v", overview)
	}
	if overview.ErrorRate != 0 || overview.AvgDurationMS != 0 || overview.P95DurationMS != 0 {
		t.Fatalf("expected zero rates, got %+v", overview)
	}
	if len(overview.Alerts) != 0 {
		t.Fatalf("expected no alerts, got %v", overview.Alerts)
	}
}

func TestOverviewErrorRateAndAlert(t *testing.T) {
	repo := &logRepoStub{total: 100, okCount: 85, avgDuration: 120}
	svc := New(repo, nil, discardLogger())

	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overview.ErrorCount != 15 {
		t.Fatalf("expected 15 errors, got %d", overview.ErrorCount)
	}
	if overview.ErrorRate != 15.0 {
		t.Fatalf("expected error rate 15.0, got %f", overview.ErrorRate)
	}
	if len(overview.Alerts) != 1 || !strings.Contains(overview.Alerts[0], "high error rate") {
		t.Fatalf("expected high error rate alert, got %v", overview.Alerts)
	}
}

func TestOverviewAlertThresholdsAreStrict(t *testing.T) {
	// Exactly 10% errors: 90 ok out of 100. No alert.
	repo := &logRepoStub{total: 100, okCount: 90, avgDuration: 1000}
	svc := New(repo, nil, discardLogger())

	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overview.ErrorRate != 10.0 {
		t.Fatalf("expected error rate 10.0, got %f", overview.ErrorRate)
	}
	if len(overview.Alerts) != 0 {
		t.Fatalf("expected no alerts at exact thresholds, got %v", overview.Alerts)
	}

	// Nudge both metrics past their thresholds.
	repo = &logRepoStub{total: 10000, okCount: 8999, avgDuration: 1000.5}
	svc = New(repo, nil, discardLogger())
	overview, err = svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(overview.Alerts) != 2 {
		t.Fatalf("expected both alerts past thresholds, got %v", overview.Alerts)
	}
}

func TestOverviewP95NearestRank(t *testing.T) {
	durations := make([]int64, 0, 100)
	for i := int64(1); i <= 100; i++ {
		durations = append(durations, i*10)
	}
	repo := &logRepoStub{total: 100, okCount: 100, durations: durations}
	svc := New(repo, nil, discardLogger())

	overview, err := svc.Overview(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// floor(100 * 0.95) = index 95 -> 96th value.
	if overview.P95DurationMS != 960 {
		t.Fatalf("expected p95 960, got %f", overview.P95DurationMS)
	}
}

func TestOverviewNotifiesListener(t *testing.T) {
	repo := &logRepoStub{total: 5, okCount: 5}
	listener := &listenerStub{}
	svc := New(repo, listener, discardLogger())

	if _, err := svc.Overview(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.snapshots) != 1 {
		t.Fatalf("expected one snapshot pushed, got %d", len(listener.snapshots))
	}
	if listener.snapshots[0].Total != 5 {
		t.Fatalf("unexpected snapshot %+v", listener.snapshots[0])
	}
}

func TestTimeSeriesBucketsByHourAndMinute(t *testing.T) {
	base := time.Date(2025, time.April, 7, 10, 15, 0, 0, time.UTC)
	later := time.Date(2025, time.April, 7, 10, 45, 30, 0, time.UTC)
	d1, d2 := int64(100), int64(300)
	repo := &logRepoStub{recent: []domain.RequestLog{
		{Timestamp: base, DurationMS: &d1, StatusCode: 200},
		{Timestamp: later, DurationMS: &d2, StatusCode: 200},
	}}
	svc := New(repo, nil, discardLogger())

	hourly, err := svc.TimeSeries(context.Background(), "hour", 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hourly) != 1 {
		t.Fatalf("expected one hourly bucket, got %d", len(hourly))
	}
	if !hourly[0].BucketStart.Equal(time.Date(2025, time.April, 7, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected bucket start %s", hourly[0].BucketStart)
	}
	if hourly[0].Count != 2 || hourly[0].AvgDurationMS != 200 {
		t.Fatalf("unexpected hourly bucket %+v", hourly[0])
	}

	perMinute, err := svc.TimeSeries(context.Background(), "minute", 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(perMinute) != 2 {
		t.Fatalf("expected two minute buckets, got %d", len(perMinute))
	}
	if !perMinute[0].BucketStart.Before(perMinute[1].BucketStart) {
		t.Fatalf("expected ascending bucket order")
	}
	if perMinute[1].BucketStart.Second() != 0 {
		t.Fatalf("expected seconds zeroed, got %s", perMinute[1].BucketStart)
	}
}

func TestTimeSeriesFallbacksAndScanWindow(t *testing.T) {
	repo := &logRepoStub{}
	svc := New(repo, nil, discardLogger())

	if _, err := svc.TimeSeries(context.Background(), "fortnight", -3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.mu.Lock()
	limit := repo.lastRecentLimit
	repo.mu.Unlock()
	if limit != timeSeriesScanWindow {
		t.Fatalf("expected scan window %d, got %d", timeSeriesScanWindow, limit)
	}
}

func TestTimeSeriesTakesEarliestBucketsWithinWindow(t *testing.T) {
	// Three distinct minutes; asking for two points must return the two
	// earliest, not the two latest.
	recent := make([]domain.RequestLog, 0, 3)
	for i := 0; i < 3; i++ {
		recent = append(recent, domain.RequestLog{
			Timestamp:  time.Date(2025, time.April, 7, 10, i, 30, 0, time.UTC),
			StatusCode: 200,
		})
	}
	repo := &logRepoStub{recent: recent}
	svc := New(repo, nil, discardLogger())

	buckets, err := svc.TimeSeries(context.Background(), "minute", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected two buckets, got %d", len(buckets))
	}
	if buckets[0].BucketStart.Minute() != 0 || buckets[1].BucketStart.Minute() != 1 {
		t.Fatalf("expected earliest buckets, got %s and %s", buckets[0].BucketStart, buckets[1].BucketStart)
	}
}

func TestTopEndpointsOrderingAndClamp(t *testing.T) {
	repo := &logRepoStub{topStats: []domain.EndpointStat{
		{Path: "/api/orders", Count: 8},
		{Path: "/api/users", Count: 5},
		{Path: "/api/products", Count: 3},
	}}
	svc := New(repo, nil, discardLogger())

	stats, err := svc.TopEndpoints(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected two stats, got %d", len(stats))
	}
	if stats[0].Path != "/api/orders" || stats[1].Path != "/api/users" {
		t.Fatalf("unexpected order: %s, %s", stats[0].Path, stats[1].Path)
	}

	if _, err := svc.TopEndpoints(context.Background(), 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repo.mu.Lock()
	top := repo.lastTop
	repo.mu.Unlock()
	if top != defaultTopEndpoints {
		t.Fatalf("expected fallback top %d, got %d", defaultTopEndpoints, top)
	}
}

func TestNearestRankSingleValue(t *testing.T) {
	if got := nearestRank([]int64{250}, 0.95); got != 250 {
		t.Fatalf("expected 250, got %f", got)
	}
	if got := nearestRank(nil, 0.95); got != 0 {
		t.Fatalf("expected 0 for empty input, got %f", got)
	}
}
