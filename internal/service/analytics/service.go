package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"log/slog"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
)

// Alert thresholds. Both comparisons are strict: a value sitting exactly
// on the threshold raises nothing.
const (
	errorRateAlertPercent = 10.0
	avgLatencyAlertMS     = 1000.0
)

const (
	// timeSeriesScanWindow bounds how many recent records feed the time
	// series. Buckets approximate only the newest slice of traffic.
	timeSeriesScanWindow = 1000

	defaultTimeSeriesPoints = 24
	maxTimeSeriesPoints     = 1000
	defaultTopEndpoints     = 10
	maxTopEndpoints         = 50
)

// IntervalMinute and IntervalHour are the supported bucket widths.
const (
	IntervalMinute = "minute"
	IntervalHour   = "hour"
)

// OverviewListener observes freshly computed overview snapshots. The
// engine publishes to it without knowing what transport sits behind.
type OverviewListener interface {
	OverviewComputed(domain.Overview)
}

// Service derives analytics views from the log store on demand. Nothing
// is cached; every call reads current state.
type Service struct {
	repo     repository.LogRepository
	listener OverviewListener
	logger   *slog.Logger
}

// New constructs an analytics service. listener may be nil.
func New(repo repository.LogRepository, listener OverviewListener, logger *slog.Logger) Service {
	return Service{repo: repo, listener: listener, logger: logger}
}

// Overview computes the whole-table snapshot and notifies the listener.
// Sub-queries run independently; counts may reflect slightly different
// instants under concurrent ingestion.
func (s Service) Overview(ctx context.Context) (domain.Overview, error) {
	total, err := s.repo.CountLogs(ctx)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("count logs: %w", err)
	}
	okCount, err := s.repo.CountLogsBelowStatus(ctx, 400)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("count ok logs: %w", err)
	}
	avg, err := s.repo.AvgDuration(ctx)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("average duration: %w", err)
	}
	durations, err := s.repo.ListDurations(ctx)
	if err != nil {
		return domain.Overview{}, fmt.Errorf("list durations: %w", err)
	}

	errorCount := total - okCount
	var errorRate float64
	if total > 0 {
		errorRate = float64(errorCount) * 100.0 / float64(total)
	}

	snapshot := domain.Overview{
		Total:         total,
		OkCount:       okCount,
		ErrorCount:    errorCount,
		ErrorRate:     errorRate,
		AvgDurationMS: avg,
		P95DurationMS: nearestRank(durations, 0.95),
		Alerts:        buildAlerts(errorRate, avg),
	}

	if s.listener != nil {
		s.listener.OverviewComputed(snapshot)
	}
	return snapshot, nil
}

// TimeSeries buckets the most recent records by minute or hour. Unknown
// intervals fall back to hour; out-of-range point counts fall back to the
// default. Only the newest records (up to the scan window) contribute,
// and the earliest buckets within that window are returned.
func (s Service) TimeSeries(ctx context.Context, interval string, points int) ([]domain.TimeBucket, error) {
	if interval != IntervalMinute && interval != IntervalHour {
		interval = IntervalHour
	}
	if points <= 0 || points > maxTimeSeriesPoints {
		points = defaultTimeSeriesPoints
	}

	logs, err := s.repo.ListRecentLogs(ctx, timeSeriesScanWindow)
	if err != nil {
		return nil, fmt.Errorf("list recent logs: %w", err)
	}

	buckets := bucketize(logs, interval)
	if len(buckets) > points {
		buckets = buckets[:points]
	}
	return buckets, nil
}

// TopEndpoints ranks paths by request volume. top is clamped to its valid
// range, defaulting when out of bounds.
func (s Service) TopEndpoints(ctx context.Context, top int) ([]domain.EndpointStat, error) {
	if top <= 0 || top > maxTopEndpoints {
		top = defaultTopEndpoints
	}
	stats, err := s.repo.TopEndpoints(ctx, top)
	if err != nil {
		return nil, fmt.Errorf("top endpoints: %w", err)
	}
	return stats, nil
}

// nearestRank picks the p-quantile of ascending-sorted durations by
// indexing at floor(n*p). No interpolation.
func nearestRank(sorted []int64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx])
}

func buildAlerts(errorRate, avgDuration float64) []string {
	alerts := make([]string, 0, 2)
	if errorRate > errorRateAlertPercent {
		alerts = append(alerts, fmt.Sprintf("high error rate: %.1f%% (>%.0f%%)", errorRate, errorRateAlertPercent))
	}
	if avgDuration > avgLatencyAlertMS {
		alerts = append(alerts, fmt.Sprintf("high average latency: %.0fms (>%.0fms)", avgDuration, avgLatencyAlertMS))
	}
	return alerts
}

type bucketAccumulator struct {
	count       int64
	durationSum int64
}

// bucketize groups records by their timestamp truncated to the interval
// boundary and returns buckets ascending by start time.
func bucketize(logs []domain.RequestLog, interval string) []domain.TimeBucket {
	width := time.Hour
	if interval == IntervalMinute {
		width = time.Minute
	}

	groups := make(map[time.Time]*bucketAccumulator)
	for _, rec := range logs {
		start := rec.Timestamp.UTC().Truncate(width)
		acc := groups[start]
		if acc == nil {
			acc = &bucketAccumulator{}
			groups[start] = acc
		}
		acc.count++
		if rec.DurationMS != nil {
			acc.durationSum += *rec.DurationMS
		}
	}

	buckets := make([]domain.TimeBucket, 0, len(groups))
	for start, acc := range groups {
		buckets = append(buckets, domain.TimeBucket{
			BucketStart:   start,
			Count:         acc.count,
			AvgDurationMS: float64(acc.durationSum) / float64(acc.count),
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].BucketStart.Before(buckets[j].BucketStart)
	})
	return buckets
}
