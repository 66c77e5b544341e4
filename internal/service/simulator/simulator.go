// Package simulator generates synthetic API traffic so dashboards have
// data to show in development environments.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/calloway/apiwatch/internal/domain"
)

const (
	defaultInterval = 5 * time.Second
	defaultBatch    = 10
	minDurationMS   = 50
	maxDurationMS   = 2000
)

var endpoints = []string{
	"/api/users",
	"/api/products",
	"/api/orders",
	"/api/categories",
	"/api/reviews",
	"/api/payments",
	"/api/shipping",
	"/api/notifications",
}

var methods = []string{"GET", "POST", "PUT", "DELETE"}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36",
	"PostmanRuntime/7.32.3",
	"curl/7.88.1",
}

// Recorder persists one request log entry.
type Recorder interface {
	Record(ctx context.Context, rec domain.RequestLog) (domain.RequestLog, error)
}

// Simulator feeds synthetic records into a Recorder on a fixed cadence.
type Simulator struct {
	recorder Recorder
	logger   *slog.Logger
	interval time.Duration
	batch    int
	random   *rand.Rand
	now      func() time.Time
}

// New constructs a simulator. Non-positive interval and batch fall back
// to defaults.
func New(recorder Recorder, logger *slog.Logger, interval time.Duration, batch int) *Simulator {
	if interval <= 0 {
		interval = defaultInterval
	}
	if batch <= 0 {
		batch = defaultBatch
	}
	return &Simulator{
		recorder: recorder,
		logger:   logger,
		interval: interval,
		batch:    batch,
		random:   rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
	}
}

// Run emits one batch per tick until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("traffic simulator started", "interval", s.interval, "batch", s.batch)
	s.emitBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("traffic simulator stopped")
			return
		case <-ticker.C:
			s.emitBatch(ctx)
		}
	}
}

func (s *Simulator) emitBatch(ctx context.Context) {
	for i := 0; i < s.batch; i++ {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.recorder.Record(ctx, s.nextRecord()); err != nil {
			s.logger.Warn("simulated record rejected", "error", err)
		}
	}
}

func (s *Simulator) nextRecord() domain.RequestLog {
	duration := int64(minDurationMS + s.random.Intn(maxDurationMS-minDurationMS))
	clientIP := fmt.Sprintf("192.168.1.%d", 1+s.random.Intn(254))
	userAgent := userAgents[s.random.Intn(len(userAgents))]
	// Spread timestamps over the last hour so time series charts fill in.
	ts := s.now().UTC().Add(-time.Duration(s.random.Intn(3600)) * time.Second)

	return domain.RequestLog{
		Timestamp:  ts,
		Method:     methods[s.random.Intn(len(methods))],
		Path:       endpoints[s.random.Intn(len(endpoints))],
		StatusCode: s.nextStatus(),
		DurationMS: &duration,
		ClientIP:   &clientIP,
		UserAgent:  &userAgent,
	}
}

// nextStatus picks a status with a realistic error mix: mostly success,
// a tail of not-found, server, auth, and throttle failures.
func (s *Simulator) nextStatus() int {
	switch roll := s.random.Intn(100); {
	case roll < 70:
		return 200
	case roll < 85:
		return 404
	case roll < 90:
		return 500
	case roll < 95:
		return 401
	default:
		return 429
	}
}
