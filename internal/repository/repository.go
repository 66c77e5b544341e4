package repository

import (
	"context"
	"time"

	"github.com/calloway/apiwatch/internal/domain"
)

// LogCriteria narrows log queries. Zero values leave the corresponding
// dimension unconstrained; set fields are combined conjunctively.
type LogCriteria struct {
	StatusCode   *int
	Method       string
	PathContains string
	From         *time.Time
	To           *time.Time
}

// LogRepository owns request-log persistence. No other component reaches
// raw records except through this interface.
type LogRepository interface {
	AppendLog(ctx context.Context, rec *domain.RequestLog) error
	GetLog(ctx context.Context, id int64) (domain.RequestLog, error)
	ListLogs(ctx context.Context, criteria LogCriteria, page, pageSize int) ([]domain.RequestLog, error)
	PurgeLogs(ctx context.Context, cutoff *time.Time) (int64, error)

	CountLogs(ctx context.Context) (int64, error)
	CountLogsBelowStatus(ctx context.Context, status int) (int64, error)
	AvgDuration(ctx context.Context) (float64, error)
	ListDurations(ctx context.Context) ([]int64, error)
	ListRecentLogs(ctx context.Context, limit int) ([]domain.RequestLog, error)
	TopEndpoints(ctx context.Context, top int) ([]domain.EndpointStat, error)
}

// TokenStatRepository aggregates records by caller fingerprint.
type TokenStatRepository interface {
	TokenStats(ctx context.Context, criteria LogCriteria, page, pageSize int) ([]domain.TokenStat, error)
	SuspiciousTokens(ctx context.Context, limit int) ([]domain.TokenStat, error)
	ExpiredTokens(ctx context.Context, cutoff time.Time, limit int) ([]domain.TokenStat, error)
	TokenSummary(ctx context.Context, activeSince time.Time) (domain.TokenSummary, error)
}
