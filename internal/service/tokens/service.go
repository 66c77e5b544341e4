package tokens

import (
	"context"
	"fmt"
	"math"
	"time"

	"log/slog"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
)

const (
	maxPageSize = 100

	topUsageLimit       = 20
	suspiciousLimit     = 20
	expiredLimit        = 50
	defaultDaysInactive = 30
	activeWindowDays    = 7
)

// Service reports per-fingerprint usage statistics. A fingerprint is the
// SHA-256 of a caller's bearer token; records without one are never
// counted here.
type Service struct {
	repo   repository.TokenStatRepository
	logger *slog.Logger
	now    func() time.Time
}

// New constructs a token statistics service.
func New(repo repository.TokenStatRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger, now: time.Now}
}

// List returns fingerprint groups ordered by usage, paginated. Page and
// page size are clamped rather than rejected.
func (s Service) List(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.TokenStat, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	stats, err := s.repo.TokenStats(ctx, criteria, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("token stats: %w", err)
	}
	return stats, nil
}

// TopByUsage returns the twenty busiest fingerprints.
func (s Service) TopByUsage(ctx context.Context) ([]domain.TokenStat, error) {
	stats, err := s.repo.TokenStats(ctx, repository.LogCriteria{}, 1, topUsageLimit)
	if err != nil {
		return nil, fmt.Errorf("top token stats: %w", err)
	}
	return stats, nil
}

// Suspicious returns fingerprints matching any abuse heuristic, capped at
// twenty, most errors first.
func (s Service) Suspicious(ctx context.Context) ([]domain.TokenStat, error) {
	stats, err := s.repo.SuspiciousTokens(ctx, suspiciousLimit)
	if err != nil {
		return nil, fmt.Errorf("suspicious tokens: %w", err)
	}
	return stats, nil
}

// Expired returns fingerprints idle for longer than daysInactive,
// longest-idle first, capped at fifty. A nil or negative daysInactive
// defaults to thirty days; zero places the cutoff at now, matching every
// fingerprint already used.
func (s Service) Expired(ctx context.Context, daysInactive *int) ([]domain.TokenStat, error) {
	days := defaultDaysInactive
	if daysInactive != nil && *daysInactive >= 0 {
		days = *daysInactive
	}
	cutoff := s.now().UTC().AddDate(0, 0, -days)
	stats, err := s.repo.ExpiredTokens(ctx, cutoff, expiredLimit)
	if err != nil {
		return nil, fmt.Errorf("expired tokens: %w", err)
	}
	return stats, nil
}

// Summary returns the fleet-wide fingerprint digest. Its suspicious count
// uses a narrower predicate (errors and success rate only) than
// Suspicious, so the two figures can disagree.
func (s Service) Summary(ctx context.Context) (domain.TokenSummary, error) {
	now := s.now().UTC()
	activeSince := now.AddDate(0, 0, -activeWindowDays)
	summary, err := s.repo.TokenSummary(ctx, activeSince)
	if err != nil {
		return domain.TokenSummary{}, fmt.Errorf("token summary: %w", err)
	}
	summary.AvgUsagePerToken = math.Round(summary.AvgUsagePerToken*10) / 10
	summary.GeneratedAt = now
	return summary, nil
}
