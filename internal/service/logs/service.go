package logs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"log/slog"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
)

const (
	maxPageSize = 500

	// exportRowCap bounds CSV exports so a single download cannot drag
	// the whole table over the wire.
	exportRowCap = 10000

	csvHeader        = "Timestamp,Method,Path,StatusCode,DurationMs,ClientIp,UserAgent"
	csvTimestampForm = "2006-01-02 15:04:05"
)

// Listener observes freshly persisted log records.
type Listener interface {
	LogRecorded(domain.RequestLog)
}

// Service handles request-log persistence, querying, export, and purge.
type Service struct {
	repo     repository.LogRepository
	listener Listener
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a log service. listener may be nil.
func New(repo repository.LogRepository, listener Listener, logger *slog.Logger) Service {
	return Service{repo: repo, listener: listener, logger: logger, now: time.Now}
}

// Record normalises, persists, and announces one log record. Overlong
// fields are truncated rather than rejected.
func (s Service) Record(ctx context.Context, rec domain.RequestLog) (domain.RequestLog, error) {
	rec.ID = 0
	rec.Method = truncate(rec.Method, domain.MaxMethodLen)
	rec.Path = truncate(rec.Path, domain.MaxPathLen)
	rec.Query = truncatePtr(rec.Query, domain.MaxQueryLen)
	rec.ClientIP = truncatePtr(rec.ClientIP, domain.MaxClientIPLen)
	rec.UserAgent = truncatePtr(rec.UserAgent, domain.MaxUserAgentLen)
	rec.TokenHash = truncatePtr(rec.TokenHash, domain.MaxTokenHashLen)
	if !rec.Timestamp.IsZero() {
		rec.Timestamp = rec.Timestamp.UTC()
	}

	if err := s.repo.AppendLog(ctx, &rec); err != nil {
		return domain.RequestLog{}, fmt.Errorf("append log: %w", err)
	}
	if s.listener != nil {
		s.listener.LogRecorded(rec)
	}
	return rec, nil
}

// Get returns one record by identifier. Missing records surface
// repository.ErrNotFound unchanged so callers can map it.
func (s Service) Get(ctx context.Context, id int64) (domain.RequestLog, error) {
	return s.repo.GetLog(ctx, id)
}

// List returns matching records newest-first. Page and page size are
// clamped; a page past the end yields an empty list.
func (s Service) List(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.RequestLog, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	entries, err := s.repo.ListLogs(ctx, criteria, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return entries, nil
}

// ExportCSV streams matching records as CSV: one header row, then one row
// per record, newest first, capped at the export limit. String fields are
// always quoted; numeric fields are bare. Returns the number of data rows
// written.
func (s Service) ExportCSV(ctx context.Context, criteria repository.LogCriteria, w io.Writer) (int, error) {
	entries, err := s.repo.ListLogs(ctx, criteria, 1, exportRowCap)
	if err != nil {
		return 0, fmt.Errorf("export logs: %w", err)
	}
	if _, err := io.WriteString(w, csvHeader+"\n"); err != nil {
		return 0, fmt.Errorf("write csv header: %w", err)
	}
	for i, rec := range entries {
		row := formatCSVRow(rec)
		if _, err := io.WriteString(w, row+"\n"); err != nil {
			return i, fmt.Errorf("write csv row: %w", err)
		}
	}
	return len(entries), nil
}

// ExportFilename stamps a download name with the export instant.
func (s Service) ExportFilename() string {
	return "apilogs_" + s.now().UTC().Format("20060102_150405") + ".csv"
}

// Purge removes records older than daysToKeep days, or every record when
// daysToKeep is nil. Purging an empty range is not an error.
func (s Service) Purge(ctx context.Context, daysToKeep *int) (int64, error) {
	var cutoff *time.Time
	if daysToKeep != nil {
		c := s.now().UTC().AddDate(0, 0, -*daysToKeep)
		cutoff = &c
	}
	removed, err := s.repo.PurgeLogs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	s.logger.Info("logs purged", "removed", removed, "bounded", cutoff != nil)
	return removed, nil
}

func formatCSVRow(rec domain.RequestLog) string {
	duration := ""
	if rec.DurationMS != nil {
		duration = fmt.Sprintf("%d", *rec.DurationMS)
	}
	return strings.Join([]string{
		quoteCSV(rec.Timestamp.UTC().Format(csvTimestampForm)),
		quoteCSV(rec.Method),
		quoteCSV(rec.Path),
		fmt.Sprintf("%d", rec.StatusCode),
		duration,
		quoteCSV(deref(rec.ClientIP)),
		quoteCSV(deref(rec.UserAgent)),
	}, ",")
}

// quoteCSV always quotes and doubles embedded quotes, so paths or user
// agents containing commas cannot break row structure.
func quoteCSV(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func truncatePtr(s *string, max int) *string {
	if s == nil {
		return nil
	}
	if len(*s) > max {
		shortened := (*s)[:max]
		return &shortened
	}
	return s
}
