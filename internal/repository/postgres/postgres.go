package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calloway/apiwatch/internal/domain"
	"github.com/calloway/apiwatch/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.LogRepository       = (*Repository)(nil)
	_ repository.TokenStatRepository = (*Repository)(nil)
)

const logColumns = `id, timestamp, method, path, query, status_code, duration_ms, client_ip, user_agent, token_hash, extra`

// AppendLog inserts one immutable request-log record. A zero timestamp is
// defaulted to the current instant.
func (r *Repository) AppendLog(ctx context.Context, rec *domain.RequestLog) error {
	if rec == nil {
		return fmt.Errorf("log record required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	} else {
		rec.Timestamp = rec.Timestamp.UTC()
	}
	const query = `INSERT INTO request_logs (timestamp, method, path, query, status_code, duration_ms, client_ip, user_agent, token_hash, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		rec.Timestamp,
		rec.Method,
		rec.Path,
		rec.Query,
		rec.StatusCode,
		rec.DurationMS,
		rec.ClientIP,
		rec.UserAgent,
		rec.TokenHash,
		rec.Extra,
	)
	return row.Scan(&rec.ID)
}

// GetLog fetches a single record by identifier.
func (r *Repository) GetLog(ctx context.Context, id int64) (domain.RequestLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM request_logs WHERE id = $1`, logColumns)
	var rec domain.RequestLog
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Method,
		&rec.Path,
		&rec.Query,
		&rec.StatusCode,
		&rec.DurationMS,
		&rec.ClientIP,
		&rec.UserAgent,
		&rec.TokenHash,
		&rec.Extra,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RequestLog{}, repository.ErrNotFound
	}
	if err != nil {
		return domain.RequestLog{}, err
	}
	return rec, nil
}

// ListLogs returns records matching the criteria, newest first.
func (r *Repository) ListLogs(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.RequestLog, error) {
	where, args := buildLogFilter(criteria)
	query := fmt.Sprintf(`SELECT %s FROM request_logs%s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		logColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

// PurgeLogs deletes records older than cutoff, or every record when cutoff
// is nil. Returns the number of rows removed.
func (r *Repository) PurgeLogs(ctx context.Context, cutoff *time.Time) (int64, error) {
	if cutoff == nil {
		tag, err := r.pool.Exec(ctx, `DELETE FROM request_logs`)
		if err != nil {
			return 0, err
		}
		return tag.RowsAffected(), nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM request_logs WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountLogs counts every stored record.
func (r *Repository) CountLogs(ctx context.Context) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM request_logs`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CountLogsBelowStatus counts records whose status code is strictly below
// the given bound.
func (r *Repository) CountLogsBelowStatus(ctx context.Context, status int) (int64, error) {
	var count int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(1) FROM request_logs WHERE status_code < $1`, status).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AvgDuration returns the mean duration across all records, with missing
// durations treated as zero. An empty table yields 0.
func (r *Repository) AvgDuration(ctx context.Context) (float64, error) {
	var avg float64
	const query = `SELECT COALESCE(AVG(COALESCE(duration_ms, 0)), 0)::float8 FROM request_logs`
	if err := r.pool.QueryRow(ctx, query).Scan(&avg); err != nil {
		return 0, err
	}
	return avg, nil
}

// ListDurations returns every record's duration ascending, missing values
// as zero. Used for percentile estimation.
func (r *Repository) ListDurations(ctx context.Context) ([]int64, error) {
	const query = `SELECT COALESCE(duration_ms, 0) FROM request_logs ORDER BY 1 ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	durations := make([]int64, 0)
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		durations = append(durations, d)
	}
	return durations, rows.Err()
}

// ListRecentLogs returns the newest records by timestamp, capped at limit.
func (r *Repository) ListRecentLogs(ctx context.Context, limit int) ([]domain.RequestLog, error) {
	query := fmt.Sprintf(`SELECT %s FROM request_logs ORDER BY timestamp DESC LIMIT $1`, logColumns)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLogs(rows)
}

// TopEndpoints groups records by path and returns the busiest paths first.
func (r *Repository) TopEndpoints(ctx context.Context, top int) ([]domain.EndpointStat, error) {
	const query = `SELECT path,
			COUNT(1) AS call_count,
			AVG(COALESCE(duration_ms, 0))::float8,
			COUNT(1) FILTER (WHERE status_code >= 400),
			(COUNT(1) FILTER (WHERE status_code < 400))::float8 * 100.0 / COUNT(1)
		FROM request_logs
		GROUP BY path
		ORDER BY call_count DESC
		LIMIT $1`
	rows, err := r.pool.Query(ctx, query, top)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make([]domain.EndpointStat, 0)
	for rows.Next() {
		var s domain.EndpointStat
		if err := rows.Scan(&s.Path, &s.Count, &s.AvgDurationMS, &s.ErrorCount, &s.SuccessRate); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

const tokenStatColumns = `token_hash,
		COUNT(1) AS usage_count,
		MIN(timestamp) AS first_used,
		MAX(timestamp) AS last_used,
		AVG(COALESCE(duration_ms, 0))::float8 AS avg_duration_ms,
		COUNT(1) FILTER (WHERE status_code >= 400) AS error_count,
		(COUNT(1) FILTER (WHERE status_code < 400))::float8 * 100.0 / COUNT(1) AS success_rate`

const tokenStatBase = `FROM request_logs WHERE token_hash IS NOT NULL AND token_hash <> ''`

// TokenStats returns fingerprint groups ordered by usage, paginated. Only
// the time-range fields of the criteria apply.
func (r *Repository) TokenStats(ctx context.Context, criteria repository.LogCriteria, page, pageSize int) ([]domain.TokenStat, error) {
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 4)
	if criteria.From != nil {
		args = append(args, criteria.From.UTC())
		clauses = append(clauses, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if criteria.To != nil {
		args = append(args, criteria.To.UTC())
		clauses = append(clauses, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	window := ""
	if len(clauses) > 0 {
		window = " AND " + strings.Join(clauses, " AND ")
	}
	query := fmt.Sprintf(`SELECT %s %s%s GROUP BY token_hash ORDER BY usage_count DESC LIMIT $%d OFFSET $%d`,
		tokenStatColumns, tokenStatBase, window, len(args)+1, len(args)+2)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokenStats(rows)
}

// SuspiciousTokens returns fingerprint groups matching any of the abuse
// heuristics, worst offenders (most errors) first.
func (r *Repository) SuspiciousTokens(ctx context.Context, limit int) ([]domain.TokenStat, error) {
	query := fmt.Sprintf(`SELECT %s %s
		GROUP BY token_hash
		HAVING COUNT(1) FILTER (WHERE status_code >= 400) > 10
			OR (COUNT(1) FILTER (WHERE status_code < 400))::float8 * 100.0 / COUNT(1) < 50
			OR COUNT(1) > 1000
			OR AVG(COALESCE(duration_ms, 0)) > 5000
		ORDER BY error_count DESC
		LIMIT $1`, tokenStatColumns, tokenStatBase)
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokenStats(rows)
}

// ExpiredTokens returns fingerprint groups whose last use predates cutoff,
// longest-idle first.
func (r *Repository) ExpiredTokens(ctx context.Context, cutoff time.Time, limit int) ([]domain.TokenStat, error) {
	query := fmt.Sprintf(`SELECT %s %s
		GROUP BY token_hash
		HAVING MAX(timestamp) < $1
		ORDER BY last_used ASC
		LIMIT $2`, tokenStatColumns, tokenStatBase)
	rows, err := r.pool.Query(ctx, query, cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTokenStats(rows)
}

// TokenSummary computes fleet-wide fingerprint counters. The sub-queries
// run independently; a record landing between them may skew the digest by
// one, which is acceptable for a monitoring view.
func (r *Repository) TokenSummary(ctx context.Context, activeSince time.Time) (domain.TokenSummary, error) {
	var summary domain.TokenSummary

	const totalQuery = `SELECT COUNT(DISTINCT token_hash) ` + tokenStatBase
	if err := r.pool.QueryRow(ctx, totalQuery).Scan(&summary.TotalTokens); err != nil {
		return domain.TokenSummary{}, err
	}

	const activeQuery = `SELECT COUNT(DISTINCT token_hash) ` + tokenStatBase + ` AND timestamp >= $1`
	if err := r.pool.QueryRow(ctx, activeQuery, activeSince.UTC()).Scan(&summary.ActiveTokens); err != nil {
		return domain.TokenSummary{}, err
	}

	// Narrower predicate than SuspiciousTokens: only the error-count and
	// success-rate heuristics count toward the summary.
	const suspiciousQuery = `SELECT COUNT(1) FROM (
			SELECT token_hash ` + tokenStatBase + `
			GROUP BY token_hash
			HAVING COUNT(1) FILTER (WHERE status_code >= 400) > 10
				OR (COUNT(1) FILTER (WHERE status_code < 400))::float8 * 100.0 / COUNT(1) < 50
		) suspicious`
	if err := r.pool.QueryRow(ctx, suspiciousQuery).Scan(&summary.SuspiciousTokens); err != nil {
		return domain.TokenSummary{}, err
	}

	const avgQuery = `SELECT COALESCE(AVG(usage_count), 0)::float8 FROM (
			SELECT COUNT(1) AS usage_count ` + tokenStatBase + ` GROUP BY token_hash
		) grouped`
	if err := r.pool.QueryRow(ctx, avgQuery).Scan(&summary.AvgUsagePerToken); err != nil {
		return domain.TokenSummary{}, err
	}

	return summary, nil
}

// buildLogFilter composes a WHERE clause from the criteria. Each set field
// contributes one predicate joined by AND; an empty criteria yields an
// empty clause.
func buildLogFilter(criteria repository.LogCriteria) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 5)
	if criteria.StatusCode != nil {
		args = append(args, *criteria.StatusCode)
		clauses = append(clauses, fmt.Sprintf("status_code = $%d", len(args)))
	}
	if criteria.Method != "" {
		args = append(args, criteria.Method)
		clauses = append(clauses, fmt.Sprintf("method = $%d", len(args)))
	}
	if criteria.PathContains != "" {
		args = append(args, "%"+escapeLike(criteria.PathContains)+"%")
		clauses = append(clauses, fmt.Sprintf("path LIKE $%d", len(args)))
	}
	if criteria.From != nil {
		args = append(args, criteria.From.UTC())
		clauses = append(clauses, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if criteria.To != nil {
		args = append(args, criteria.To.UTC())
		clauses = append(clauses, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

func scanLogs(rows pgx.Rows) ([]domain.RequestLog, error) {
	logs := make([]domain.RequestLog, 0)
	for rows.Next() {
		var rec domain.RequestLog
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Method,
			&rec.Path,
			&rec.Query,
			&rec.StatusCode,
			&rec.DurationMS,
			&rec.ClientIP,
			&rec.UserAgent,
			&rec.TokenHash,
			&rec.Extra,
		); err != nil {
			return nil, err
		}
		logs = append(logs, rec)
	}
	return logs, rows.Err()
}

func scanTokenStats(rows pgx.Rows) ([]domain.TokenStat, error) {
	stats := make([]domain.TokenStat, 0)
	for rows.Next() {
		var s domain.TokenStat
		if err := rows.Scan(
			&s.TokenHash,
			&s.UsageCount,
			&s.FirstUsed,
			&s.LastUsed,
			&s.AvgDurationMS,
			&s.ErrorCount,
			&s.SuccessRate,
		); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
