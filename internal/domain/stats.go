package domain

import "time"

// Overview summarises the whole log table. It is recomputed on every
// query and never persisted.
type Overview struct {
	Total         int64    `json:"total"`
	OkCount       int64    `json:"okCount"`
	ErrorCount    int64    `json:"errorCount"`
	ErrorRate     float64  `json:"errorRate"`
	AvgDurationMS float64  `json:"avgDurationMs"`
	P95DurationMS float64  `json:"p95DurationMs"`
	Alerts        []string `json:"alerts"`
}

// TimeBucket is one point of a time series: records grouped by their
// timestamp truncated to a minute or hour boundary.
type TimeBucket struct {
	BucketStart   time.Time `json:"timestamp"`
	Count         int64     `json:"count"`
	AvgDurationMS float64   `json:"avgDurationMs"`
}

// EndpointStat aggregates records sharing a request path.
type EndpointStat struct {
	Path          string  `json:"path"`
	Count         int64   `json:"count"`
	AvgDurationMS float64 `json:"avgDurationMs"`
	ErrorCount    int64   `json:"errorCount"`
	SuccessRate   float64 `json:"successRate"`
}

// TokenStat aggregates records sharing a caller fingerprint. Records
// without a fingerprint never contribute.
type TokenStat struct {
	TokenHash     string    `json:"tokenHash"`
	UsageCount    int64     `json:"usageCount"`
	FirstUsed     time.Time `json:"firstUsed"`
	LastUsed      time.Time `json:"lastUsed"`
	AvgDurationMS float64   `json:"avgDurationMs"`
	ErrorCount    int64     `json:"errorCount"`
	SuccessRate   float64   `json:"successRate"`
}

// TokenSummary is the fleet-wide fingerprint digest.
type TokenSummary struct {
	TotalTokens      int64     `json:"totalTokens"`
	ActiveTokens     int64     `json:"activeTokens"`
	SuspiciousTokens int64     `json:"suspiciousTokens"`
	AvgUsagePerToken float64   `json:"averageUsagePerToken"`
	GeneratedAt      time.Time `json:"lastUpdated"`
}
