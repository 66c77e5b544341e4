package domain

import "time"

// RequestLog is one persisted entry describing a single completed HTTP
// request. Records are immutable once written; only purge removes them.
type RequestLog struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Query      *string   `json:"query,omitempty"`
	StatusCode int       `json:"statusCode"`
	DurationMS *int64    `json:"durationMs,omitempty"`
	ClientIP   *string   `json:"clientIp,omitempty"`
	UserAgent  *string   `json:"userAgent,omitempty"`
	TokenHash  *string   `json:"tokenHash,omitempty"`
	Extra      *string   `json:"extra,omitempty"`
}

// Field length limits enforced at ingestion time.
const (
	MaxMethodLen    = 10
	MaxPathLen      = 2048
	MaxQueryLen     = 255
	MaxClientIPLen  = 64
	MaxUserAgentLen = 2048
	MaxTokenHashLen = 512
)
