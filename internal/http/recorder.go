package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/calloway/apiwatch/internal/domain"
)

// record wraps a handler so that exactly one request log row is written per
// request, including requests whose handler panics. The append runs in a
// finally position and uses a detached context so a client disconnect
// cannot cancel persistence.
func (r *Router) record(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder, ok := w.(*statusRecorder)
		if !ok {
			recorder = &statusRecorder{ResponseWriter: w}
			w = recorder
		}

		tokenHash := fingerprint(req.Header.Get("Authorization"))
		query := req.URL.RawQuery
		ip := clientIP(req)
		ua := req.UserAgent()

		start := time.Now()
		defer func() {
			panicked := recover()
			if panicked != nil {
				r.logger.Error("handler panicked", "panic", panicked, "method", req.Method, "path", req.URL.Path)
				if recorder.status == 0 {
					writeError(recorder, http.StatusInternalServerError, "internal server error")
				}
			}

			status := recorder.status
			if status == 0 {
				status = http.StatusOK
			}
			duration := time.Since(start).Milliseconds()

			entry := domain.RequestLog{
				Timestamp:  time.Now().UTC(),
				Method:     req.Method,
				Path:       req.URL.Path,
				StatusCode: status,
				DurationMS: &duration,
			}
			if query != "" {
				entry.Query = &query
			}
			if ip != "" {
				entry.ClientIP = &ip
			}
			if ua != "" {
				entry.UserAgent = &ua
			}
			if tokenHash != "" {
				entry.TokenHash = &tokenHash
			}

			ctx := context.WithoutCancel(req.Context())
			if _, err := r.logs.Record(ctx, entry); err != nil {
				// The response already went out; persistence failure must
				// never surface to the caller.
				r.logger.Error("request log append failed", "error", err, "method", req.Method, "path", req.URL.Path)
			}
		}()

		next(recorder, req)
	}
}

// fingerprint hashes a bearer token so callers can be correlated without
// storing the credential. Non-bearer or missing headers yield no
// fingerprint.
func fingerprint(authorization string) string {
	if authorization == "" {
		return ""
	}
	parts := strings.Fields(authorization)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
