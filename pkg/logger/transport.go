package logger

import (
	"log/slog"
	"net/http"
	"time"
)

// Transport logs every outbound API call at debug level, or at warn level
// when the upstream answers with a throttling or server error.
type Transport struct {
	log  *slog.Logger
	next http.RoundTripper
}

// NewTransport wraps next with request logging. A nil next uses http.DefaultTransport.
func NewTransport(log *slog.Logger, next http.RoundTripper) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{log: log, next: next}
}

// RoundTrip implements http.RoundTripper
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	bytesIn := max(0, int(req.ContentLength))

	resp, err := t.next.RoundTrip(req)

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("uri", req.URL.Redacted()),
		slog.Duration("duration", time.Since(start)),
		slog.Int("bytes_out", bytesIn),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		t.log.LogAttrs(req.Context(), slog.LevelWarn, "API", attrs...)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	attrs = append(attrs, slog.Int("status", resp.StatusCode))
	t.log.LogAttrs(req.Context(), level, "API", attrs...)

	return resp, nil
}
