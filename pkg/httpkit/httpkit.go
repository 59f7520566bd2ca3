// Package httpkit holds the HTTP error shapes shared by the API transport and the poller.
package httpkit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPError interface for HTTP-aware errors with detailed causes
type HTTPError interface {
	HTTPCode() int
	Cause() error
	error
}

// RetryHinter is implemented by errors that carry a server supplied retry delay
type RetryHinter interface {
	RetryHint() (time.Duration, bool)
}

// maxBodyInError bounds how much of a response body is kept on a StatusError
const maxBodyInError = 512

// StatusError is returned by the transport for every non-2xx response
type StatusError struct {
	Code       int
	Method     string
	URL        string
	Body       string
	RetryAfter time.Duration
	HasRetry   bool
}

// NewStatusError builds a StatusError from a response and its already read body
func NewStatusError(resp *http.Response, body []byte) *StatusError {
	e := &StatusError{
		Code: resp.StatusCode,
		Body: truncate(string(body), maxBodyInError),
	}
	if resp.Request != nil {
		e.Method = resp.Request.Method
		e.URL = resp.Request.URL.Redacted()
	}
	e.RetryAfter, e.HasRetry = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	return e
}

// Error implements the error interface
func (e *StatusError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("%s %s: unexpected status code: %d", e.Method, e.URL, e.Code)
}

// HTTPCode returns the response status code
func (e *StatusError) HTTPCode() int { return e.Code }

// Cause returns the error itself; a status error has no deeper cause
func (e *StatusError) Cause() error { return e }

// RetryHint returns the Retry-After delay when the server sent one
func (e *StatusError) RetryHint() (time.Duration, bool) { return e.RetryAfter, e.HasRetry }

// StatusCode extracts the HTTP status code from err, if any
func StatusCode(err error) (int, bool) {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.HTTPCode(), true
	}
	return 0, false
}

// RetryHint extracts a server supplied retry delay from err, if any
func RetryHint(err error) (time.Duration, bool) {
	var hinter RetryHinter
	if errors.As(err, &hinter) {
		return hinter.RetryHint()
	}
	return 0, false
}

// ParseRetryAfter understands both delta-seconds and HTTP-date forms of Retry-After
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(value); err == nil {
		return max(0, at.Sub(now)), true
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
