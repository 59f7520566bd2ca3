package poller

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/screwyprof/adpoller/pkg/httpkit"
)

// Class is the retry decision for a failed call
type Class int

const (
	ClassTerminal Class = iota
	ClassRetryable
	ClassFatalAuth
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatalAuth:
		return "fatal_auth"
	default:
		return "terminal"
	}
}

// Classify maps a call failure onto fatal-auth, retryable or terminal
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}
	if errors.Is(err, ErrFatalAuth) || errors.Is(err, ErrEmptyCredential) {
		return ClassFatalAuth
	}
	if errors.Is(err, ErrTerminal) || errors.Is(err, ErrRetriesExhausted) || errors.Is(err, context.Canceled) {
		return ClassTerminal
	}

	if code, ok := httpkit.StatusCode(err); ok {
		switch {
		case code == http.StatusUnauthorized, code == http.StatusForbidden:
			return ClassFatalAuth
		case code == http.StatusTooManyRequests, code >= http.StatusInternalServerError:
			return ClassRetryable
		default:
			return ClassTerminal
		}
	}

	if isNetworkTimeout(err) {
		return ClassRetryable
	}
	return ClassTerminal
}

// IsThrottled reports whether err is a 429 response
func IsThrottled(err error) bool {
	code, ok := httpkit.StatusCode(err)
	return ok && code == http.StatusTooManyRequests
}

// IsFatalAuth reports whether err must stop the token and trigger a refresh
func IsFatalAuth(err error) bool {
	return Classify(err) == ClassFatalAuth
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	return false
}
