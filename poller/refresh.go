package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshTimeout bounds one shared refresh call
const DefaultRefreshTimeout = time.Minute

// Refresher renews credentials with at most one refresh in flight per store.
// Concurrent callers for the same store share the in-flight result.
type Refresher struct {
	source  CredentialSource
	timeout time.Duration
	group   singleflight.Group
	log     *slog.Logger
}

// NewRefresher constructs a Refresher over source
func NewRefresher(source CredentialSource, timeout time.Duration, opts ...Option) *Refresher {
	cm := newCommon(opts)
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Refresher{source: source, timeout: timeout, log: cm.log}
}

// Refresh returns a new credential for storeKey. A caller whose ctx ends
// stops waiting; the shared refresh keeps running for the other waiters.
func (r *Refresher) Refresh(ctx context.Context, storeKey string) (string, error) {
	ch := r.group.DoChan(storeKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		r.log.Info("Refreshing credential", slog.String("store", storeKey))
		cred, err := r.source.Refresh(rctx, storeKey)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrRefreshFailed, storeKey, err)
		}
		if cred == "" {
			return "", fmt.Errorf("%w: %s: %w", ErrRefreshFailed, storeKey, ErrEmptyCredential)
		}
		return cred, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}
