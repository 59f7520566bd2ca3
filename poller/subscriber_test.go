package poller_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/screwyprof/adpoller/poller"
)

func TestNewSubscriber(t *testing.T) {
	t.Parallel()

	t.Run("it dispatches events to their handlers and ignores the rest", func(t *testing.T) {
		t.Parallel()

		// Arrange
		events := make(chan poller.Event, 4)
		events <- poller.TokenFinished{StoreKey: "acc-1", Status: poller.StatusSucceeded}
		events <- poller.CredentialRefreshFailed{StoreKey: "acc-2", Err: errors.New("boom")}
		events <- poller.RunFinished{Successful: 1, Failed: 1}
		events <- "unknown"
		close(events)

		var finished []poller.TokenFinished
		var failed []poller.CredentialRefreshFailed

		// Act
		closer := poller.NewSubscriber(events,
			poller.OnTokenFinished(func(e poller.TokenFinished) { finished = append(finished, e) }),
			poller.OnCredentialRefreshFailed(func(e poller.CredentialRefreshFailed) { failed = append(failed, e) }),
		)
		closer()

		// Assert
		assert.Equal(t, []poller.TokenFinished{{StoreKey: "acc-1", Status: poller.StatusSucceeded}}, finished)
		assert.Len(t, failed, 1)
		assert.Equal(t, "acc-2", failed[0].StoreKey)
	})
}
