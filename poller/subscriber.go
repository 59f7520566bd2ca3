package poller

// Subscriber dispatches run events to handlers
type Subscriber struct {
	done                 chan struct{}
	runStarted           func(RunStarted)
	tokenStarted         func(TokenStarted)
	tokenFinished        func(TokenFinished)
	tokenAwaitingRefresh func(TokenAwaitingRefresh)
	refreshed            func(CredentialRefreshed)
	refreshFailed        func(CredentialRefreshFailed)
	runFinished          func(RunFinished)
	runFailed            func(RunFailed)
}

// OnRunStarted sets the handler for RunStarted events
func OnRunStarted(fn func(RunStarted)) func(*Subscriber) {
	return func(s *Subscriber) { s.runStarted = fn }
}

// OnTokenStarted sets the handler for TokenStarted events
func OnTokenStarted(fn func(TokenStarted)) func(*Subscriber) {
	return func(s *Subscriber) { s.tokenStarted = fn }
}

// OnTokenFinished sets the handler for TokenFinished events
func OnTokenFinished(fn func(TokenFinished)) func(*Subscriber) {
	return func(s *Subscriber) { s.tokenFinished = fn }
}

// OnTokenAwaitingRefresh sets the handler for TokenAwaitingRefresh events
func OnTokenAwaitingRefresh(fn func(TokenAwaitingRefresh)) func(*Subscriber) {
	return func(s *Subscriber) { s.tokenAwaitingRefresh = fn }
}

// OnCredentialRefreshed sets the handler for CredentialRefreshed events
func OnCredentialRefreshed(fn func(CredentialRefreshed)) func(*Subscriber) {
	return func(s *Subscriber) { s.refreshed = fn }
}

// OnCredentialRefreshFailed sets the handler for CredentialRefreshFailed events
func OnCredentialRefreshFailed(fn func(CredentialRefreshFailed)) func(*Subscriber) {
	return func(s *Subscriber) { s.refreshFailed = fn }
}

// OnRunFinished sets the handler for RunFinished events
func OnRunFinished(fn func(RunFinished)) func(*Subscriber) {
	return func(s *Subscriber) { s.runFinished = fn }
}

// OnRunFailed sets the handler for RunFailed events
func OnRunFailed(fn func(RunFailed)) func(*Subscriber) {
	return func(s *Subscriber) { s.runFailed = fn }
}

// NewSubscriber creates a Subscriber with the given options and starts the dispatch loop.
// Returns a closer function that blocks until the events channel is closed
// and every event has been handled.
//
// Example:
//
//	events, done := orchestrator.Start(ctx, tokens, topo, rc)
//	closer := poller.NewSubscriber(events,
//	  poller.OnTokenFinished(func(e poller.TokenFinished) { ... }),
//	)
//	defer closer()
func NewSubscriber(events <-chan Event, opts ...func(*Subscriber)) func() {
	s := &Subscriber{
		done:                 make(chan struct{}),
		runStarted:           func(RunStarted) {},              // nop by default
		tokenStarted:         func(TokenStarted) {},            // nop by default
		tokenFinished:        func(TokenFinished) {},           // nop by default
		tokenAwaitingRefresh: func(TokenAwaitingRefresh) {},    // nop by default
		refreshed:            func(CredentialRefreshed) {},     // nop by default
		refreshFailed:        func(CredentialRefreshFailed) {}, // nop by default
		runFinished:          func(RunFinished) {},             // nop by default
		runFailed:            func(RunFailed) {},               // nop by default
	}

	for _, opt := range opts {
		opt(s)
	}

	go func() {
		defer close(s.done)
		for ev := range events {
			switch e := ev.(type) {
			case RunStarted:
				s.runStarted(e)
			case TokenStarted:
				s.tokenStarted(e)
			case TokenFinished:
				s.tokenFinished(e)
			case TokenAwaitingRefresh:
				s.tokenAwaitingRefresh(e)
			case CredentialRefreshed:
				s.refreshed(e)
			case CredentialRefreshFailed:
				s.refreshFailed(e)
			case RunFinished:
				s.runFinished(e)
			case RunFailed:
				s.runFailed(e)
			}
		}
	}()

	return func() {
		<-s.done
	}
}
