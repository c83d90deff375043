package notifier

// Listener handles event subscriptions.
type Listener struct {
	done                      chan struct{}
	pollStartedHandler        func(PollingStarted)
	pollShutdownHandler       func(PollingShutdown)
	roundCheckFailedHandler   func(RoundCheckFailed)
	batchStartedHandler       func(BatchStarted)
	reconcileHandler          func(ReconcileCompleted)
	itemSkippedHandler        func(ItemSkipped)
	subscriberNotifiedHandler func(SubscriberNotified)
	subscriberSkippedHandler  func(SubscriberSkipped)
	subscriberFailedHandler   func(SubscriberFailed)
	batchCompletedHandler     func(BatchCompleted)
	batchFailedHandler        func(BatchFailed)
}

// OnPollingStarted sets the handler for PollingStarted events
func OnPollingStarted(fn func(PollingStarted)) func(*Listener) {
	return func(l *Listener) { l.pollStartedHandler = fn }
}

// OnPollingShutdown sets the handler for PollingShutdown events
func OnPollingShutdown(fn func(PollingShutdown)) func(*Listener) {
	return func(l *Listener) { l.pollShutdownHandler = fn }
}

// OnRoundCheckFailed sets the handler for RoundCheckFailed events
func OnRoundCheckFailed(fn func(RoundCheckFailed)) func(*Listener) {
	return func(l *Listener) { l.roundCheckFailedHandler = fn }
}

// OnBatchStarted sets the handler for BatchStarted events
func OnBatchStarted(fn func(BatchStarted)) func(*Listener) {
	return func(l *Listener) { l.batchStartedHandler = fn }
}

// OnReconcileCompleted sets the handler for ReconcileCompleted events
func OnReconcileCompleted(fn func(ReconcileCompleted)) func(*Listener) {
	return func(l *Listener) { l.reconcileHandler = fn }
}

// OnItemSkipped sets the handler for ItemSkipped events
func OnItemSkipped(fn func(ItemSkipped)) func(*Listener) {
	return func(l *Listener) { l.itemSkippedHandler = fn }
}

// OnSubscriberNotified sets the handler for SubscriberNotified events
func OnSubscriberNotified(fn func(SubscriberNotified)) func(*Listener) {
	return func(l *Listener) { l.subscriberNotifiedHandler = fn }
}

// OnSubscriberSkipped sets the handler for SubscriberSkipped events
func OnSubscriberSkipped(fn func(SubscriberSkipped)) func(*Listener) {
	return func(l *Listener) { l.subscriberSkippedHandler = fn }
}

// OnSubscriberFailed sets the handler for SubscriberFailed events
func OnSubscriberFailed(fn func(SubscriberFailed)) func(*Listener) {
	return func(l *Listener) { l.subscriberFailedHandler = fn }
}

// OnBatchCompleted sets the handler for BatchCompleted events
func OnBatchCompleted(fn func(BatchCompleted)) func(*Listener) {
	return func(l *Listener) { l.batchCompletedHandler = fn }
}

// OnBatchFailed sets the handler for BatchFailed events
func OnBatchFailed(fn func(BatchFailed)) func(*Listener) {
	return func(l *Listener) { l.batchFailedHandler = fn }
}

// NewListener creates a Listener with the given options and starts the
// dispatch loop. Returns a closer function that waits for all events to be
// processed.
//
// Cleanup guarantee pattern:
//
//	The closer function ensures all events are handled before returning.
//	Use defer closer() immediately to guarantee cleanup before function exit.
//
// Example:
//
//	closer := notifier.NewListener(events,
//	  notifier.OnBatchCompleted(func(e BatchCompleted) { ... }),
//	)
//	defer closer()  // Ensures all events processed before exit
//
// The listener processes events until the events channel closes, then the
// closer function confirms all processing is complete.
func NewListener(events <-chan Event, opts ...func(*Listener)) func() {
	l := &Listener{
		done:                      make(chan struct{}),
		pollStartedHandler:        func(PollingStarted) {},      // nop by default
		pollShutdownHandler:       func(PollingShutdown) {},     // nop by default
		roundCheckFailedHandler:   func(RoundCheckFailed) {},    // nop by default
		batchStartedHandler:       func(BatchStarted) {},        // nop by default
		reconcileHandler:          func(ReconcileCompleted) {},  // nop by default
		itemSkippedHandler:        func(ItemSkipped) {},         // nop by default
		subscriberNotifiedHandler: func(SubscriberNotified) {},  // nop by default
		subscriberSkippedHandler:  func(SubscriberSkipped) {},   // nop by default
		subscriberFailedHandler:   func(SubscriberFailed) {},    // nop by default
		batchCompletedHandler:     func(BatchCompleted) {},      // nop by default
		batchFailedHandler:        func(BatchFailed) {},         // nop by default
	}

	for _, opt := range opts {
		opt(l)
	}

	// Start the dispatch loop immediately
	go func() {
		defer close(l.done)
		for ev := range events {
			switch e := ev.(type) {
			case PollingStarted:
				l.pollStartedHandler(e)
			case PollingShutdown:
				l.pollShutdownHandler(e)
			case RoundCheckFailed:
				l.roundCheckFailedHandler(e)
			case BatchStarted:
				l.batchStartedHandler(e)
			case ReconcileCompleted:
				l.reconcileHandler(e)
			case ItemSkipped:
				l.itemSkippedHandler(e)
			case SubscriberNotified:
				l.subscriberNotifiedHandler(e)
			case SubscriberSkipped:
				l.subscriberSkippedHandler(e)
			case SubscriberFailed:
				l.subscriberFailedHandler(e)
			case BatchCompleted:
				l.batchCompletedHandler(e)
			case BatchFailed:
				l.batchFailedHandler(e)
			}
		}
	}()

	return func() {
		<-l.done
	}
}
