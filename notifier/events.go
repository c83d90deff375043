package notifier

import "time"

// Event represents a service lifecycle event
// ------------------------------------------
type Event any

type PollingStarted struct {
	Interval time.Duration
}

type PollingShutdown struct {
	Reason error // Why shutdown occurred (ctx.Err())
}

// RoundCheckFailed is emitted when the current round cannot be fetched;
// polling continues on the next tick.
type RoundCheckFailed struct {
	Err error
}

type BatchStarted struct {
	Round uint64
}

// ReconcileCompleted reports what the reconcile phase persisted.
type ReconcileCompleted struct {
	Round       uint64
	Delegates   int
	Pools       int
	Shares      int
	RuleChanges int
}

// ItemSkipped reports one pool or share that could not be persisted;
// the batch continues.
type ItemSkipped struct {
	Round   uint64
	Address string
	Reason  error
}

type SubscriberNotified struct {
	Channel ChannelKind
	Address string
	Round   uint64
	Kind    MessageKind
}

type SubscriberSkipped struct {
	Channel ChannelKind
	Address string
	Round   uint64
	Reason  error
}

type SubscriberFailed struct {
	Channel ChannelKind
	Address string
	Round   uint64
	Err     error
}

// BatchReport summarizes one round batch.
type BatchReport struct {
	Round       uint64
	Considered  int
	Notified    int
	Skipped     int
	Failed      int
	RuleChanges int
}

type BatchCompleted struct {
	Report   BatchReport
	Duration time.Duration
}

// BatchFailed is emitted when the fetch-and-reconcile phase fails; no
// subscriber decision can be made without current round state.
type BatchFailed struct {
	Round uint64
	Err   error
}
