package notifier

import (
	"context"
	"time"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

// Store provides idempotent persistence for round reconciliation state
// -------------------------------------------------------------------
type Store interface {
	// EnsureRound returns the stored round, creating it if absent.
	EnsureRound(ctx context.Context, round Round) (Round, error)

	// ReconcileDelegates inserts fetched delegates missing locally and
	// updates the ones whose rule parameters changed, reporting each change.
	ReconcileDelegates(ctx context.Context, fetched []Delegate) ([]RuleChange, error)

	// ReconcileDelegators inserts or updates the fetched delegators.
	ReconcileDelegators(ctx context.Context, fetched []Delegator) error

	// CreatePool persists a pool. It fails with ErrDuplicateKey when a pool
	// already exists for the same (delegate, round), and with
	// ErrMissingLocalEntity when the delegate was never reconciled.
	CreatePool(ctx context.Context, pool Pool) error

	// CreateShare persists a share under the same contract as CreatePool,
	// keyed by (delegator, round).
	CreateShare(ctx context.Context, share Share) error

	DelegateByAddress(ctx context.Context, address string) (Delegate, error)
	DelegatorByAddress(ctx context.Context, address string) (Delegator, error)

	// SubscribersForChannel returns activated subscribers with a usable
	// address for the channel.
	SubscribersForChannel(ctx context.Context, kind ChannelKind) ([]Subscriber, error)

	// MarkNotified records the round a subscriber was last notified on for
	// a channel.
	MarkNotified(ctx context.Context, subscriberID int64, kind ChannelKind, round uint64) error

	// RewardCallHistory returns one entry per stored round in
	// [fromRound, toRound), with nil tokens for rounds the delegate
	// claimed no reward in.
	RewardCallHistory(ctx context.Context, delegateAddress string, fromRound, toRound uint64) ([]reward.Call, error)
}

// MessageKind selects the notification template.
type MessageKind string

const (
	MessageRewardCallAllGood      MessageKind = "reward-call-all-good"
	MessageRewardCallPayAttention MessageKind = "reward-call-pay-attention"
	MessageUnbondingState         MessageKind = "unbonding-state"
	MessageUnbondedState          MessageKind = "unbonded-state"
	MessageDelegateRewardCall     MessageKind = "delegate-reward-call"
	MessageRuleChange             MessageKind = "rule-change"
)

// Payload carries the figures a channel renders into a message body.
// Only the fields relevant to the Kind are populated.
type Payload struct {
	CurrentRound         uint64
	DelegateAddress      string
	DelegateCalledReward bool
	NextReward           token.Amount
	TotalStake           token.Amount
	MissedRewardCalls    int
	RoundsUntilUnbonded  uint64
	RuleChange           *RuleChange
}

// Notification is one message handed to a channel for delivery.
type Notification struct {
	Subscriber Subscriber
	Kind       MessageKind
	Payload    Payload
}

// Channel delivers notifications over one transport (email, chat).
// Delivery failures are returned to the caller, which logs and continues.
type Channel interface {
	Kind() ChannelKind
	Send(ctx context.Context, n Notification) error
}

// Clock abstracts time for production and testing
// ------------------------------------------------
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}
