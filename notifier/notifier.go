// Package notifier implements the round reconciliation and
// notification-throttling engine: per-round persistence of reward pools and
// stake shares, and frequency-gated fan-out of reward and rule-change
// notifications to subscribed wallet holders.
package notifier

import (
	"errors"
	"time"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

// Sentinel errors for failure cases
var (
	// ErrDuplicateKey marks an attempt to create a second Pool or Share
	// for the same (owner, round) pair. The first record is left intact.
	ErrDuplicateKey = errors.New("duplicate pool or share for round")

	// ErrMissingLocalEntity marks a Pool or Share referencing a delegate or
	// delegator that was never reconciled locally. Reconciliation ran out of
	// order for that item.
	ErrMissingLocalEntity = errors.New("referenced entity not reconciled locally")

	ErrRoundNotFound       = errors.New("round not found")
	ErrDelegatorNotFound   = errors.New("delegator not found")
	ErrSubscriberNotFound  = errors.New("subscriber not found")
	ErrNoNotifiableContent = errors.New("no notifiable content for subscriber")
)

// Round is a protocol epoch. Immutable once created; pools and shares
// reference it.
type Round struct {
	ID         uint64
	Length     uint64
	StartBlock uint64
}

// Delegate is the locally reconciled state of a delegate account.
type Delegate struct {
	Address         string
	Active          bool
	Status          string
	LastRewardRound uint64
	TotalStake      token.Amount
	Rules           DelegateRules
}

// DelegateRules are the fee and cut parameters a delegate can change
// between rounds.
type DelegateRules struct {
	RewardCut        int64
	FeeShare         int64
	PendingRewardCut int64
	PendingFeeShare  int64
}

// Delegator is the locally reconciled state of a delegator account.
type Delegator struct {
	Address         string
	DelegateAddress string
	TotalStake      token.Amount
	Status          string
	WithdrawRound   uint64
}

// Pool is the reward a delegate claimed in a round.
// At most one Pool exists per (delegate, round).
type Pool struct {
	DelegateAddress   string
	RoundID           uint64
	RewardTokens      token.Amount
	TotalStakeOnRound token.Amount
}

// Share is a delegator's slice of its delegate's pool for a round.
// At most one Share exists per (delegator, round).
type Share struct {
	DelegatorAddress  string
	DelegateAddress   string
	RoundID           uint64
	RewardTokens      token.Amount
	TotalStakeOnRound token.Amount
}

// RuleChange reports a delegate whose fee/cut parameters differ from the
// locally stored version.
type RuleChange struct {
	Address string
	Old     DelegateRules
	New     DelegateRules
}

// Frequency is how often a subscriber wants to be notified.
type Frequency string

const (
	Hourly  Frequency = "hourly"
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ChannelKind identifies a delivery channel.
type ChannelKind string

const (
	ChannelEmail    ChannelKind = "email"
	ChannelTelegram ChannelKind = "telegram"
)

// Subscriber is a wallet holder's subscription. One wallet address may hold
// several subscriptions. Subscribers are soft-deleted by deactivation, never
// removed.
type Subscriber struct {
	ID                int64
	Address           string
	Email             *string
	TelegramChatID    *int64
	EmailFrequency    Frequency
	TelegramFrequency Frequency
	LastEmailSent     *uint64
	LastTelegramSent  *uint64
	Activated         bool
	ActivationCode    int64
	CreatedAt         time.Time
}

// LastSent returns the round the subscriber was last notified on for the
// given channel, nil if never.
func (s Subscriber) LastSent(kind ChannelKind) *uint64 {
	if kind == ChannelTelegram {
		return s.LastTelegramSent
	}
	return s.LastEmailSent
}

// FrequencyFor returns the subscriber's frequency setting for the channel.
func (s Subscriber) FrequencyFor(kind ChannelKind) Frequency {
	if kind == ChannelTelegram {
		return s.TelegramFrequency
	}
	return s.EmailFrequency
}
