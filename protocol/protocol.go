// Package protocol defines the capability consumed to read on-chain staking
// state. Implementations (e.g. pkg/graph) talk to the actual data source;
// this package only knows the shapes and the retry policy.
package protocol

import (
	"context"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

// Delegate statuses as reported by the protocol.
const (
	DelegateStatusRegistered = "Registered"
	DelegateStatusBonded     = "Bonded"
)

// Delegator statuses as reported by the protocol.
const (
	DelegatorStatusBonded    = "Bonded"
	DelegatorStatusUnbonding = "Unbonding"
	DelegatorStatusUnbonded  = "Unbonded"
)

// Subscriber roles derived from account state.
const (
	RoleDelegate  = "Delegate"
	RoleDelegator = "Delegator"
)

// RoundInfo describes the protocol round in progress.
type RoundInfo struct {
	ID         uint64
	Length     uint64
	StartBlock uint64
}

// Delegate is a point-in-time snapshot of a delegate account.
type Delegate struct {
	Address          string
	Active           bool
	Status           string
	RewardCut        int64
	FeeShare         int64
	PendingRewardCut int64
	PendingFeeShare  int64
	LastRewardRound  uint64
	TotalStake       token.Amount
}

// Delegator is a point-in-time snapshot of a delegator account.
type Delegator struct {
	Address         string
	DelegateAddress string
	TotalStake      token.Amount
	Status          string
	WithdrawRound   uint64
}

// PoolReward is one delegate's claimed reward for a round.
// A nil RewardTokens means the delegate did not call reward.
type PoolReward struct {
	DelegateAddress string
	RewardTokens    *token.Amount
}

// Constants are protocol-level enumerations and divisors supplied by the
// source so that callers do not hard-code protocol encodings.
type Constants struct {
	RoleDelegate  string
	RoleDelegator string

	DelegatorStatusBonded    string
	DelegatorStatusUnbonding string
	DelegatorStatusUnbonded  string

	CutBase int64
}

// DefaultConstants returns the protocol's default constant set, used when the
// source cannot be reached for them or as the test fixture.
func DefaultConstants() Constants {
	return Constants{
		RoleDelegate:             RoleDelegate,
		RoleDelegator:            RoleDelegator,
		DelegatorStatusBonded:    DelegatorStatusBonded,
		DelegatorStatusUnbonding: DelegatorStatusUnbonding,
		DelegatorStatusUnbonded:  DelegatorStatusUnbonded,
		CutBase:                  10 * 10000,
	}
}

// Source reads staking state from the protocol. Every call may transiently
// fail; callers wrap a Source with WithRetry.
type Source interface {
	CurrentRoundInfo(ctx context.Context) (RoundInfo, error)
	Delegates(ctx context.Context) ([]Delegate, error)
	DelegateAccount(ctx context.Context, address string) (Delegate, error)
	DelegatorAccount(ctx context.Context, address string) (Delegator, error)
	PoolsForRound(ctx context.Context, roundID uint64) ([]PoolReward, error)
	TotalBonded(ctx context.Context) (token.Amount, error)
	MintedTokensForNextRound(ctx context.Context) (token.Amount, error)
	DidDelegateCallReward(ctx context.Context, address string) (bool, error)
	DefaultConstants(ctx context.Context) (Constants, error)
}
