// Package reward implements the per-round reward-share arithmetic of the
// staking protocol. All functions are pure: no I/O, no retries, no state.
package reward

import (
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

const (
	// CutBase is the divisor for reward-cut values. The protocol encodes
	// "10%" as 10 * 10000, so a cut is applied as cut/CutBase.
	CutBase = 10 * 10000

	// MissedCallWindow is the number of rounds, counted back from (and
	// excluding) the current round, inspected for missed reward calls.
	MissedCallWindow = 30
)

// Call is one entry of a delegate's reward history.
// A nil Tokens marks a round in which the delegate did not call reward.
type Call struct {
	Round  uint64
	Tokens *token.Amount
}

// DelegateProtocolNextReward returns the slice of next round's minted tokens
// attributable to a delegate:
//
//	minted * delegateTotalStake / totalBondedStake
//
// Zero when the protocol has no bonded stake or mints nothing.
func DelegateProtocolNextReward(delegateTotalStake, totalBondedStake, minted token.Amount) token.Amount {
	return minted.MulDiv(delegateTotalStake, totalBondedStake)
}

// DelegateNextReward returns the part of the protocol reward the delegate
// keeps for itself: protocolReward * pendingRewardCut / CutBase.
func DelegateNextReward(protocolReward token.Amount, pendingRewardCut int64) token.Amount {
	return protocolReward.MulRatio(pendingRewardCut, CutBase)
}

// DelegateRewardToDelegators returns the part of the protocol reward passed
// through to the delegate's delegators.
func DelegateRewardToDelegators(protocolReward, delegateReward token.Amount) token.Amount {
	return protocolReward.Sub(delegateReward)
}

// DelegatorNextReward returns a delegator's projected slice of the rewards
// its delegate passes through:
//
//	rewardToDelegators * delegatorTotalStake / delegateTotalStake
//
// Zero when the delegate has no stake.
func DelegatorNextReward(delegatorTotalStake, delegateTotalStake, rewardToDelegators token.Amount) token.Amount {
	return rewardToDelegators.MulDiv(delegatorTotalStake, delegateTotalStake)
}

// MissedRewardCalls counts the rounds within the trailing MissedCallWindow
// in which the delegate failed to call reward. The window covers rounds
// [currentRound-MissedCallWindow, currentRound): the current round is still
// in progress and never counts.
func MissedRewardCalls(history []Call, currentRound uint64) int {
	var from uint64
	if currentRound > MissedCallWindow {
		from = currentRound - MissedCallWindow
	}

	missed := 0
	for _, call := range history {
		if call.Tokens == nil && call.Round >= from && call.Round < currentRound {
			missed++
		}
	}
	return missed
}

// RoundsUntilUnbonded returns how many rounds remain before an unbonding
// delegator's stake becomes withdrawable. Never negative.
func RoundsUntilUnbonded(withdrawRound, currentRound uint64) uint64 {
	if withdrawRound <= currentRound {
		return 0
	}
	return withdrawRound - currentRound
}
