// Package dbrow maps between database rows and notifier domain types. Token
// amounts travel as base-unit decimal strings; the NUMERIC columns are cast
// to text on the way out.
package dbrow

import (
	"fmt"
	"time"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

// Round represents a round record as stored in the database
type Round struct {
	ID         int64 `db:"id"`
	Length     int64 `db:"length"`
	StartBlock int64 `db:"start_block"`
	// created_at is handled by database DEFAULT CURRENT_TIMESTAMP
}

// ToDomain converts the row to the domain round
func (r Round) ToDomain() notifier.Round {
	return notifier.Round{
		ID:         uint64(r.ID),
		Length:     uint64(r.Length),
		StartBlock: uint64(r.StartBlock),
	}
}

// RoundFromDomain converts a domain round to its row form
func RoundFromDomain(round notifier.Round) Round {
	return Round{
		ID:         int64(round.ID),
		Length:     int64(round.Length),
		StartBlock: int64(round.StartBlock),
	}
}

// Delegate represents a delegate record as stored in the database
type Delegate struct {
	Address          string `db:"address"`
	Active           bool   `db:"active"`
	Status           string `db:"status"`
	LastRewardRound  int64  `db:"last_reward_round"`
	TotalStake       string `db:"total_stake"`
	RewardCut        int64  `db:"reward_cut"`
	FeeShare         int64  `db:"fee_share"`
	PendingRewardCut int64  `db:"pending_reward_cut"`
	PendingFeeShare  int64  `db:"pending_fee_share"`
}

// ToDomain converts the row to the domain delegate
func (r Delegate) ToDomain() (notifier.Delegate, error) {
	totalStake, err := token.FromBaseUnits(r.TotalStake)
	if err != nil {
		return notifier.Delegate{}, fmt.Errorf("delegate %s total stake: %w", r.Address, err)
	}
	return notifier.Delegate{
		Address:         r.Address,
		Active:          r.Active,
		Status:          r.Status,
		LastRewardRound: uint64(r.LastRewardRound),
		TotalStake:      totalStake,
		Rules: notifier.DelegateRules{
			RewardCut:        r.RewardCut,
			FeeShare:         r.FeeShare,
			PendingRewardCut: r.PendingRewardCut,
			PendingFeeShare:  r.PendingFeeShare,
		},
	}, nil
}

// Rules extracts just the rule parameters from the row.
func (r Delegate) Rules() notifier.DelegateRules {
	return notifier.DelegateRules{
		RewardCut:        r.RewardCut,
		FeeShare:         r.FeeShare,
		PendingRewardCut: r.PendingRewardCut,
		PendingFeeShare:  r.PendingFeeShare,
	}
}

// DelegateFromDomain converts a domain delegate to its row form
func DelegateFromDomain(delegate notifier.Delegate) Delegate {
	return Delegate{
		Address:          delegate.Address,
		Active:           delegate.Active,
		Status:           delegate.Status,
		LastRewardRound:  int64(delegate.LastRewardRound),
		TotalStake:       delegate.TotalStake.String(),
		RewardCut:        delegate.Rules.RewardCut,
		FeeShare:         delegate.Rules.FeeShare,
		PendingRewardCut: delegate.Rules.PendingRewardCut,
		PendingFeeShare:  delegate.Rules.PendingFeeShare,
	}
}

// Delegator represents a delegator record as stored in the database
type Delegator struct {
	Address         string `db:"address"`
	DelegateAddress string `db:"delegate_address"`
	TotalStake      string `db:"total_stake"`
	Status          string `db:"status"`
	WithdrawRound   int64  `db:"withdraw_round"`
}

// ToDomain converts the row to the domain delegator
func (r Delegator) ToDomain() (notifier.Delegator, error) {
	totalStake, err := token.FromBaseUnits(r.TotalStake)
	if err != nil {
		return notifier.Delegator{}, fmt.Errorf("delegator %s total stake: %w", r.Address, err)
	}
	return notifier.Delegator{
		Address:         r.Address,
		DelegateAddress: r.DelegateAddress,
		TotalStake:      totalStake,
		Status:          r.Status,
		WithdrawRound:   uint64(r.WithdrawRound),
	}, nil
}

// DelegatorFromDomain converts a domain delegator to its row form
func DelegatorFromDomain(delegator notifier.Delegator) Delegator {
	return Delegator{
		Address:         delegator.Address,
		DelegateAddress: delegator.DelegateAddress,
		TotalStake:      delegator.TotalStake.String(),
		Status:          delegator.Status,
		WithdrawRound:   int64(delegator.WithdrawRound),
	}
}

// Pool represents a reward pool record as stored in the database
type Pool struct {
	DelegateAddress   string `db:"delegate_address"`
	RoundID           int64  `db:"round_id"`
	RewardTokens      string `db:"reward_tokens"`
	TotalStakeOnRound string `db:"total_stake_on_round"`
}

// ToDomain converts the row to the domain pool
func (r Pool) ToDomain() (notifier.Pool, error) {
	rewardTokens, err := token.FromBaseUnits(r.RewardTokens)
	if err != nil {
		return notifier.Pool{}, fmt.Errorf("pool %s round %d reward: %w", r.DelegateAddress, r.RoundID, err)
	}
	totalStake, err := token.FromBaseUnits(r.TotalStakeOnRound)
	if err != nil {
		return notifier.Pool{}, fmt.Errorf("pool %s round %d stake: %w", r.DelegateAddress, r.RoundID, err)
	}
	return notifier.Pool{
		DelegateAddress:   r.DelegateAddress,
		RoundID:           uint64(r.RoundID),
		RewardTokens:      rewardTokens,
		TotalStakeOnRound: totalStake,
	}, nil
}

// PoolFromDomain converts a domain pool to its row form
func PoolFromDomain(pool notifier.Pool) Pool {
	return Pool{
		DelegateAddress:   pool.DelegateAddress,
		RoundID:           int64(pool.RoundID),
		RewardTokens:      pool.RewardTokens.String(),
		TotalStakeOnRound: pool.TotalStakeOnRound.String(),
	}
}

// Share represents a stake share record as stored in the database
type Share struct {
	DelegatorAddress  string `db:"delegator_address"`
	DelegateAddress   string `db:"delegate_address"`
	RoundID           int64  `db:"round_id"`
	RewardTokens      string `db:"reward_tokens"`
	TotalStakeOnRound string `db:"total_stake_on_round"`
}

// ToDomain converts the row to the domain share
func (r Share) ToDomain() (notifier.Share, error) {
	rewardTokens, err := token.FromBaseUnits(r.RewardTokens)
	if err != nil {
		return notifier.Share{}, fmt.Errorf("share %s round %d reward: %w", r.DelegatorAddress, r.RoundID, err)
	}
	totalStake, err := token.FromBaseUnits(r.TotalStakeOnRound)
	if err != nil {
		return notifier.Share{}, fmt.Errorf("share %s round %d stake: %w", r.DelegatorAddress, r.RoundID, err)
	}
	return notifier.Share{
		DelegatorAddress:  r.DelegatorAddress,
		DelegateAddress:   r.DelegateAddress,
		RoundID:           uint64(r.RoundID),
		RewardTokens:      rewardTokens,
		TotalStakeOnRound: totalStake,
	}, nil
}

// ShareFromDomain converts a domain share to its row form
func ShareFromDomain(share notifier.Share) Share {
	return Share{
		DelegatorAddress:  share.DelegatorAddress,
		DelegateAddress:   share.DelegateAddress,
		RoundID:           int64(share.RoundID),
		RewardTokens:      share.RewardTokens.String(),
		TotalStakeOnRound: share.TotalStakeOnRound.String(),
	}
}

// Subscriber represents a subscription record as stored in the database
type Subscriber struct {
	ID                int64     `db:"id"`
	Address           string    `db:"address"`
	Email             *string   `db:"email"`
	TelegramChatID    *int64    `db:"telegram_chat_id"`
	EmailFrequency    string    `db:"email_frequency"`
	TelegramFrequency string    `db:"telegram_frequency"`
	LastEmailSent     *int64    `db:"last_email_sent"`
	LastTelegramSent  *int64    `db:"last_telegram_sent"`
	Activated         bool      `db:"activated"`
	ActivationCode    int64     `db:"activation_code"`
	CreatedAt         time.Time `db:"created_at"`
}

// ToDomain converts the row to the domain subscriber
func (r Subscriber) ToDomain() notifier.Subscriber {
	return notifier.Subscriber{
		ID:                r.ID,
		Address:           r.Address,
		Email:             r.Email,
		TelegramChatID:    r.TelegramChatID,
		EmailFrequency:    notifier.Frequency(r.EmailFrequency),
		TelegramFrequency: notifier.Frequency(r.TelegramFrequency),
		LastEmailSent:     roundPtr(r.LastEmailSent),
		LastTelegramSent:  roundPtr(r.LastTelegramSent),
		Activated:         r.Activated,
		ActivationCode:    r.ActivationCode,
		CreatedAt:         r.CreatedAt,
	}
}

func roundPtr(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	round := uint64(*v)
	return &round
}
