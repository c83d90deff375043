package protocol

import (
	"context"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

// NopSource is a Source returning zero values. Embed it in test doubles to
// override only the calls under test.
type NopSource struct{}

func (NopSource) CurrentRoundInfo(context.Context) (RoundInfo, error) { return RoundInfo{}, nil }

func (NopSource) Delegates(context.Context) ([]Delegate, error) { return nil, nil }

func (NopSource) DelegateAccount(context.Context, string) (Delegate, error) { return Delegate{}, nil }

func (NopSource) DelegatorAccount(context.Context, string) (Delegator, error) {
	return Delegator{}, nil
}

func (NopSource) PoolsForRound(context.Context, uint64) ([]PoolReward, error) { return nil, nil }

func (NopSource) TotalBonded(context.Context) (token.Amount, error) { return token.Zero(), nil }

func (NopSource) MintedTokensForNextRound(context.Context) (token.Amount, error) {
	return token.Zero(), nil
}

func (NopSource) DidDelegateCallReward(context.Context, string) (bool, error) { return false, nil }

func (NopSource) DefaultConstants(context.Context) (Constants, error) {
	return DefaultConstants(), nil
}
