package telegram

import (
	"fmt"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

// ComposeText renders the Markdown message for a notification.
func ComposeText(n notifier.Notification) string {
	p := n.Payload
	delegate := shortAddress(p.DelegateAddress)

	switch n.Kind {
	case notifier.MessageRewardCallAllGood:
		return fmt.Sprintf(
			"✅ *All good!* Your delegate `%s` claimed its reward in round %d.\n"+
				"Projected next reward: *%s* tokens on a stake of %s.",
			delegate, p.CurrentRound, p.NextReward.Tokens(), p.TotalStake.Tokens())

	case notifier.MessageRewardCallPayAttention:
		text := fmt.Sprintf(
			"⚠️ *Pay attention!* Your delegate `%s` has not claimed its reward in round %d.\n"+
				"Your projected %s tokens are at risk this round.",
			delegate, p.CurrentRound, p.NextReward.Tokens())
		if p.MissedRewardCalls > 0 {
			text += fmt.Sprintf("\nMissed reward calls over the last %d rounds: %d.",
				reward.MissedCallWindow, p.MissedRewardCalls)
		}
		return text

	case notifier.MessageUnbondingState:
		return fmt.Sprintf(
			"⏳ Your stake with `%s` is *unbonding*. Withdrawable in %d rounds.",
			delegate, p.RoundsUntilUnbonded)

	case notifier.MessageUnbondedState:
		return fmt.Sprintf(
			"💤 Your stake with `%s` is *unbonded* and earns no rewards.",
			delegate)

	case notifier.MessageDelegateRewardCall:
		if p.DelegateCalledReward {
			return fmt.Sprintf("✅ You claimed your delegate reward in round %d. Total stake: %s tokens.",
				p.CurrentRound, p.TotalStake.Tokens())
		}
		return fmt.Sprintf("⚠️ You have *not* claimed your delegate reward in round %d yet.",
			p.CurrentRound)

	case notifier.MessageRuleChange:
		return composeRuleChange(delegate, p)

	default:
		return fmt.Sprintf("Round %d update for delegate `%s`.", p.CurrentRound, delegate)
	}
}

func composeRuleChange(delegate string, p notifier.Payload) string {
	if p.RuleChange == nil {
		return fmt.Sprintf("📋 Your delegate `%s` changed its rules in round %d.", delegate, p.CurrentRound)
	}
	c := p.RuleChange
	return fmt.Sprintf(
		"📋 Your delegate `%s` changed its rules in round %d.\n"+
			"Reward cut: %s → %s\nFee share: %s → %s",
		delegate, p.CurrentRound,
		percent(c.Old.RewardCut), percent(c.New.RewardCut),
		percent(c.Old.FeeShare), percent(c.New.FeeShare))
}

// percent formats a cut value encoded against the protocol cut base.
func percent(cut int64) string {
	return fmt.Sprintf("%g%%", float64(cut)/1000)
}

// shortAddress abbreviates a wallet address for message bodies.
func shortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "…" + address[len(address)-4:]
}
