package email

import (
	"fmt"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

// Compose renders the subject and plain-text body for a notification.
func Compose(n notifier.Notification) (subject, body string) {
	p := n.Payload
	delegate := shortAddress(p.DelegateAddress)

	switch n.Kind {
	case notifier.MessageRewardCallAllGood:
		subject = "All good! Your delegate claimed its reward"
		body = fmt.Sprintf(
			"Your delegate %s claimed its reward in round %d. "+
				"Your projected reward for the next round is %s tokens on a stake of %s.",
			delegate, p.CurrentRound, p.NextReward.Tokens(), p.TotalStake.Tokens())

	case notifier.MessageRewardCallPayAttention:
		subject = "Pay attention: your delegate has not claimed its reward yet"
		body = fmt.Sprintf(
			"Your delegate %s has not claimed its reward in round %d. "+
				"If it stays unclaimed you will not earn your projected %s tokens this round.",
			delegate, p.CurrentRound, p.NextReward.Tokens())
		if p.MissedRewardCalls > 0 {
			body += fmt.Sprintf(" It missed %d reward calls over the last %d rounds.",
				p.MissedRewardCalls, reward.MissedCallWindow)
		}

	case notifier.MessageUnbondingState:
		subject = "Your stake is unbonding"
		body = fmt.Sprintf(
			"Your stake with delegate %s is unbonding. "+
				"It becomes withdrawable in %d rounds.",
			delegate, p.RoundsUntilUnbonded)

	case notifier.MessageUnbondedState:
		subject = "Your stake is unbonded"
		body = fmt.Sprintf(
			"Your stake with delegate %s is unbonded and earns no rewards. "+
				"Withdraw it or bond it to a delegate.",
			delegate)

	case notifier.MessageDelegateRewardCall:
		if p.DelegateCalledReward {
			subject = "You claimed your reward this round"
			body = fmt.Sprintf("You claimed your delegate reward in round %d. Total stake: %s tokens.",
				p.CurrentRound, p.TotalStake.Tokens())
		} else {
			subject = "Reminder: you have not claimed your reward this round"
			body = fmt.Sprintf("You have not claimed your delegate reward in round %d yet. Total stake: %s tokens.",
				p.CurrentRound, p.TotalStake.Tokens())
		}

	case notifier.MessageRuleChange:
		subject = "Your delegate changed its rules"
		body = composeRuleChange(delegate, p)

	default:
		subject = "Staking update"
		body = fmt.Sprintf("Round %d update for delegate %s.", p.CurrentRound, delegate)
	}
	return subject, body
}

func composeRuleChange(delegate string, p notifier.Payload) string {
	if p.RuleChange == nil {
		return fmt.Sprintf("Your delegate %s changed its rules in round %d.", delegate, p.CurrentRound)
	}
	c := p.RuleChange
	return fmt.Sprintf(
		"Your delegate %s changed its rules in round %d. "+
			"Reward cut: %s to %s. Fee share: %s to %s.",
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
