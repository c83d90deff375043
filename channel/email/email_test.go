package email_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isabella232/livepeer-alerts-backend/channel/email"
	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
)

func TestSenderBehavior(t *testing.T) {
	t.Parallel()

	t.Run("it sends to the subscriber's address from the configured sender", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{status: 202}
		sender := email.NewSenderWithClient(client, "Staking Alerts", "alerts@example.com")

		err := sender.Send(context.Background(), payAttentionNotification())

		require.NoError(t, err)
		require.NotNil(t, client.sent)
		assert.Equal(t, "alerts@example.com", client.sent.From.Address)
		assert.Equal(t, "Staking Alerts", client.sent.From.Name)
		require.Len(t, client.sent.Personalizations, 1)
		require.Len(t, client.sent.Personalizations[0].To, 1)
		assert.Equal(t, "holder@example.com", client.sent.Personalizations[0].To[0].Address)
	})

	t.Run("it fails when the subscriber has no email address", func(t *testing.T) {
		t.Parallel()
		sender := email.NewSenderWithClient(&fakeClient{status: 202}, "Staking Alerts", "alerts@example.com")

		n := payAttentionNotification()
		n.Subscriber.Email = nil

		err := sender.Send(context.Background(), n)
		assert.ErrorIs(t, err, email.ErrNoEmailAddress)
	})

	t.Run("it treats a rejected request as a delivery failure", func(t *testing.T) {
		t.Parallel()
		sender := email.NewSenderWithClient(&fakeClient{status: 401}, "Staking Alerts", "alerts@example.com")

		err := sender.Send(context.Background(), payAttentionNotification())
		assert.ErrorIs(t, err, email.ErrSendFailed)
	})

	t.Run("it wraps transport errors as delivery failures", func(t *testing.T) {
		t.Parallel()
		client := &fakeClient{err: errors.New("connection refused")}
		sender := email.NewSenderWithClient(client, "Staking Alerts", "alerts@example.com")

		err := sender.Send(context.Background(), payAttentionNotification())
		assert.ErrorIs(t, err, email.ErrSendFailed)
	})
}

func TestCompose(t *testing.T) {
	t.Parallel()

	t.Run("it warns a delegator whose delegate skipped the reward call", func(t *testing.T) {
		t.Parallel()
		subject, body := email.Compose(payAttentionNotification())

		assert.Contains(t, subject, "Pay attention")
		assert.Contains(t, body, "round 1550")
		assert.Contains(t, body, "9.15 tokens")
	})

	t.Run("it mentions the missed call history when there is one", func(t *testing.T) {
		t.Parallel()
		n := payAttentionNotification()
		n.Payload.MissedRewardCalls = 10

		_, body := email.Compose(n)
		assert.Contains(t, body, "missed 10 reward calls")
	})

	t.Run("it congratulates a delegator whose delegate claimed the reward", func(t *testing.T) {
		t.Parallel()
		n := payAttentionNotification()
		n.Kind = notifier.MessageRewardCallAllGood
		n.Payload.DelegateCalledReward = true

		subject, body := email.Compose(n)

		assert.Contains(t, subject, "All good")
		assert.Contains(t, body, "9.15")
		assert.Contains(t, body, "stake of 50")
	})

	t.Run("it reports the unbonding countdown", func(t *testing.T) {
		t.Parallel()
		n := notifier.Notification{
			Kind: notifier.MessageUnbondingState,
			Payload: notifier.Payload{
				CurrentRound:        1550,
				DelegateAddress:     "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71",
				RoundsUntilUnbonded: 5,
			},
		}

		subject, body := email.Compose(n)

		assert.Contains(t, subject, "unbonding")
		assert.Contains(t, body, "5 rounds")
	})

	t.Run("it spells out a rule change in percent", func(t *testing.T) {
		t.Parallel()
		n := notifier.Notification{
			Kind: notifier.MessageRuleChange,
			Payload: notifier.Payload{
				CurrentRound:    1550,
				DelegateAddress: "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71",
				RuleChange: &notifier.RuleChange{
					Address: "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71",
					Old:     notifier.DelegateRules{RewardCut: 50000, FeeShare: 2500},
					New:     notifier.DelegateRules{RewardCut: 50000, FeeShare: 5000},
				},
			},
		}

		_, body := email.Compose(n)

		assert.Contains(t, body, "Fee share: 2.5% to 5%")
		assert.Contains(t, body, "Reward cut: 50% to 50%")
	})

	t.Run("it abbreviates the delegate address", func(t *testing.T) {
		t.Parallel()
		_, body := email.Compose(payAttentionNotification())

		assert.NotContains(t, body, "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71")
		assert.Contains(t, body, "0x4712")
		assert.Contains(t, body, "3a71")
	})
}

func payAttentionNotification() notifier.Notification {
	address := "holder@example.com"
	return notifier.Notification{
		Subscriber: notifier.Subscriber{
			ID:      1,
			Address: "0x9d2b4f1da6c3e2d95f4a7a3d5c1b9f2e6a8d4c03",
			Email:   &address,
		},
		Kind: notifier.MessageRewardCallPayAttention,
		Payload: notifier.Payload{
			CurrentRound:    1550,
			DelegateAddress: "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71",
			NextReward:      token.MustParse("9.15"),
			TotalStake:      token.MustParse("50"),
		},
	}
}

// fakeClient captures the outgoing message and replies with a canned status.
type fakeClient struct {
	status int
	err    error
	sent   *mail.SGMailV3
}

func (c *fakeClient) SendWithContext(_ context.Context, message *mail.SGMailV3) (*rest.Response, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.sent = message
	return &rest.Response{StatusCode: c.status}, nil
}
