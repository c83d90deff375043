package notifier_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
	"github.com/isabella232/livepeer-alerts-backend/protocol"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

const (
	delegateAddr  = "0x4712e99d4b5b1d29b4b2d5e3f6c5b1f6db2e3a71"
	delegatorAddr = "0x9d2b4f1da6c3e2d95f4a7a3d5c1b9f2e6a8d4c03"
	unbondingAddr = "0x2f6a8d4c039d2b4f1da6c3e2d95f4a7a3d5c1b9f"
)

func TestServiceRunRound(t *testing.T) {
	t.Parallel()

	t.Run("it delivers reward notifications to due subscribers and records round state", func(t *testing.T) {
		t.Parallel()
		// arrange
		f := newFixture(t)
		f.source.rewardCalled[delegateAddr] = false

		// act
		report, err := f.service.RunRound(context.Background(), f.source.info)

		// assert
		require.NoError(t, err)
		assert.Equal(t, uint64(1550), report.Round)
		assert.Equal(t, 3, report.Considered)
		assert.Equal(t, 3, report.Notified)
		assert.Equal(t, 0, report.Skipped)
		assert.Equal(t, 0, report.Failed)

		assert.Len(t, f.store.pools, 1, "one pool for the delegate that claimed its reward")
		assert.Len(t, f.store.shares, 2, "one share per subscribed delegator")

		byAddress := f.channel.sentByAddress()
		assert.Equal(t, notifier.MessageRewardCallPayAttention, byAddress[delegatorAddr].Kind)
		assert.Equal(t, notifier.MessageDelegateRewardCall, byAddress[delegateAddr].Kind)
		assert.Equal(t, notifier.MessageUnbondingState, byAddress[unbondingAddr].Kind)
		assert.Equal(t, uint64(5), byAddress[unbondingAddr].Payload.RoundsUntilUnbonded)

		for _, subscriber := range f.store.subscribers {
			require.NotNil(t, subscriber.LastEmailSent)
			assert.Equal(t, uint64(1550), *subscriber.LastEmailSent)
		}
	})

	t.Run("it reports all-good when the delegate claimed its reward", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.source.rewardCalled[delegateAddr] = true

		_, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		sent := f.channel.sentByAddress()[delegatorAddr]
		assert.Equal(t, notifier.MessageRewardCallAllGood, sent.Kind)
		assert.True(t, sent.Payload.DelegateCalledReward)
	})

	t.Run("it projects the delegator's next reward into the payload", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		// protocol reward 512.4 * 100 / 1400 = 36.6; half kept by the
		// delegate; the delegator holds 50 of the delegate's 100 stake.
		sent := f.channel.sentByAddress()[delegatorAddr]
		assert.Equal(t, "9.15", sent.Payload.NextReward.Tokens())
	})

	t.Run("it is safe to replay a round batch", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		first, err := f.service.RunRound(context.Background(), f.source.info)
		require.NoError(t, err)
		require.Equal(t, 3, first.Notified)

		second, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Equal(t, 3, second.Considered)
		assert.Equal(t, 0, second.Notified, "nobody is due again within the same round")
		assert.Equal(t, 3, second.Skipped)
		assert.Len(t, f.store.pools, 1, "the first pool record is kept intact")
		assert.Len(t, f.store.shares, 2)
		assert.Len(t, f.channel.sent, 3, "no message was sent twice")
	})

	t.Run("it keeps going when one subscriber's delivery fails", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.channel.failFor = map[string]error{delegatorAddr: errors.New("smtp: connection reset")}

		report, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Equal(t, 2, report.Notified)
		assert.Equal(t, 1, report.Failed)

		failed := f.store.subscriberByAddress(delegatorAddr)
		require.NotNil(t, failed.LastEmailSent, "the attempt is recorded even when delivery fails")
		assert.Equal(t, uint64(1550), *failed.LastEmailSent)
	})

	t.Run("it skips subscribers whose address resolves to no role", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.subscribers = append(f.store.subscribers, &notifier.Subscriber{
			ID:             99,
			Address:        "0x000000000000000000000000000000000000dead",
			Email:          emailFor("ghost"),
			EmailFrequency: notifier.Daily,
			Activated:      true,
		})

		report, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Equal(t, 4, report.Considered)
		assert.Equal(t, 3, report.Notified)
		assert.Equal(t, 1, report.Skipped)
	})

	t.Run("it ignores deactivated subscribers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.subscriberByAddress(delegatorAddr).Activated = false

		report, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Equal(t, 2, report.Considered)
		assert.Equal(t, 2, report.Notified)
	})

	t.Run("it notifies delegators of rule changes even when the frequency gate holds them", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		// The delegate is already known locally with the old fee share, and
		// the delegator was notified last round on a weekly schedule.
		f.store.delegates[delegateAddr] = delegateRecord(50000, 2500)
		f.source.delegates[0].FeeShare = 5000
		sub := f.store.subscriberByAddress(delegatorAddr)
		sub.EmailFrequency = notifier.Weekly
		sub.LastEmailSent = lastSent(1549)

		report, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Equal(t, 1, report.RuleChanges)

		var kinds []notifier.MessageKind
		for _, n := range f.channel.sentTo(delegatorAddr) {
			kinds = append(kinds, n.Kind)
		}
		assert.Equal(t, []notifier.MessageKind{notifier.MessageRuleChange}, kinds)

		ruleChange := f.channel.sentTo(delegatorAddr)[0].Payload.RuleChange
		require.NotNil(t, ruleChange)
		assert.Equal(t, int64(2500), ruleChange.Old.FeeShare)
		assert.Equal(t, int64(5000), ruleChange.New.FeeShare)
	})

	t.Run("it skips a pool whose delegate is not known locally", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		orphanReward := token.MustParse("1.0")
		f.source.pools = append(f.source.pools, protocol.PoolReward{
			DelegateAddress: "0x00000000000000000000000000000000000000ff",
			RewardTokens:    &orphanReward,
		})

		_, err := f.service.RunRound(context.Background(), f.source.info)

		require.NoError(t, err)
		assert.Len(t, f.store.pools, 1)
	})

	t.Run("it aborts the batch when protocol state cannot be fetched", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.source.errDelegates = errors.New("graph: 502 bad gateway")

		_, err := f.service.RunRound(context.Background(), f.source.info)

		require.ErrorContains(t, err, "fetching delegates")
		assert.Empty(t, f.channel.sent)
		assert.Empty(t, f.store.pools)
	})
}

func TestServiceCheckRuleChanges(t *testing.T) {
	t.Parallel()

	t.Run("it notifies delegators when a delegate changes its rules between rounds", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.delegates[delegateAddr] = delegateRecord(50000, 2500)
		f.source.delegates[0].FeeShare = 5000

		changes, err := f.service.CheckRuleChanges(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, changes)

		sent := f.channel.sentTo(delegatorAddr)
		require.Len(t, sent, 1)
		assert.Equal(t, notifier.MessageRuleChange, sent[0].Kind)
		require.NotNil(t, sent[0].Payload.RuleChange)
		assert.Equal(t, int64(5000), sent[0].Payload.RuleChange.New.FeeShare)
	})

	t.Run("it does nothing when the fetched rules match the stored ones", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.delegates[delegateAddr] = delegateRecord(50000, 2500)

		changes, err := f.service.CheckRuleChanges(context.Background())

		require.NoError(t, err)
		assert.Zero(t, changes)
		assert.Empty(t, f.channel.sent)
	})

	t.Run("it completes a rule check that lands after the poll loop shut down", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.delegates[delegateAddr] = delegateRecord(50000, 2500)
		f.source.delegates[0].FeeShare = 5000

		ctx, cancel := context.WithCancel(context.Background())
		_, done := f.service.Start(ctx)
		cancel()
		<-done

		// The cron scheduler stops independently of the poll loop, so a job
		// already running keeps going after the events channel is gone.
		changes, err := f.service.CheckRuleChanges(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 1, changes)
		sent := f.channel.sentTo(delegatorAddr)
		require.Len(t, sent, 1)
		assert.Equal(t, notifier.MessageRuleChange, sent[0].Kind)
	})

	t.Run("it does not record a notification round for rule-change messages", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.store.delegates[delegateAddr] = delegateRecord(50000, 2500)
		f.source.delegates[0].FeeShare = 5000

		_, err := f.service.CheckRuleChanges(context.Background())

		require.NoError(t, err)
		assert.Nil(t, f.store.subscriberByAddress(delegatorAddr).LastEmailSent,
			"rule-change sends do not consume the subscriber's frequency slot")
	})
}

// fixture wires a service against in-memory doubles: a delegate with two
// delegators (one bonded, one unbonding) and one subscriber per address.
type fixture struct {
	source  *fakeSource
	store   *fakeStore
	channel *fakeChannel
	service *notifier.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	source := &fakeSource{
		info: protocol.RoundInfo{ID: 1550, Length: 5760, StartBlock: 8920000},
		delegates: []protocol.Delegate{
			{
				Address:          delegateAddr,
				Active:           true,
				Status:           protocol.DelegateStatusRegistered,
				RewardCut:        50000,
				FeeShare:         2500,
				PendingRewardCut: 50000,
				PendingFeeShare:  2500,
				LastRewardRound:  1550,
				TotalStake:       token.MustParse("100"),
			},
		},
		delegators: map[string]protocol.Delegator{
			delegateAddr: {
				Address:         delegateAddr,
				DelegateAddress: delegateAddr,
				TotalStake:      token.MustParse("50"),
				Status:          protocol.DelegatorStatusBonded,
			},
			delegatorAddr: {
				Address:         delegatorAddr,
				DelegateAddress: delegateAddr,
				TotalStake:      token.MustParse("50"),
				Status:          protocol.DelegatorStatusBonded,
			},
			unbondingAddr: {
				Address:         unbondingAddr,
				DelegateAddress: delegateAddr,
				TotalStake:      token.MustParse("10"),
				Status:          protocol.DelegatorStatusUnbonding,
				WithdrawRound:   1555,
			},
		},
		totalBonded:  token.MustParse("1400"),
		minted:       token.MustParse("512.4"),
		rewardCalled: map[string]bool{},
	}

	delegateReward := token.MustParse("36.6")
	source.pools = []protocol.PoolReward{
		{DelegateAddress: delegateAddr, RewardTokens: &delegateReward},
	}

	store := newFakeStore()
	store.subscribers = []*notifier.Subscriber{
		{ID: 1, Address: delegatorAddr, Email: emailFor("delegator"), EmailFrequency: notifier.Daily, Activated: true},
		{ID: 2, Address: delegateAddr, Email: emailFor("delegate"), EmailFrequency: notifier.Daily, Activated: true},
		{ID: 3, Address: unbondingAddr, Email: emailFor("unbonding"), EmailFrequency: notifier.Daily, Activated: true},
	}

	channel := &fakeChannel{kind: notifier.ChannelEmail}
	service := notifier.NewService(source, store, []notifier.Channel{channel})

	go func() {
		for range service.Events() {
		}
	}()

	return &fixture{source: source, store: store, channel: channel, service: service}
}

func delegateRecord(rewardCut, feeShare int64) notifier.Delegate {
	return notifier.Delegate{
		Address:    delegateAddr,
		Active:     true,
		Status:     protocol.DelegateStatusRegistered,
		TotalStake: token.MustParse("100"),
		Rules: notifier.DelegateRules{
			RewardCut:        rewardCut,
			FeeShare:         feeShare,
			PendingRewardCut: rewardCut,
			PendingFeeShare:  feeShare,
		},
	}
}

func emailFor(name string) *string {
	address := name + "@example.com"
	return &address
}

// fakeSource serves protocol state from fixture data.
type fakeSource struct {
	protocol.NopSource

	info         protocol.RoundInfo
	delegates    []protocol.Delegate
	delegators   map[string]protocol.Delegator
	pools        []protocol.PoolReward
	totalBonded  token.Amount
	minted       token.Amount
	rewardCalled map[string]bool
	errDelegates error
}

func (f *fakeSource) CurrentRoundInfo(context.Context) (protocol.RoundInfo, error) {
	return f.info, nil
}

func (f *fakeSource) Delegates(context.Context) ([]protocol.Delegate, error) {
	if f.errDelegates != nil {
		return nil, f.errDelegates
	}
	return f.delegates, nil
}

func (f *fakeSource) DelegateAccount(_ context.Context, address string) (protocol.Delegate, error) {
	for _, d := range f.delegates {
		if d.Address == address {
			return d, nil
		}
	}
	return protocol.Delegate{}, fmt.Errorf("delegate %s not found", address)
}

func (f *fakeSource) DelegatorAccount(_ context.Context, address string) (protocol.Delegator, error) {
	delegator, ok := f.delegators[address]
	if !ok {
		return protocol.Delegator{}, fmt.Errorf("delegator %s not found", address)
	}
	return delegator, nil
}

func (f *fakeSource) PoolsForRound(context.Context, uint64) ([]protocol.PoolReward, error) {
	return f.pools, nil
}

func (f *fakeSource) TotalBonded(context.Context) (token.Amount, error) {
	return f.totalBonded, nil
}

func (f *fakeSource) MintedTokensForNextRound(context.Context) (token.Amount, error) {
	return f.minted, nil
}

func (f *fakeSource) DidDelegateCallReward(_ context.Context, address string) (bool, error) {
	return f.rewardCalled[address], nil
}

// fakeStore keeps reconciliation state in maps and enforces the same
// uniqueness contract as the database store.
type fakeStore struct {
	mu          sync.Mutex
	rounds      map[uint64]notifier.Round
	delegates   map[string]notifier.Delegate
	delegators  map[string]notifier.Delegator
	pools       map[string]notifier.Pool
	shares      map[string]notifier.Share
	subscribers []*notifier.Subscriber
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rounds:     map[uint64]notifier.Round{},
		delegates:  map[string]notifier.Delegate{},
		delegators: map[string]notifier.Delegator{},
		pools:      map[string]notifier.Pool{},
		shares:     map[string]notifier.Share{},
	}
}

func (s *fakeStore) EnsureRound(_ context.Context, round notifier.Round) (notifier.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rounds[round.ID]; ok {
		return existing, nil
	}
	s.rounds[round.ID] = round
	return round, nil
}

func (s *fakeStore) ReconcileDelegates(_ context.Context, fetched []notifier.Delegate) ([]notifier.RuleChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changes []notifier.RuleChange
	for _, delegate := range fetched {
		if existing, ok := s.delegates[delegate.Address]; ok && existing.Rules != delegate.Rules {
			changes = append(changes, notifier.RuleChange{
				Address: delegate.Address,
				Old:     existing.Rules,
				New:     delegate.Rules,
			})
		}
		s.delegates[delegate.Address] = delegate
	}
	return changes, nil
}

func (s *fakeStore) ReconcileDelegators(_ context.Context, fetched []notifier.Delegator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delegator := range fetched {
		s.delegators[delegator.Address] = delegator
	}
	return nil
}

func (s *fakeStore) CreatePool(_ context.Context, pool notifier.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegates[pool.DelegateAddress]; !ok {
		return notifier.ErrMissingLocalEntity
	}
	key := fmt.Sprintf("%s/%d", pool.DelegateAddress, pool.RoundID)
	if _, ok := s.pools[key]; ok {
		return notifier.ErrDuplicateKey
	}
	s.pools[key] = pool
	return nil
}

func (s *fakeStore) CreateShare(_ context.Context, share notifier.Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegators[share.DelegatorAddress]; !ok {
		return notifier.ErrMissingLocalEntity
	}
	key := fmt.Sprintf("%s/%d", share.DelegatorAddress, share.RoundID)
	if _, ok := s.shares[key]; ok {
		return notifier.ErrDuplicateKey
	}
	s.shares[key] = share
	return nil
}

func (s *fakeStore) DelegateByAddress(_ context.Context, address string) (notifier.Delegate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delegate, ok := s.delegates[address]
	if !ok {
		return notifier.Delegate{}, notifier.ErrMissingLocalEntity
	}
	return delegate, nil
}

func (s *fakeStore) DelegatorByAddress(_ context.Context, address string) (notifier.Delegator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delegator, ok := s.delegators[address]
	if !ok {
		return notifier.Delegator{}, notifier.ErrDelegatorNotFound
	}
	return delegator, nil
}

func (s *fakeStore) SubscribersForChannel(_ context.Context, kind notifier.ChannelKind) ([]notifier.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []notifier.Subscriber
	for _, subscriber := range s.subscribers {
		if !subscriber.Activated {
			continue
		}
		if kind == notifier.ChannelEmail && subscriber.Email == nil {
			continue
		}
		if kind == notifier.ChannelTelegram && subscriber.TelegramChatID == nil {
			continue
		}
		result = append(result, *subscriber)
	}
	return result, nil
}

func (s *fakeStore) MarkNotified(_ context.Context, subscriberID int64, kind notifier.ChannelKind, round uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subscriber := range s.subscribers {
		if subscriber.ID != subscriberID {
			continue
		}
		sent := round
		if kind == notifier.ChannelTelegram {
			subscriber.LastTelegramSent = &sent
		} else {
			subscriber.LastEmailSent = &sent
		}
		return nil
	}
	return notifier.ErrSubscriberNotFound
}

func (s *fakeStore) RewardCallHistory(_ context.Context, delegateAddress string, fromRound, toRound uint64) ([]reward.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var history []reward.Call
	for round := fromRound; round < toRound; round++ {
		if _, ok := s.rounds[round]; !ok {
			continue
		}
		call := reward.Call{Round: round}
		if pool, ok := s.pools[fmt.Sprintf("%s/%d", delegateAddress, round)]; ok {
			tokens := pool.RewardTokens
			call.Tokens = &tokens
		}
		history = append(history, call)
	}
	return history, nil
}

func (s *fakeStore) subscriberByAddress(address string) *notifier.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subscriber := range s.subscribers {
		if subscriber.Address == address {
			return subscriber
		}
	}
	return nil
}

// fakeChannel records deliveries and can fail selected addresses.
type fakeChannel struct {
	kind notifier.ChannelKind

	mu      sync.Mutex
	sent    []notifier.Notification
	failFor map[string]error
}

func (c *fakeChannel) Kind() notifier.ChannelKind {
	return c.kind
}

func (c *fakeChannel) Send(_ context.Context, n notifier.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor[n.Subscriber.Address]; err != nil {
		return err
	}
	c.sent = append(c.sent, n)
	return nil
}

func (c *fakeChannel) sentByAddress() map[string]notifier.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	byAddress := make(map[string]notifier.Notification, len(c.sent))
	for _, n := range c.sent {
		byAddress[n.Subscriber.Address] = n
	}
	return byAddress
}

func (c *fakeChannel) sentTo(address string) []notifier.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []notifier.Notification
	for _, n := range c.sent {
		if n.Subscriber.Address == address {
			result = append(result, n)
		}
	}
	return result
}
