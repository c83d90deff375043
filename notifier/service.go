package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/isabella232/livepeer-alerts-backend/pkg/clock"
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
	"github.com/isabella232/livepeer-alerts-backend/protocol"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

// Default configuration values
const (
	DefaultPollInterval  = time.Minute
	DefaultParallelSends = 4
)

// errNotDue marks a subscriber filtered out by the frequency gate.
var errNotDue = errors.New("notification not due yet")

// Option configures the Service
// ------------------------------------------------
type Option func(*Service)

// WithClock injects a custom Clock (e.g., for testing)
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithPollInterval sets the round-change polling interval
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.pollInterval = d }
}

// WithThresholds sets the frequency gating thresholds
func WithThresholds(t Thresholds) Option {
	return func(s *Service) { s.thresholds = t }
}

// WithParallelSends bounds the per-batch notification fan-out
func WithParallelSends(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelSends = n
		}
	}
}

// Service reconciles protocol state on round changes and dispatches
// frequency-gated notifications to subscribers
// -----------------------------------------------------------------
type Service struct {
	source        protocol.Source
	store         Store
	channels      []Channel
	clock         Clock
	pollInterval  time.Duration
	thresholds    Thresholds
	parallelSends int

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	lastSeenRound uint64
}

// NewService constructs a Service with required dependencies and options
// ---------------------------------------------------------------------
// The source is expected to be retry-wrapped (protocol.WithRetry); the
// service itself never retries a fetch.
func NewService(source protocol.Source, store Store, channels []Channel, opts ...Option) *Service {
	s := &Service{
		source:        source,
		store:         store,
		channels:      channels,
		clock:         clock.SystemClock{},
		pollInterval:  DefaultPollInterval,
		thresholds:    DefaultThresholds(),
		parallelSends: DefaultParallelSends,
		events:        make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events exposes the service event stream. Callers driving batches directly
// with RunRound must drain it; Start returns the same channel.
func (s *Service) Events() <-chan Event {
	return s.events
}

// Start launches the round-change polling loop and returns the events
// channel and done channel.
//
// Shutdown pattern:
//  1. Cancel context to request shutdown: cancel()
//  2. Service stops producing events and closes events channel
//  3. Wait for complete shutdown: <-done
//
// The context signals when to stop, the done channel confirms when stopped.
// A batch in flight always runs to completion: its sends finish or are
// individually reported failed before the loop observes cancellation.
func (s *Service) Start(ctx context.Context) (<-chan Event, <-chan struct{}) {
	done := make(chan struct{})
	go func() {
		defer s.closeEvents()
		defer close(done)
		s.run(ctx)
	}()
	return s.events, done
}

// emit delivers an event unless the stream already closed. Jobs that run past
// shutdown, such as a cron-driven rule check, have their events dropped
// instead of panicking on the closed channel.
func (s *Service) emit(ev Event) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	if s.eventsClosed {
		return
	}
	s.events <- ev
}

func (s *Service) closeEvents() {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	s.eventsClosed = true
	close(s.events)
}

// run polls for round changes and triggers one batch per new round
// ----------------------------------------------------------------
func (s *Service) run(ctx context.Context) {
	s.emit(PollingStarted{Interval: s.pollInterval})
	for {
		select {
		case <-ctx.Done():
			s.emit(PollingShutdown{Reason: ctx.Err()})
			return
		case <-s.clock.After(s.pollInterval):
			info, err := s.source.CurrentRoundInfo(ctx)
			if err != nil {
				s.emit(RoundCheckFailed{Err: err})
				continue
			}
			if info.ID <= s.lastSeenRound {
				continue
			}
			if _, err := s.RunRound(ctx, info); err != nil {
				// Leave lastSeenRound untouched so the next tick retries the
				// round; reconciliation is replay safe.
				continue
			}
			s.lastSeenRound = info.ID
		}
	}
}

// RunRound executes one full batch for the given round: fetch, reconcile,
// compute, gate and send. Only a failure in the fetch-and-reconcile phase
// returns an error; per-subscriber failures are reported as events and
// counted in the report.
func (s *Service) RunRound(ctx context.Context, info protocol.RoundInfo) (BatchReport, error) {
	start := s.clock.Now()
	s.emit(BatchStarted{Round: info.ID})

	state, err := s.fetchAndReconcile(ctx, info)
	if err != nil {
		s.emit(BatchFailed{Round: info.ID, Err: err})
		return BatchReport{Round: info.ID}, err
	}

	report := BatchReport{
		Round:       info.ID,
		RuleChanges: len(state.ruleChanges),
	}
	for _, ch := range s.channels {
		s.notifyChannel(ctx, ch, state, &report)
	}

	s.emit(BatchCompleted{
		Report:   report,
		Duration: s.clock.Now().Sub(start),
	})
	return report, nil
}

// CheckRuleChanges reconciles delegates outside the round schedule and
// notifies affected delegators immediately, so a changed cut does not wait
// for the next round boundary. Returns the number of changes found.
func (s *Service) CheckRuleChanges(ctx context.Context) (int, error) {
	info, err := s.source.CurrentRoundInfo(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching current round: %w", err)
	}
	fetched, err := s.source.Delegates(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching delegates: %w", err)
	}
	changes, err := s.store.ReconcileDelegates(ctx, convertDelegates(fetched))
	if err != nil {
		return 0, fmt.Errorf("reconciling delegates: %w", err)
	}
	if len(changes) == 0 {
		return 0, nil
	}

	state := &batchState{
		round:        Round{ID: info.ID},
		ruleChanges:  changes,
		delegates:    make(map[string]protocol.Delegate, len(fetched)),
		roles:        make(map[string]Role),
		rewardCalled: make(map[string]bool),
	}
	for _, delegate := range fetched {
		state.delegates[delegate.Address] = delegate
	}

	report := BatchReport{Round: info.ID, RuleChanges: len(changes)}
	for _, ch := range s.channels {
		subscribers, err := s.store.SubscribersForChannel(ctx, ch.Kind())
		if err != nil {
			s.emit(ItemSkipped{Round: info.ID, Reason: err})
			continue
		}
		s.notifyRuleChanges(ctx, ch, state, subscribers, &report)
	}
	return len(changes), nil
}

// batchState carries the snapshot a batch works from. Fetched once and
// shared between steps; only the role and reward-call caches mutate after
// fetchAndReconcile, under mu.
type batchState struct {
	round       Round
	constants   protocol.Constants
	totalBonded token.Amount
	minted      token.Amount
	delegates   map[string]protocol.Delegate
	ruleChanges []RuleChange

	mu           sync.Mutex
	roles        map[string]Role
	rewardCalled map[string]bool
}

// fetchAndReconcile is the only phase allowed to abort a batch: without
// current round state no subscriber decision can be made.
func (s *Service) fetchAndReconcile(ctx context.Context, info protocol.RoundInfo) (*batchState, error) {
	constants, err := s.source.DefaultConstants(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching constants: %w", err)
	}

	fetched, err := s.source.Delegates(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching delegates: %w", err)
	}

	totalBonded, err := s.source.TotalBonded(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching total bonded: %w", err)
	}
	minted, err := s.source.MintedTokensForNextRound(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching minted tokens: %w", err)
	}

	round, err := s.store.EnsureRound(ctx, Round{
		ID:         info.ID,
		Length:     info.Length,
		StartBlock: info.StartBlock,
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring round %d: %w", info.ID, err)
	}

	changes, err := s.store.ReconcileDelegates(ctx, convertDelegates(fetched))
	if err != nil {
		return nil, fmt.Errorf("reconciling delegates: %w", err)
	}

	state := &batchState{
		round:        round,
		constants:    constants,
		totalBonded:  totalBonded,
		minted:       minted,
		delegates:    make(map[string]protocol.Delegate, len(fetched)),
		ruleChanges:  changes,
		roles:        make(map[string]Role),
		rewardCalled: make(map[string]bool),
	}
	for _, delegate := range fetched {
		state.delegates[delegate.Address] = delegate
	}

	pools := s.persistPools(ctx, state)
	shares := s.persistShares(ctx, state)

	s.emit(ReconcileCompleted{
		Round:       round.ID,
		Delegates:   len(fetched),
		Pools:       pools,
		Shares:      shares,
		RuleChanges: len(changes),
	})
	return state, nil
}

// persistPools writes one pool per delegate that claimed a reward this
// round. Duplicate and out-of-order items are skipped, never fatal.
func (s *Service) persistPools(ctx context.Context, state *batchState) int {
	rewards, err := s.source.PoolsForRound(ctx, state.round.ID)
	if err != nil {
		s.emit(ItemSkipped{Round: state.round.ID, Reason: err})
		return 0
	}

	persisted := 0
	for _, poolReward := range rewards {
		if poolReward.RewardTokens == nil {
			// The delegate did not call reward; there is no pool to record.
			continue
		}
		delegate, ok := state.delegates[poolReward.DelegateAddress]
		if !ok {
			s.emit(ItemSkipped{
				Round:   state.round.ID,
				Address: poolReward.DelegateAddress,
				Reason:  ErrMissingLocalEntity,
			})
			continue
		}

		err := s.store.CreatePool(ctx, Pool{
			DelegateAddress:   poolReward.DelegateAddress,
			RoundID:           state.round.ID,
			RewardTokens:      *poolReward.RewardTokens,
			TotalStakeOnRound: delegate.TotalStake,
		})
		if err != nil {
			s.emit(ItemSkipped{
				Round:   state.round.ID,
				Address: poolReward.DelegateAddress,
				Reason:  err,
			})
			continue
		}
		persisted++
	}
	return persisted
}

// persistShares writes one share per subscribed delegator for this round.
func (s *Service) persistShares(ctx context.Context, state *batchState) int {
	delegators := s.subscribedDelegators(ctx, state)
	if len(delegators) == 0 {
		return 0
	}

	if err := s.store.ReconcileDelegators(ctx, convertDelegators(delegators)); err != nil {
		s.emit(ItemSkipped{Round: state.round.ID, Reason: err})
		return 0
	}

	persisted := 0
	for _, delegator := range delegators {
		err := s.store.CreateShare(ctx, Share{
			DelegatorAddress:  delegator.Address,
			DelegateAddress:   delegator.DelegateAddress,
			RoundID:           state.round.ID,
			RewardTokens:      s.delegatorNextReward(state, delegator),
			TotalStakeOnRound: delegator.TotalStake,
		})
		if err != nil {
			s.emit(ItemSkipped{
				Round:   state.round.ID,
				Address: delegator.Address,
				Reason:  err,
			})
			continue
		}
		persisted++
	}
	return persisted
}

// subscribedDelegators resolves every subscribed address (any channel) and
// returns the distinct delegator accounts among them.
func (s *Service) subscribedDelegators(ctx context.Context, state *batchState) []protocol.Delegator {
	seen := make(map[string]bool)
	var delegators []protocol.Delegator

	for _, kind := range []ChannelKind{ChannelEmail, ChannelTelegram} {
		subscribers, err := s.store.SubscribersForChannel(ctx, kind)
		if err != nil {
			s.emit(ItemSkipped{Round: state.round.ID, Reason: err})
			continue
		}
		for _, subscriber := range subscribers {
			if seen[subscriber.Address] {
				continue
			}
			seen[subscriber.Address] = true

			role := s.roleFor(ctx, state, subscriber.Address)
			if role.Kind == RoleDelegator {
				delegators = append(delegators, role.Delegator)
			}
		}
	}
	return delegators
}

// notifyChannel fans a batch out to one channel's subscribers with bounded
// parallelism. Every subscriber completes or is counted failed before the
// method returns.
func (s *Service) notifyChannel(ctx context.Context, ch Channel, state *batchState, report *BatchReport) {
	subscribers, err := s.store.SubscribersForChannel(ctx, ch.Kind())
	if err != nil {
		s.emit(ItemSkipped{Round: state.round.ID, Reason: err})
		return
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, s.parallelSends)
	)

	for _, subscriber := range subscribers {
		wg.Add(1)
		sem <- struct{}{}
		go func(subscriber Subscriber) {
			defer wg.Done()
			defer func() { <-sem }()

			notified, skipped := s.notifySubscriber(ctx, ch, state, subscriber)

			mu.Lock()
			defer mu.Unlock()
			report.Considered++
			switch {
			case notified:
				report.Notified++
			case skipped:
				report.Skipped++
			default:
				report.Failed++
			}
		}(subscriber)
	}
	wg.Wait()

	s.notifyRuleChanges(ctx, ch, state, subscribers, report)
}

// notifySubscriber handles one subscriber on one channel. Returns
// (notified, skipped); both false means the subscriber failed.
func (s *Service) notifySubscriber(ctx context.Context, ch Channel, state *batchState, subscriber Subscriber) (bool, bool) {
	kind := ch.Kind()
	currentRound := state.round.ID

	role := s.roleFor(ctx, state, subscriber.Address)
	if role.Kind == RoleUnresolved {
		s.emit(SubscriberSkipped{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Reason:  ErrNoNotifiableContent,
		})
		return false, true
	}

	if !s.thresholds.IsDue(subscriber.FrequencyFor(kind), subscriber.LastSent(kind), currentRound) {
		s.emit(SubscriberSkipped{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Reason:  errNotDue,
		})
		return false, true
	}

	notification, err := s.buildNotification(ctx, state, subscriber, role)
	if errors.Is(err, ErrNoNotifiableContent) {
		s.emit(SubscriberSkipped{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Reason:  err,
		})
		return false, true
	}
	if err != nil {
		s.emit(SubscriberFailed{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Err:     err,
		})
		return false, false
	}

	sendErr := ch.Send(ctx, notification)

	// The send was attempted: record it so a replayed batch does not spam
	// the subscriber, whether or not the remote delivery succeeded.
	if err := s.store.MarkNotified(ctx, subscriber.ID, kind, currentRound); err != nil {
		s.emit(SubscriberFailed{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Err:     err,
		})
		return false, false
	}

	if sendErr != nil {
		s.emit(SubscriberFailed{
			Channel: kind,
			Address: subscriber.Address,
			Round:   currentRound,
			Err:     sendErr,
		})
		return false, false
	}

	s.emit(SubscriberNotified{
		Channel: kind,
		Address: subscriber.Address,
		Round:   currentRound,
		Kind:    notification.Kind,
	})
	return true, false
}

// notifyRuleChanges informs the delegators of every delegate whose rules
// changed this round. Rule changes bypass the frequency gate: a changed cut
// affects the subscriber's earnings immediately.
func (s *Service) notifyRuleChanges(ctx context.Context, ch Channel, state *batchState, subscribers []Subscriber, report *BatchReport) {
	if len(state.ruleChanges) == 0 {
		return
	}

	changesByDelegate := make(map[string]RuleChange, len(state.ruleChanges))
	for _, change := range state.ruleChanges {
		changesByDelegate[change.Address] = change
	}

	for _, subscriber := range subscribers {
		role := s.roleFor(ctx, state, subscriber.Address)
		if role.Kind != RoleDelegator {
			continue
		}
		change, ok := changesByDelegate[role.Delegator.DelegateAddress]
		if !ok {
			continue
		}

		err := ch.Send(ctx, Notification{
			Subscriber: subscriber,
			Kind:       MessageRuleChange,
			Payload: Payload{
				CurrentRound:    state.round.ID,
				DelegateAddress: change.Address,
				RuleChange:      &change,
			},
		})
		if err != nil {
			s.emit(SubscriberFailed{
				Channel: ch.Kind(),
				Address: subscriber.Address,
				Round:   state.round.ID,
				Err:     err,
			})
			report.Failed++
			continue
		}

		s.emit(SubscriberNotified{
			Channel: ch.Kind(),
			Address: subscriber.Address,
			Round:   state.round.ID,
			Kind:    MessageRuleChange,
		})
		report.Notified++
	}
}

// buildNotification computes the message payload for a due subscriber.
func (s *Service) buildNotification(ctx context.Context, state *batchState, subscriber Subscriber, role Role) (Notification, error) {
	currentRound := state.round.ID

	if role.Kind == RoleDelegate {
		called, err := s.delegateCalledReward(ctx, state, role.Delegate.Address)
		if err != nil {
			return Notification{}, err
		}
		return Notification{
			Subscriber: subscriber,
			Kind:       MessageDelegateRewardCall,
			Payload: Payload{
				CurrentRound:         currentRound,
				DelegateAddress:      role.Delegate.Address,
				DelegateCalledReward: called,
				TotalStake:           role.Delegate.TotalStake,
			},
		}, nil
	}

	delegator := role.Delegator
	switch delegator.Status {
	case state.constants.DelegatorStatusBonded:
		called, err := s.delegateCalledReward(ctx, state, delegator.DelegateAddress)
		if err != nil {
			return Notification{}, err
		}
		missed, err := s.missedRewardCalls(ctx, delegator.DelegateAddress, currentRound)
		if err != nil {
			return Notification{}, err
		}

		kind := MessageRewardCallAllGood
		if !called {
			kind = MessageRewardCallPayAttention
		}
		return Notification{
			Subscriber: subscriber,
			Kind:       kind,
			Payload: Payload{
				CurrentRound:         currentRound,
				DelegateAddress:      delegator.DelegateAddress,
				DelegateCalledReward: called,
				NextReward:           s.delegatorNextReward(state, delegator),
				TotalStake:           delegator.TotalStake,
				MissedRewardCalls:    missed,
			},
		}, nil

	case state.constants.DelegatorStatusUnbonding:
		return Notification{
			Subscriber: subscriber,
			Kind:       MessageUnbondingState,
			Payload: Payload{
				CurrentRound:        currentRound,
				DelegateAddress:     delegator.DelegateAddress,
				RoundsUntilUnbonded: reward.RoundsUntilUnbonded(delegator.WithdrawRound, currentRound),
			},
		}, nil

	case state.constants.DelegatorStatusUnbonded:
		return Notification{
			Subscriber: subscriber,
			Kind:       MessageUnbondedState,
			Payload: Payload{
				CurrentRound:    currentRound,
				DelegateAddress: delegator.DelegateAddress,
			},
		}, nil

	default:
		return Notification{}, fmt.Errorf("%w: delegator status %q", ErrNoNotifiableContent, delegator.Status)
	}
}

// missedRewardCalls counts the delegate's skipped reward calls over the
// trailing window from locally stored pools.
func (s *Service) missedRewardCalls(ctx context.Context, delegateAddress string, currentRound uint64) (int, error) {
	var from uint64
	if currentRound > reward.MissedCallWindow {
		from = currentRound - reward.MissedCallWindow
	}
	history, err := s.store.RewardCallHistory(ctx, delegateAddress, from, currentRound)
	if err != nil {
		return 0, fmt.Errorf("reward call history for %s: %w", delegateAddress, err)
	}
	return reward.MissedRewardCalls(history, currentRound), nil
}

// delegatorNextReward projects a delegator's reward slice for the next round.
func (s *Service) delegatorNextReward(state *batchState, delegator protocol.Delegator) token.Amount {
	delegate, ok := state.delegates[delegator.DelegateAddress]
	if !ok {
		return token.Zero()
	}

	protocolReward := reward.DelegateProtocolNextReward(delegate.TotalStake, state.totalBonded, state.minted)
	delegateReward := reward.DelegateNextReward(protocolReward, delegate.PendingRewardCut)
	toDelegators := reward.DelegateRewardToDelegators(protocolReward, delegateReward)
	return reward.DelegatorNextReward(delegator.TotalStake, delegate.TotalStake, toDelegators)
}

// roleFor resolves and caches the role of an address for the batch.
func (s *Service) roleFor(ctx context.Context, state *batchState, address string) Role {
	state.mu.Lock()
	role, ok := state.roles[address]
	state.mu.Unlock()
	if ok {
		return role
	}

	role = resolveRole(ctx, s.source, address)

	state.mu.Lock()
	state.roles[address] = role
	state.mu.Unlock()
	return role
}

// delegateCalledReward checks and caches whether a delegate claimed its
// reward this round.
func (s *Service) delegateCalledReward(ctx context.Context, state *batchState, address string) (bool, error) {
	state.mu.Lock()
	called, ok := state.rewardCalled[address]
	state.mu.Unlock()
	if ok {
		return called, nil
	}

	called, err := s.source.DidDelegateCallReward(ctx, address)
	if err != nil {
		return false, err
	}

	state.mu.Lock()
	state.rewardCalled[address] = called
	state.mu.Unlock()
	return called, nil
}

func convertDelegates(fetched []protocol.Delegate) []Delegate {
	delegates := make([]Delegate, len(fetched))
	for i, d := range fetched {
		delegates[i] = Delegate{
			Address:         d.Address,
			Active:          d.Active,
			Status:          d.Status,
			LastRewardRound: d.LastRewardRound,
			TotalStake:      d.TotalStake,
			Rules: DelegateRules{
				RewardCut:        d.RewardCut,
				FeeShare:         d.FeeShare,
				PendingRewardCut: d.PendingRewardCut,
				PendingFeeShare:  d.PendingFeeShare,
			},
		}
	}
	return delegates
}

func convertDelegators(fetched []protocol.Delegator) []Delegator {
	delegators := make([]Delegator, len(fetched))
	for i, d := range fetched {
		delegators[i] = Delegator{
			Address:         d.Address,
			DelegateAddress: d.DelegateAddress,
			TotalStake:      d.TotalStake,
			Status:          d.Status,
			WithdrawRound:   d.WithdrawRound,
		}
	}
	return delegators
}
