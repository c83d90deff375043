// Package pgxstore implements the notifier store on PostgreSQL using pgx.
package pgxstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/isabella232/livepeer-alerts-backend/notifier"
	"github.com/isabella232/livepeer-alerts-backend/notifier/store/dbrow"
	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
	"github.com/isabella232/livepeer-alerts-backend/reward"
)

// Sentinel errors for store operations
var (
	ErrTransactionFailed = errors.New("transaction failed")
	ErrQueryFailed       = errors.New("query failed")
	ErrInsertFailed      = errors.New("insert operation failed")
	ErrUpdateFailed      = errors.New("update operation failed")
)

// PostgreSQL error codes mapped to domain errors.
const (
	pgCodeUniqueViolation     = "23505"
	pgCodeForeignKeyViolation = "23503"
)

// Store implements notifier.Store using pgx
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store with an existing connection pool
// Returns the store and a closer function
func New(pool *pgxpool.Pool) (*Store, func()) {
	store := &Store{pool: pool}
	closer := func() {
		pool.Close()
	}
	return store, closer
}

// EnsureRound returns the stored round, creating it if absent. The stored
// record always wins: a round is immutable once created.
func (s *Store) EnsureRound(ctx context.Context, round notifier.Round) (notifier.Round, error) {
	row := dbrow.RoundFromDomain(round)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rounds (id, length, start_block) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, row.ID, row.Length, row.StartBlock)
	if err != nil {
		return notifier.Round{}, fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}

	var stored dbrow.Round
	err = s.pool.QueryRow(ctx, `
		SELECT id, length, start_block FROM rounds WHERE id = $1
	`, row.ID).Scan(&stored.ID, &stored.Length, &stored.StartBlock)
	if err != nil {
		return notifier.Round{}, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return stored.ToDomain(), nil
}

// ReconcileDelegates inserts delegates missing locally and updates the rest,
// reporting each delegate whose rule parameters changed. Runs in a single
// transaction so a partial reconcile never becomes visible.
func (s *Store) ReconcileDelegates(ctx context.Context, fetched []notifier.Delegate) ([]notifier.RuleChange, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // No-op if commit succeeds

	var changes []notifier.RuleChange
	for _, delegate := range fetched {
		row := dbrow.DelegateFromDomain(delegate)

		var existing dbrow.Delegate
		err := tx.QueryRow(ctx, `
			SELECT reward_cut, fee_share, pending_reward_cut, pending_fee_share
			FROM delegates WHERE address = $1 FOR UPDATE
		`, row.Address).Scan(
			&existing.RewardCut, &existing.FeeShare,
			&existing.PendingRewardCut, &existing.PendingFeeShare,
		)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			_, err = tx.Exec(ctx, `
				INSERT INTO delegates (
					address, active, status, last_reward_round, total_stake,
					reward_cut, fee_share, pending_reward_cut, pending_fee_share
				) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
			`, row.Address, row.Active, row.Status, row.LastRewardRound, row.TotalStake,
				row.RewardCut, row.FeeShare, row.PendingRewardCut, row.PendingFeeShare)
			if err != nil {
				return nil, fmt.Errorf("%w: delegate %s: %w", ErrInsertFailed, row.Address, err)
			}

		case err != nil:
			return nil, fmt.Errorf("%w: delegate %s: %w", ErrQueryFailed, row.Address, err)

		default:
			if oldRules := existing.Rules(); oldRules != delegate.Rules {
				changes = append(changes, notifier.RuleChange{
					Address: delegate.Address,
					Old:     oldRules,
					New:     delegate.Rules,
				})
			}
			_, err = tx.Exec(ctx, `
				UPDATE delegates SET
					active = $2, status = $3, last_reward_round = $4, total_stake = $5::numeric,
					reward_cut = $6, fee_share = $7, pending_reward_cut = $8, pending_fee_share = $9
				WHERE address = $1
			`, row.Address, row.Active, row.Status, row.LastRewardRound, row.TotalStake,
				row.RewardCut, row.FeeShare, row.PendingRewardCut, row.PendingFeeShare)
			if err != nil {
				return nil, fmt.Errorf("%w: delegate %s: %w", ErrUpdateFailed, row.Address, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return changes, nil
}

// ReconcileDelegators upserts the fetched delegators.
func (s *Store) ReconcileDelegators(ctx context.Context, fetched []notifier.Delegator) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, delegator := range fetched {
		row := dbrow.DelegatorFromDomain(delegator)
		_, err := tx.Exec(ctx, `
			INSERT INTO delegators (address, delegate_address, total_stake, status, withdraw_round)
			VALUES ($1, $2, $3::numeric, $4, $5)
			ON CONFLICT (address) DO UPDATE SET
				delegate_address = EXCLUDED.delegate_address,
				total_stake = EXCLUDED.total_stake,
				status = EXCLUDED.status,
				withdraw_round = EXCLUDED.withdraw_round
		`, row.Address, row.DelegateAddress, row.TotalStake, row.Status, row.WithdrawRound)
		if err != nil {
			return fmt.Errorf("%w: delegator %s: %w", ErrInsertFailed, row.Address, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransactionFailed, err)
	}
	return nil
}

// CreatePool persists one reward pool. The unique constraint on
// (delegate_address, round_id) keeps the first record of a round intact;
// the foreign keys require the delegate and round to be reconciled first.
func (s *Store) CreatePool(ctx context.Context, pool notifier.Pool) error {
	row := dbrow.PoolFromDomain(pool)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pools (delegate_address, round_id, reward_tokens, total_stake_on_round)
		VALUES ($1, $2, $3::numeric, $4::numeric)
	`, row.DelegateAddress, row.RoundID, row.RewardTokens, row.TotalStakeOnRound)
	if err != nil {
		return fmt.Errorf("pool for %s round %d: %w", row.DelegateAddress, row.RoundID, asDomainError(err))
	}
	return nil
}

// CreateShare persists one stake share under the same contract as CreatePool,
// keyed by (delegator_address, round_id).
func (s *Store) CreateShare(ctx context.Context, share notifier.Share) error {
	row := dbrow.ShareFromDomain(share)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO shares (delegator_address, delegate_address, round_id, reward_tokens, total_stake_on_round)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric)
	`, row.DelegatorAddress, row.DelegateAddress, row.RoundID, row.RewardTokens, row.TotalStakeOnRound)
	if err != nil {
		return fmt.Errorf("share for %s round %d: %w", row.DelegatorAddress, row.RoundID, asDomainError(err))
	}
	return nil
}

// RewardCallHistory returns one entry per stored round in [fromRound,
// toRound) with nil tokens for rounds without a pool, the shape consumed by
// the missed-call arithmetic.
func (s *Store) RewardCallHistory(ctx context.Context, delegateAddress string, fromRound, toRound uint64) ([]reward.Call, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, p.reward_tokens::text
		FROM rounds r
		LEFT JOIN pools p ON p.round_id = r.id AND p.delegate_address = $1
		WHERE r.id >= $2 AND r.id < $3
		ORDER BY r.id
	`, delegateAddress, int64(fromRound), int64(toRound))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer rows.Close()

	var history []reward.Call
	for rows.Next() {
		var (
			roundID      int64
			rewardTokens *string
		)
		if err := rows.Scan(&roundID, &rewardTokens); err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrQueryFailed, err)
		}

		call := reward.Call{Round: uint64(roundID)}
		if rewardTokens != nil {
			tokens, err := token.FromBaseUnits(*rewardTokens)
			if err != nil {
				return nil, fmt.Errorf("reward call round %d: %w", roundID, err)
			}
			call.Tokens = &tokens
		}
		history = append(history, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return history, nil
}

// PoolsForRound returns every pool recorded for a round.
func (s *Store) PoolsForRound(ctx context.Context, roundID uint64) ([]notifier.Pool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delegate_address, round_id, reward_tokens::text, total_stake_on_round::text
		FROM pools WHERE round_id = $1 ORDER BY delegate_address
	`, int64(roundID))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer rows.Close()

	var pools []notifier.Pool
	for rows.Next() {
		var row dbrow.Pool
		if err := rows.Scan(&row.DelegateAddress, &row.RoundID, &row.RewardTokens, &row.TotalStakeOnRound); err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrQueryFailed, err)
		}
		pool, err := row.ToDomain()
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return pools, nil
}

// SharesForDelegator returns a delegator's recorded shares, latest round
// first.
func (s *Store) SharesForDelegator(ctx context.Context, address string, limit int) ([]notifier.Share, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT delegator_address, delegate_address, round_id, reward_tokens::text, total_stake_on_round::text
		FROM shares WHERE delegator_address = $1 ORDER BY round_id DESC LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer rows.Close()

	var shares []notifier.Share
	for rows.Next() {
		var row dbrow.Share
		err := rows.Scan(&row.DelegatorAddress, &row.DelegateAddress, &row.RoundID, &row.RewardTokens, &row.TotalStakeOnRound)
		if err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrQueryFailed, err)
		}
		share, err := row.ToDomain()
		if err != nil {
			return nil, err
		}
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return shares, nil
}

// DelegateByAddress returns the locally reconciled delegate.
func (s *Store) DelegateByAddress(ctx context.Context, address string) (notifier.Delegate, error) {
	var row dbrow.Delegate
	err := s.pool.QueryRow(ctx, `
		SELECT address, active, status, last_reward_round, total_stake::text,
		       reward_cut, fee_share, pending_reward_cut, pending_fee_share
		FROM delegates WHERE address = $1
	`, address).Scan(
		&row.Address, &row.Active, &row.Status, &row.LastRewardRound, &row.TotalStake,
		&row.RewardCut, &row.FeeShare, &row.PendingRewardCut, &row.PendingFeeShare,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return notifier.Delegate{}, fmt.Errorf("delegate %s: %w", address, notifier.ErrMissingLocalEntity)
	}
	if err != nil {
		return notifier.Delegate{}, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return row.ToDomain()
}

// DelegatorByAddress returns the locally reconciled delegator.
func (s *Store) DelegatorByAddress(ctx context.Context, address string) (notifier.Delegator, error) {
	var row dbrow.Delegator
	err := s.pool.QueryRow(ctx, `
		SELECT address, delegate_address, total_stake::text, status, withdraw_round
		FROM delegators WHERE address = $1
	`, address).Scan(&row.Address, &row.DelegateAddress, &row.TotalStake, &row.Status, &row.WithdrawRound)
	if errors.Is(err, pgx.ErrNoRows) {
		return notifier.Delegator{}, fmt.Errorf("delegator %s: %w", address, notifier.ErrDelegatorNotFound)
	}
	if err != nil {
		return notifier.Delegator{}, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return row.ToDomain()
}

// SubscribersForChannel returns activated subscribers with a usable address
// for the channel.
func (s *Store) SubscribersForChannel(ctx context.Context, kind notifier.ChannelKind) ([]notifier.Subscriber, error) {
	contactColumn := "email"
	if kind == notifier.ChannelTelegram {
		contactColumn = "telegram_chat_id"
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, address, email, telegram_chat_id, email_frequency, telegram_frequency,
		       last_email_sent, last_telegram_sent, activated, activation_code, created_at
		FROM subscribers
		WHERE activated AND %s IS NOT NULL
		ORDER BY id
	`, contactColumn))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	defer rows.Close()

	var subscribers []notifier.Subscriber
	for rows.Next() {
		var row dbrow.Subscriber
		err := rows.Scan(
			&row.ID, &row.Address, &row.Email, &row.TelegramChatID,
			&row.EmailFrequency, &row.TelegramFrequency,
			&row.LastEmailSent, &row.LastTelegramSent,
			&row.Activated, &row.ActivationCode, &row.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan failed: %w", ErrQueryFailed, err)
		}
		subscribers = append(subscribers, row.ToDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return subscribers, nil
}

// MarkNotified records the round a subscriber was last notified on for a
// channel.
func (s *Store) MarkNotified(ctx context.Context, subscriberID int64, kind notifier.ChannelKind, round uint64) error {
	sentColumn := "last_email_sent"
	if kind == notifier.ChannelTelegram {
		sentColumn = "last_telegram_sent"
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE subscribers SET %s = $2 WHERE id = $1
	`, sentColumn), subscriberID, int64(round))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %d: %w", subscriberID, notifier.ErrSubscriberNotFound)
	}
	return nil
}

// CreateSubscriber inserts a new subscription, deactivated until the
// activation code is confirmed, and returns its assigned ID.
func (s *Store) CreateSubscriber(ctx context.Context, subscriber notifier.Subscriber) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO subscribers (
			address, email, telegram_chat_id, email_frequency, telegram_frequency,
			activated, activation_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, subscriber.Address, subscriber.Email, subscriber.TelegramChatID,
		string(subscriber.EmailFrequency), string(subscriber.TelegramFrequency),
		subscriber.Activated, subscriber.ActivationCode,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInsertFailed, asDomainError(err))
	}
	return id, nil
}

// SubscriberByID returns one subscription regardless of activation state.
func (s *Store) SubscriberByID(ctx context.Context, id int64) (notifier.Subscriber, error) {
	var row dbrow.Subscriber
	err := s.pool.QueryRow(ctx, `
		SELECT id, address, email, telegram_chat_id, email_frequency, telegram_frequency,
		       last_email_sent, last_telegram_sent, activated, activation_code, created_at
		FROM subscribers WHERE id = $1
	`, id).Scan(
		&row.ID, &row.Address, &row.Email, &row.TelegramChatID,
		&row.EmailFrequency, &row.TelegramFrequency,
		&row.LastEmailSent, &row.LastTelegramSent,
		&row.Activated, &row.ActivationCode, &row.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return notifier.Subscriber{}, fmt.Errorf("subscriber %d: %w", id, notifier.ErrSubscriberNotFound)
	}
	if err != nil {
		return notifier.Subscriber{}, fmt.Errorf("%w: %w", ErrQueryFailed, err)
	}
	return row.ToDomain(), nil
}

// ActivateSubscriber activates a subscription when the code matches.
func (s *Store) ActivateSubscriber(ctx context.Context, id, code int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscribers SET activated = TRUE WHERE id = $1 AND activation_code = $2
	`, id, code)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %d: %w", id, notifier.ErrSubscriberNotFound)
	}
	return nil
}

// DeactivateSubscriber soft-deletes a subscription. The record and its
// notification history are kept.
func (s *Store) DeactivateSubscriber(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE subscribers SET activated = FALSE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscriber %d: %w", id, notifier.ErrSubscriberNotFound)
	}
	return nil
}

// asDomainError maps constraint violations onto the notifier's sentinel
// errors so callers do not depend on PostgreSQL error codes.
func asDomainError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgCodeUniqueViolation:
		return notifier.ErrDuplicateKey
	case pgCodeForeignKeyViolation:
		return notifier.ErrMissingLocalEntity
	default:
		return err
	}
}
