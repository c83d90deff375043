// Package graph implements protocol.Source against the staking subgraph's
// GraphQL-over-HTTP endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/isabella232/livepeer-alerts-backend/pkg/token"
	"github.com/isabella232/livepeer-alerts-backend/protocol"
)

// Sentinel errors for subgraph requests
var (
	ErrRequestFailed   = errors.New("subgraph request failed")
	ErrBadStatus       = errors.New("unexpected subgraph status code")
	ErrDecodeFailed    = errors.New("decoding subgraph response failed")
	ErrGraphQL         = errors.New("subgraph query returned errors")
	ErrAccountNotFound = errors.New("account not found on subgraph")
)

// Client is a staking subgraph API client.
type Client struct {
	httpClient *http.Client
	endpoint   string
}

var _ protocol.Source = (*Client)(nil)

// NewClient creates a subgraph client with the given HTTP client and endpoint URL.
func NewClient(httpClient *http.Client, endpoint string) *Client {
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
	}
}

// GraphQL queries. Numeric subgraph fields arrive as JSON strings.
const (
	currentRoundQuery = `{ currentRound { id length startBlock } }`

	delegatesQuery = `{ transcoders {
		id active status rewardCut feeShare pendingRewardCut pendingFeeShare
		lastRewardRound totalStake
	} }`

	delegateQuery = `query($id: ID!) { transcoder(id: $id) {
		id active status rewardCut feeShare pendingRewardCut pendingFeeShare
		lastRewardRound totalStake
	} }`

	delegatorQuery = `query($id: ID!) { delegator(id: $id) {
		id delegateAddress totalStake status withdrawRound
	} }`

	poolsQuery = `query($round: ID!) { rewards(round: $round) {
		transcoder rewardTokens
	} }`

	protocolQuery = `{ protocol { totalBonded mintedTokensForNextRound } }`
)

type wireDelegate struct {
	ID               string `json:"id"`
	Active           bool   `json:"active"`
	Status           string `json:"status"`
	RewardCut        string `json:"rewardCut"`
	FeeShare         string `json:"feeShare"`
	PendingRewardCut string `json:"pendingRewardCut"`
	PendingFeeShare  string `json:"pendingFeeShare"`
	LastRewardRound  string `json:"lastRewardRound"`
	TotalStake       string `json:"totalStake"`
}

type wireDelegator struct {
	ID              string `json:"id"`
	DelegateAddress string `json:"delegateAddress"`
	TotalStake      string `json:"totalStake"`
	Status          string `json:"status"`
	WithdrawRound   string `json:"withdrawRound"`
}

type wireReward struct {
	Transcoder   string  `json:"transcoder"`
	RewardTokens *string `json:"rewardTokens"`
}

// CurrentRoundInfo returns the round currently in progress.
func (c *Client) CurrentRoundInfo(ctx context.Context) (protocol.RoundInfo, error) {
	var data struct {
		CurrentRound struct {
			ID         string `json:"id"`
			Length     string `json:"length"`
			StartBlock string `json:"startBlock"`
		} `json:"currentRound"`
	}
	if err := c.query(ctx, currentRoundQuery, nil, &data); err != nil {
		return protocol.RoundInfo{}, err
	}

	id, err := parseUint(data.CurrentRound.ID)
	if err != nil {
		return protocol.RoundInfo{}, err
	}
	length, err := parseUint(data.CurrentRound.Length)
	if err != nil {
		return protocol.RoundInfo{}, err
	}
	startBlock, err := parseUint(data.CurrentRound.StartBlock)
	if err != nil {
		return protocol.RoundInfo{}, err
	}

	return protocol.RoundInfo{ID: id, Length: length, StartBlock: startBlock}, nil
}

// Delegates returns a snapshot of every registered delegate.
func (c *Client) Delegates(ctx context.Context) ([]protocol.Delegate, error) {
	var data struct {
		Transcoders []wireDelegate `json:"transcoders"`
	}
	if err := c.query(ctx, delegatesQuery, nil, &data); err != nil {
		return nil, err
	}

	delegates := make([]protocol.Delegate, 0, len(data.Transcoders))
	for _, wire := range data.Transcoders {
		delegate, err := convertDelegate(wire)
		if err != nil {
			return nil, err
		}
		delegates = append(delegates, delegate)
	}
	return delegates, nil
}

// DelegateAccount returns the snapshot of one delegate.
func (c *Client) DelegateAccount(ctx context.Context, address string) (protocol.Delegate, error) {
	var data struct {
		Transcoder *wireDelegate `json:"transcoder"`
	}
	if err := c.query(ctx, delegateQuery, map[string]any{"id": address}, &data); err != nil {
		return protocol.Delegate{}, err
	}
	if data.Transcoder == nil {
		return protocol.Delegate{}, fmt.Errorf("%w: delegate %s", ErrAccountNotFound, address)
	}
	return convertDelegate(*data.Transcoder)
}

// DelegatorAccount returns the snapshot of one delegator.
func (c *Client) DelegatorAccount(ctx context.Context, address string) (protocol.Delegator, error) {
	var data struct {
		Delegator *wireDelegator `json:"delegator"`
	}
	if err := c.query(ctx, delegatorQuery, map[string]any{"id": address}, &data); err != nil {
		return protocol.Delegator{}, err
	}
	if data.Delegator == nil {
		return protocol.Delegator{}, fmt.Errorf("%w: delegator %s", ErrAccountNotFound, address)
	}
	return convertDelegator(*data.Delegator)
}

// PoolsForRound returns each delegate's claimed reward for the given round.
func (c *Client) PoolsForRound(ctx context.Context, roundID uint64) ([]protocol.PoolReward, error) {
	var data struct {
		Rewards []wireReward `json:"rewards"`
	}
	vars := map[string]any{"round": strconv.FormatUint(roundID, 10)}
	if err := c.query(ctx, poolsQuery, vars, &data); err != nil {
		return nil, err
	}

	pools := make([]protocol.PoolReward, 0, len(data.Rewards))
	for _, wire := range data.Rewards {
		pool := protocol.PoolReward{DelegateAddress: wire.Transcoder}
		if wire.RewardTokens != nil {
			tokens, err := token.FromBaseUnits(*wire.RewardTokens)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
			}
			pool.RewardTokens = &tokens
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// TotalBonded returns the protocol-wide bonded stake.
func (c *Client) TotalBonded(ctx context.Context) (token.Amount, error) {
	bonded, _, err := c.protocolFigures(ctx)
	return bonded, err
}

// MintedTokensForNextRound returns the mint estimate for the next round.
func (c *Client) MintedTokensForNextRound(ctx context.Context) (token.Amount, error) {
	_, minted, err := c.protocolFigures(ctx)
	return minted, err
}

// DidDelegateCallReward reports whether the delegate already claimed its
// reward in the current round, i.e. its last reward round equals the round
// in progress.
func (c *Client) DidDelegateCallReward(ctx context.Context, address string) (bool, error) {
	delegate, err := c.DelegateAccount(ctx, address)
	if err != nil {
		return false, err
	}
	roundInfo, err := c.CurrentRoundInfo(ctx)
	if err != nil {
		return false, err
	}
	return delegate.LastRewardRound == roundInfo.ID, nil
}

// DefaultConstants returns the protocol constant set. The subgraph does not
// serve these, so the compiled-in defaults apply.
func (c *Client) DefaultConstants(context.Context) (protocol.Constants, error) {
	return protocol.DefaultConstants(), nil
}

func (c *Client) protocolFigures(ctx context.Context) (bonded, minted token.Amount, err error) {
	var data struct {
		Protocol struct {
			TotalBonded              string `json:"totalBonded"`
			MintedTokensForNextRound string `json:"mintedTokensForNextRound"`
		} `json:"protocol"`
	}
	if err := c.query(ctx, protocolQuery, nil, &data); err != nil {
		return token.Zero(), token.Zero(), err
	}

	bonded, err = token.FromBaseUnits(data.Protocol.TotalBonded)
	if err != nil {
		return token.Zero(), token.Zero(), fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	minted, err = token.FromBaseUnits(data.Protocol.MintedTokensForNextRound)
	if err != nil {
		return token.Zero(), token.Zero(), fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return bonded, minted, nil
}

// query posts a GraphQL document and decodes the data payload into out.
func (c *Client) query(ctx context.Context, query string, variables map[string]any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("%w: %s", ErrGraphQL, envelope.Errors[0].Message)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return nil
}

func convertDelegate(wire wireDelegate) (protocol.Delegate, error) {
	rewardCut, err := parseInt(wire.RewardCut)
	if err != nil {
		return protocol.Delegate{}, err
	}
	feeShare, err := parseInt(wire.FeeShare)
	if err != nil {
		return protocol.Delegate{}, err
	}
	pendingRewardCut, err := parseInt(wire.PendingRewardCut)
	if err != nil {
		return protocol.Delegate{}, err
	}
	pendingFeeShare, err := parseInt(wire.PendingFeeShare)
	if err != nil {
		return protocol.Delegate{}, err
	}
	lastRewardRound, err := parseUint(wire.LastRewardRound)
	if err != nil {
		return protocol.Delegate{}, err
	}
	totalStake, err := token.FromBaseUnits(wire.TotalStake)
	if err != nil {
		return protocol.Delegate{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}

	return protocol.Delegate{
		Address:          wire.ID,
		Active:           wire.Active,
		Status:           wire.Status,
		RewardCut:        rewardCut,
		FeeShare:         feeShare,
		PendingRewardCut: pendingRewardCut,
		PendingFeeShare:  pendingFeeShare,
		LastRewardRound:  lastRewardRound,
		TotalStake:       totalStake,
	}, nil
}

func convertDelegator(wire wireDelegator) (protocol.Delegator, error) {
	totalStake, err := token.FromBaseUnits(wire.TotalStake)
	if err != nil {
		return protocol.Delegator{}, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	withdrawRound, err := parseUint(wire.WithdrawRound)
	if err != nil {
		return protocol.Delegator{}, err
	}

	return protocol.Delegator{
		Address:         wire.ID,
		DelegateAddress: wire.DelegateAddress,
		TotalStake:      totalStake,
		Status:          wire.Status,
		WithdrawRound:   withdrawRound,
	}, nil
}

func parseUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return v, nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return v, nil
}
