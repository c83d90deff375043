package notifier

import (
	"context"

	"github.com/isabella232/livepeer-alerts-backend/protocol"
)

// RoleKind tags the resolved role of a subscriber's wallet address.
type RoleKind int

const (
	RoleUnresolved RoleKind = iota
	RoleDelegate
	RoleDelegator
)

// Role is the resolved role of an address, with the account snapshot that
// backs the decision. Exactly one of Delegate/Delegator is meaningful,
// selected by Kind.
type Role struct {
	Kind      RoleKind
	Delegate  protocol.Delegate
	Delegator protocol.Delegator
}

// resolveRole determines whether an address acts as a delegate or a
// delegator. An address delegating to itself is a delegate; an address
// delegating elsewhere is a delegator; anything else is unresolved and
// yields no notification.
func resolveRole(ctx context.Context, source protocol.Source, address string) Role {
	delegator, err := source.DelegatorAccount(ctx, address)
	if err != nil || delegator.DelegateAddress == "" {
		return Role{Kind: RoleUnresolved}
	}

	if delegator.DelegateAddress == address {
		delegate, err := source.DelegateAccount(ctx, address)
		if err != nil {
			return Role{Kind: RoleUnresolved}
		}
		return Role{Kind: RoleDelegate, Delegate: delegate}
	}

	return Role{Kind: RoleDelegator, Delegator: delegator}
}
