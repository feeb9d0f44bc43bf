package auth

import (
	"context"
	"strings"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"
	RoleNone   = ""
)

// Actor is the caller identity as resolved by the outer request layer.
// A zero Actor is an anonymous caller.
type Actor struct {
	Name          string
	Authenticated bool
	PlatformAdmin bool
}

func Anonymous() Actor {
	return Actor{}
}

// RoleSource looks up the persisted role of a user in a vault. Implemented
// by the store; injectable so tests and the publish predicates do not need
// a database.
type RoleSource interface {
	VaultRole(ctx context.Context, userName, vaultID string) (string, error)
	IsDefaultVault(ctx context.Context, vaultID string) (bool, error)
}

func RoleRank(role string) int {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleOwner:
		return 4
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

type Authorizer struct {
	roles RoleSource
}

func NewAuthorizer(roles RoleSource) *Authorizer {
	return &Authorizer{roles: roles}
}

// UserHasVaultRole reports whether actor holds at least minRole in vaultID.
// Platform admins always pass. Anonymous callers pass only viewer-level
// checks, and only against the configured default vault, so a single-vault
// deployment keeps working without accounts.
func (a *Authorizer) UserHasVaultRole(ctx context.Context, actor Actor, vaultID, minRole string) (bool, error) {
	if actor.PlatformAdmin {
		return true, nil
	}
	if !actor.Authenticated {
		if RoleRank(minRole) > RoleRank(RoleViewer) {
			return false, nil
		}
		return a.roles.IsDefaultVault(ctx, vaultID)
	}
	role, err := a.roles.VaultRole(ctx, actor.Name, vaultID)
	if err != nil {
		return false, err
	}
	return RoleRank(role) >= RoleRank(minRole), nil
}

// ActorRole resolves the effective role used by the publish predicates.
func (a *Authorizer) ActorRole(ctx context.Context, actor Actor, vaultID string) (string, error) {
	if !actor.Authenticated {
		return RoleNone, nil
	}
	return a.roles.VaultRole(ctx, actor.Name, vaultID)
}
