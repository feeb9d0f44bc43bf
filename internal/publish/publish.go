// Package publish derives a document's visibility classification from its
// frontmatter and is the single point of truth for access decisions.
// Everything here is a pure function; callers that list, search, or fetch
// documents must go through these predicates rather than re-deriving
// visibility themselves.
package publish

import (
	"strings"
	"time"

	"mdvault/internal/auth"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
	VisibilityMembers = "members"
)

type State struct {
	Visibility  string
	IsDraft     bool
	IsUnlisted  bool
	PublishedAt *time.Time
	UnpublishAt *time.Time
	UpdatedBy   string
}

func (s State) IsScheduledAt(now time.Time) bool {
	return s.PublishedAt != nil && s.PublishedAt.After(now)
}

// Compute resolves the publish state from raw frontmatter. Unrecognized
// keys are ignored; absent or malformed recognized keys fall back to the
// fully-public default.
func Compute(frontmatter map[string]any, now time.Time) State {
	state := State{
		Visibility: VisibilityPublic,
		UpdatedBy:  "sync",
	}
	state.IsDraft = boolKey(frontmatter, "draft")
	state.IsUnlisted = boolKey(frontmatter, "unlisted")
	if boolKey(frontmatter, "private") {
		state.Visibility = VisibilityPrivate
	}
	state.PublishedAt = dateKey(frontmatter, "published_at")
	state.UnpublishAt = dateKey(frontmatter, "unpublished_at")
	return state
}

// CanAccess reports whether an actor holding vaultRole may see a document.
// Drafts and scheduled documents require editor or better; private or
// unlisted documents require any vault membership; everything else is open.
func CanAccess(state State, actor auth.Actor, vaultRole string, now time.Time) bool {
	if actor.PlatformAdmin {
		return true
	}
	if state.IsDraft || state.IsScheduledAt(now) {
		return auth.RoleRank(vaultRole) >= auth.RoleRank(auth.RoleEditor)
	}
	if state.Visibility != VisibilityPublic || state.IsUnlisted {
		return actor.Authenticated && auth.RoleRank(vaultRole) >= auth.RoleRank(auth.RoleViewer)
	}
	return true
}

// Listable reports whether a document may appear in folder trees, tag pages,
// or search result lists. Unlisted-but-accessible documents stay reachable
// by direct link only.
func Listable(state State, actor auth.Actor, vaultRole string, now time.Time) bool {
	if !CanAccess(state, actor, vaultRole, now) {
		return false
	}
	return !state.IsDraft && !state.IsScheduledAt(now) && !state.IsUnlisted
}

// PubliclyVisible is the actor-independent predicate used to decide whether
// a document just became visible to the world (subscriber notification).
func PubliclyVisible(state State, now time.Time) bool {
	return state.Visibility == VisibilityPublic &&
		!state.IsDraft &&
		!state.IsScheduledAt(now) &&
		!state.IsUnlisted
}

func boolKey(fm map[string]any, key string) bool {
	if fm == nil {
		return false
	}
	switch v := fm[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

func dateKey(fm map[string]any, key string) *time.Time {
	if fm == nil {
		return nil
	}
	switch v := fm[key].(type) {
	case time.Time:
		return &v
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return &t
			}
		}
		return nil
	default:
		return nil
	}
}
