package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope represents the breadth at which a permission applies
type Scope string

const (
	ScopeOwn          Scope = "own"          // The actor's own records
	ScopeOrganization Scope = "organization" // The actor's tenant
	ScopeAll          Scope = "all"          // System-wide
)

// breadth returns the ordering rank of a scope: all > organization > own.
func (s Scope) breadth() int {
	switch s {
	case ScopeOwn:
		return 0
	case ScopeOrganization:
		return 1
	case ScopeAll:
		return 2
	default:
		return -1
	}
}

// Covers reports whether s is at least as broad as other.
func (s Scope) Covers(other Scope) bool {
	return s.breadth() >= other.breadth() && other.breadth() >= 0
}

// Permission is an identifier of the form "resource:action:scope",
// e.g. "contract:read:own" or "company:manage:all".
type Permission string

// ParsePermission validates a permission identifier. Malformed identifiers
// are rejected here, at registration time, never at check time.
func ParsePermission(s string) (Permission, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed permission %q: want resource:action:scope", s)
	}
	for i, part := range parts {
		if part == "" {
			return "", fmt.Errorf("malformed permission %q: empty segment %d", s, i)
		}
	}
	if Scope(parts[2]).breadth() < 0 {
		return "", fmt.Errorf("malformed permission %q: unknown scope %q", s, parts[2])
	}
	return Permission(s), nil
}

// Resource returns the resource segment of the permission
func (p Permission) Resource() string {
	return strings.SplitN(string(p), ":", 3)[0]
}

// Action returns the action segment of the permission
func (p Permission) Action() string {
	parts := strings.SplitN(string(p), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// Scope returns the scope segment of the permission
func (p Permission) Scope() Scope {
	parts := strings.SplitN(string(p), ":", 3)
	if len(parts) < 3 {
		return ""
	}
	return Scope(parts[2])
}

// Satisfies reports whether holding p satisfies the required permission:
// same resource and action, and p's scope at least as broad as required's.
// An actor holding "contract:read:all" satisfies "contract:read:own";
// the reverse does not hold.
func (p Permission) Satisfies(required Permission) bool {
	return p.Resource() == required.Resource() &&
		p.Action() == required.Action() &&
		p.Scope().Covers(required.Scope())
}

// PermissionSet is a set of permissions
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from the given permissions
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Add inserts a permission into the set
func (ps PermissionSet) Add(p Permission) {
	ps[p] = struct{}{}
}

// Union merges other into ps
func (ps PermissionSet) Union(other PermissionSet) {
	for p := range other {
		ps[p] = struct{}{}
	}
}

// SubtractCovered removes every held permission that the denied permission
// covers: same resource and action, with the denial's scope at least as
// broad. A denial of "contract:update:all" strips both the "all" and "own"
// variants; a denial of "contract:update:own" leaves "contract:update:all"
// intact.
func (ps PermissionSet) SubtractCovered(denied Permission) {
	for p := range ps {
		if denied.Satisfies(p) {
			delete(ps, p)
		}
	}
}

// Contains reports exact membership
func (ps PermissionSet) Contains(p Permission) bool {
	_, ok := ps[p]
	return ok
}

// Satisfier returns the held permission that satisfies required, if any
func (ps PermissionSet) Satisfier(required Permission) (Permission, bool) {
	for p := range ps {
		if p.Satisfies(required) {
			return p, true
		}
	}
	return "", false
}

// List returns the permissions sorted for stable output
func (ps PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(ps))
	for p := range ps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns a shallow copy of the set
func (ps PermissionSet) Clone() PermissionSet {
	out := make(PermissionSet, len(ps))
	for p := range ps {
		out[p] = struct{}{}
	}
	return out
}

// Mode selects how a multi-permission requirement is evaluated
type Mode string

const (
	ModeAll Mode = "all" // every listed permission is required
	ModeAny Mode = "any" // at least one listed permission suffices
)

// Principal is a verified actor identity supplied by the external
// authentication collaborator. The engine never issues or validates
// credentials itself.
type Principal struct {
	ActorID  string `json:"actor_id"`
	Username string `json:"username,omitempty"`

	// PartyRef is an optional external-system reference used as a
	// fallback when the actor has never selected an active tenant.
	PartyRef string `json:"party_ref,omitempty"`
}

// Membership records an actor's role within a tenant. At most one active
// membership exists per (actor, tenant); removal soft-invalidates the row.
type Membership struct {
	ID        int64     `json:"id"`
	ActorID   string    `json:"actor_id"`
	TenantID  *string   `json:"tenant_id,omitempty"` // nil for global role assignments
	Role      string    `json:"role"`
	IsOwner   bool      `json:"is_owner"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Grant is a per-actor, per-tenant, per-permission override of role
// defaults. Granted=false rows are explicit denials.
type Grant struct {
	ID         int64      `json:"id"`
	ActorID    string     `json:"actor_id"`
	TenantID   *string    `json:"tenant_id,omitempty"`
	Permission Permission `json:"permission"`
	Granted    bool       `json:"granted"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EffectiveAt reports whether the grant counts at the given instant.
// An expired grant is treated as absent regardless of IsActive.
func (g Grant) EffectiveAt(now time.Time) bool {
	if !g.IsActive {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Snapshot is a denormalized precomputation of an actor's effective roles
// and permissions within a tenant. Derived state only: it may be stale and
// is a fast-path hint, never the source of truth.
type Snapshot struct {
	ActorID     string       `json:"actor_id"`
	TenantID    *string      `json:"tenant_id,omitempty"`
	Roles       []string     `json:"roles"`
	Permissions []Permission `json:"permissions"`
	ComputedAt  time.Time    `json:"computed_at"`
}

// FreshAt reports whether the snapshot is within ttl of the given instant
func (s *Snapshot) FreshAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.ComputedAt) <= ttl
}

// DecisionCode distinguishes why a request was denied so operators can
// tell "policy denied" from "infrastructure degraded".
type DecisionCode string

const (
	CodeAllowed           DecisionCode = "allowed"
	CodeMissingPermission DecisionCode = "missing_permission"
	CodeNoActiveRole      DecisionCode = "no_active_role"
	CodeResolutionError   DecisionCode = "resolution_error"
)

// Decision is the outcome of a permission resolution
type Decision struct {
	Allowed            bool         `json:"allowed"`
	Code               DecisionCode `json:"code"`
	Reason             string       `json:"reason,omitempty"`
	MatchedRoles       []string     `json:"matched_roles,omitempty"`
	MatchedPermissions []Permission `json:"matched_permissions,omitempty"`
	MissingPermissions []Permission `json:"missing_permissions,omitempty"`
	Source             string       `json:"source,omitempty"` // snapshot or membership
	CheckedAt          time.Time    `json:"checked_at"`

	// Err carries the underlying storage failure for CodeResolutionError.
	// Never serialized; logging only.
	Err error `json:"-"`
}

// CheckRequest describes one permission resolution
type CheckRequest struct {
	ActorID  string
	TenantID *string
	Required []Permission
	Mode     Mode

	// AllowedRoles short-circuits to allow when the actor holds any of
	// these roles, regardless of the permission sets.
	AllowedRoles []string
}
