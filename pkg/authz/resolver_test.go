package authz

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shiftlane/shiftlane/pkg/observability"
)

type fakeSource struct {
	memberships    []Membership
	membershipsErr error
	grants         []Grant
	grantsErr      error
}

func (f *fakeSource) ActiveMemberships(ctx context.Context, actorID string, tenantID *string) ([]Membership, error) {
	return f.memberships, f.membershipsErr
}

func (f *fakeSource) ActiveGrants(ctx context.Context, actorID string, tenantID *string, now time.Time) ([]Grant, error) {
	return f.grants, f.grantsErr
}

type fakeSnapshots struct {
	snap *Snapshot
	err  error
}

func (f *fakeSnapshots) Get(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error) {
	return f.snap, f.err
}

func newTestResolver(t *testing.T, source MembershipSource, cache SnapshotSource) *Resolver {
	t.Helper()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewResolver(source, cache, DefaultCatalog(), 5*time.Minute, logger, metrics)
}

func check(perms ...Permission) CheckRequest {
	return CheckRequest{ActorID: "alice", TenantID: strPtr("acme"), Required: perms}
}

func TestResolver_RoleDefaults(t *testing.T) {
	// A manager updating an owned contract succeeds with no explicit
	// grant involved.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleManager, IsActive: true}},
	}
	r := newTestResolver(t, source, nil)

	d := r.Resolve(context.Background(), check("contract:update:own"))
	if !d.Allowed {
		t.Fatalf("expected allow, got %s (%s)", d.Code, d.Reason)
	}
	if d.Source != sourceMembership {
		t.Errorf("source = %s, want membership", d.Source)
	}
	if len(d.MatchedPermissions) != 1 || d.MatchedPermissions[0] != "contract:update:own" {
		t.Errorf("matched = %v", d.MatchedPermissions)
	}
}

func TestResolver_ScopeCoverage(t *testing.T) {
	// super_admin holds contract:update:all, which satisfies every
	// narrower scope.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleSuperAdmin, IsActive: true}},
	}
	r := newTestResolver(t, source, nil)

	for _, p := range []Permission{"contract:update:own", "contract:update:organization", "contract:update:all"} {
		d := r.Resolve(context.Background(), check(p))
		if !d.Allowed {
			t.Errorf("super_admin denied %s: %s", p, d.Reason)
		}
	}
}

func TestResolver_DenialWinsOverRole(t *testing.T) {
	// An admin whose contract:delete:organization was explicitly denied
	// is blocked even though the role default includes it.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleAdmin, IsActive: true}},
		grants: []Grant{{
			ActorID:    "alice",
			Permission: "contract:delete:organization",
			Granted:    false,
			IsActive:   true,
		}},
	}
	r := newTestResolver(t, source, nil)

	d := r.Resolve(context.Background(), check("contract:delete:organization"))
	if d.Allowed {
		t.Fatal("explicit denial should override role defaults")
	}
	if d.Code != CodeMissingPermission {
		t.Errorf("code = %s, want missing_permission", d.Code)
	}

	// Unrelated admin permissions are untouched
	d = r.Resolve(context.Background(), check("payroll:run:organization"))
	if !d.Allowed {
		t.Errorf("unrelated permission denied: %s", d.Reason)
	}
}

func TestResolver_DenialWinsOverStaleSnapshot(t *testing.T) {
	// The cached snapshot still carries the permission; the denial was
	// recorded after the last refresh. The live overlay must win.
	cache := &fakeSnapshots{snap: &Snapshot{
		ActorID:     "alice",
		TenantID:    strPtr("acme"),
		Roles:       []string{RoleAdmin},
		Permissions: []Permission{"contract:delete:organization", "payroll:run:organization"},
		ComputedAt:  time.Now(),
	}}
	source := &fakeSource{
		grants: []Grant{{
			ActorID:    "alice",
			Permission: "contract:delete:organization",
			Granted:    false,
			IsActive:   true,
		}},
	}
	r := newTestResolver(t, source, cache)

	d := r.Resolve(context.Background(), check("contract:delete:organization"))
	if d.Allowed {
		t.Fatal("denial must win even against a fresh-looking snapshot")
	}
	if d.Source != sourceSnapshot {
		t.Errorf("source = %s, want snapshot", d.Source)
	}

	d = r.Resolve(context.Background(), check("payroll:run:organization"))
	if !d.Allowed {
		t.Errorf("snapshot permission without a denial should allow: %s", d.Reason)
	}
}

func TestResolver_PositiveGrantExtendsRole(t *testing.T) {
	// A plain user granted payroll:run:organization ad hoc.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleUser, IsActive: true}},
		grants: []Grant{{
			ActorID:    "alice",
			Permission: "payroll:run:organization",
			Granted:    true,
			IsActive:   true,
		}},
	}
	r := newTestResolver(t, source, nil)

	d := r.Resolve(context.Background(), check("payroll:run:organization"))
	if !d.Allowed {
		t.Fatalf("positive grant ignored: %s", d.Reason)
	}
}

func TestResolver_NewestGrantRowWins(t *testing.T) {
	// Rows arrive newest first from the store. A re-grant after a
	// denial restores the permission.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleUser, IsActive: true}},
		grants: []Grant{
			{ActorID: "alice", Permission: "document:upload:organization", Granted: true, IsActive: true},
			{ActorID: "alice", Permission: "document:upload:organization", Granted: false, IsActive: true},
		},
	}
	r := newTestResolver(t, source, nil)

	d := r.Resolve(context.Background(), check("document:upload:organization"))
	if !d.Allowed {
		t.Fatalf("newest grant row should win: %s", d.Reason)
	}
}

func TestResolver_OverlaySkipsLapsedGrants(t *testing.T) {
	// A source that does not filter expiry (a cached or test double
	// implementation) must not let a lapsed or deactivated grant through
	// the overlay.
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleUser, IsActive: true}},
		grants: []Grant{
			{ActorID: "alice", Permission: "payroll:run:organization", Granted: true, IsActive: true, ExpiresAt: timePtr(time.Now().Add(-time.Second))},
			{ActorID: "alice", Permission: "member:invite:organization", Granted: true, IsActive: false},
		},
	}
	r := newTestResolver(t, source, nil)

	if d := r.Resolve(context.Background(), check("payroll:run:organization")); d.Allowed {
		t.Error("expired grant applied at overlay time")
	}
	if d := r.Resolve(context.Background(), check("member:invite:organization")); d.Allowed {
		t.Error("deactivated grant applied at overlay time")
	}
}

func TestSnapshotChain(t *testing.T) {
	snap := &Snapshot{
		ActorID:     "alice",
		TenantID:    strPtr("acme"),
		Roles:       []string{RoleManager},
		Permissions: []Permission{"contract:update:own"},
		ComputedAt:  time.Now(),
	}

	// A failing first layer degrades to the persisted one.
	chain := SnapshotChain{
		&fakeSnapshots{err: errors.New("redis down")},
		&fakeSnapshots{snap: snap},
	}
	got, err := chain.Get(context.Background(), "alice", strPtr("acme"))
	if err != nil {
		t.Fatalf("chain.Get failed: %v", err)
	}
	if got == nil || got.Roles[0] != RoleManager {
		t.Fatalf("chain should return the second layer's snapshot, got %+v", got)
	}

	// First hit wins without consulting later layers' content.
	chain = SnapshotChain{
		&fakeSnapshots{snap: snap},
		&fakeSnapshots{snap: &Snapshot{ActorID: "alice", Roles: []string{RoleGuest}}},
	}
	got, err = chain.Get(context.Background(), "alice", strPtr("acme"))
	if err != nil || got == nil || got.Roles[0] != RoleManager {
		t.Fatalf("first layer should win, got %+v (err %v)", got, err)
	}

	// All layers missing is a plain miss.
	chain = SnapshotChain{&fakeSnapshots{}, &fakeSnapshots{}}
	got, err = chain.Get(context.Background(), "alice", strPtr("acme"))
	if err != nil || got != nil {
		t.Fatalf("expected miss, got %+v (err %v)", got, err)
	}
}

func TestResolver_StaleSnapshotFallsThrough(t *testing.T) {
	cache := &fakeSnapshots{snap: &Snapshot{
		ActorID:     "alice",
		Roles:       []string{RoleAdmin},
		Permissions: []Permission{"payroll:run:organization"},
		ComputedAt:  time.Now().Add(-time.Hour), // past TTL
	}}
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleUser, IsActive: true}},
	}
	r := newTestResolver(t, source, cache)

	// The stale snapshot's admin permissions must not apply.
	d := r.Resolve(context.Background(), check("payroll:run:organization"))
	if d.Allowed {
		t.Fatal("stale snapshot applied")
	}
	if d.Source != sourceMembership {
		t.Errorf("source = %s, want membership", d.Source)
	}
}

func TestResolver_CacheErrorFallsThrough(t *testing.T) {
	cache := &fakeSnapshots{err: errors.New("redis down")}
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleManager, IsActive: true}},
	}
	r := newTestResolver(t, source, cache)

	d := r.Resolve(context.Background(), check("contract:update:own"))
	if !d.Allowed {
		t.Fatalf("cache failure should degrade to memberships, got %s", d.Code)
	}
}

func TestResolver_FailsClosed(t *testing.T) {
	// Membership store failure
	r := newTestResolver(t, &fakeSource{membershipsErr: errors.New("db down")}, nil)
	d := r.Resolve(context.Background(), check("contract:read:own"))
	if d.Allowed {
		t.Fatal("storage failure must deny")
	}
	if d.Code != CodeResolutionError {
		t.Errorf("code = %s, want resolution_error", d.Code)
	}
	if d.Err == nil {
		t.Error("decision should carry the underlying error")
	}

	// Grant store failure after a successful membership read
	r = newTestResolver(t, &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleAdmin, IsActive: true}},
		grantsErr:   errors.New("db down"),
	}, nil)
	d = r.Resolve(context.Background(), check("contract:read:own"))
	if d.Allowed {
		t.Fatal("grant load failure must deny even when roles resolved")
	}
	if d.Code != CodeResolutionError {
		t.Errorf("code = %s, want resolution_error", d.Code)
	}
}

func TestResolver_NoActiveRole(t *testing.T) {
	r := newTestResolver(t, &fakeSource{}, nil)

	d := r.Resolve(context.Background(), check("contract:read:own"))
	if d.Allowed {
		t.Fatal("actor without memberships allowed")
	}
	if d.Code != CodeNoActiveRole {
		t.Errorf("code = %s, want no_active_role", d.Code)
	}
}

func TestResolver_Modes(t *testing.T) {
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleUser, IsActive: true}},
	}
	r := newTestResolver(t, source, nil)

	req := check("attendance:read:own", "payroll:run:organization")
	req.Mode = ModeAny
	if d := r.Resolve(context.Background(), req); !d.Allowed {
		t.Errorf("ModeAny with one satisfied permission should allow: %s", d.Reason)
	}

	req.Mode = ModeAll
	d := r.Resolve(context.Background(), req)
	if d.Allowed {
		t.Error("ModeAll with a missing permission should deny")
	}
	if len(d.MissingPermissions) != 1 || d.MissingPermissions[0] != "payroll:run:organization" {
		t.Errorf("missing = %v", d.MissingPermissions)
	}
}

func TestResolver_AllowedRolesShortcut(t *testing.T) {
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleModerator, IsActive: true}},
	}
	r := newTestResolver(t, source, nil)

	req := check("payroll:run:organization")
	req.AllowedRoles = []string{RoleModerator}
	d := r.Resolve(context.Background(), req)
	if !d.Allowed {
		t.Fatalf("role allowlist should bypass the permission check: %s", d.Reason)
	}
	if len(d.MatchedRoles) != 1 || d.MatchedRoles[0] != RoleModerator {
		t.Errorf("matched roles = %v", d.MatchedRoles)
	}
}

func TestResolver_OwnerFlagGrantsOwnerDefaults(t *testing.T) {
	source := &fakeSource{
		memberships: []Membership{{ActorID: "alice", Role: RoleAdmin, IsOwner: true, IsActive: true}},
	}
	r := newTestResolver(t, source, nil)

	d := r.Resolve(context.Background(), check("company:transfer:organization"))
	if !d.Allowed {
		t.Fatalf("owner flag should add owner defaults: %s", d.Reason)
	}
}
