package authz

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shiftlane/shiftlane/pkg/observability"
)

// MembershipSource yields the live role bindings and grant rows for an
// actor. Satisfied by *Store; tests substitute fakes.
type MembershipSource interface {
	ActiveMemberships(ctx context.Context, actorID string, tenantID *string) ([]Membership, error)
	ActiveGrants(ctx context.Context, actorID string, tenantID *string, now time.Time) ([]Grant, error)
}

// SnapshotSource yields precomputed snapshots. A (nil, nil) return is a
// miss. Satisfied by *SnapshotCache and *Store.
type SnapshotSource interface {
	Get(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error)
}

// SnapshotChain consults sources in order and returns the first snapshot
// found, typically the Redis cache backed by the persisted snapshot rows.
// A failing layer is skipped so a cache outage degrades to the next one;
// all layers missing is an ordinary miss.
type SnapshotChain []SnapshotSource

func (c SnapshotChain) Get(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error) {
	var lastErr error
	for _, src := range c {
		snap, err := src.Get(ctx, actorID, tenantID)
		if err != nil {
			lastErr = err
			continue
		}
		if snap != nil {
			return snap, nil
		}
	}
	return nil, lastErr
}

// Resolver computes permission decisions. Sources are consulted in order,
// snapshot first, then live memberships; whichever supplies the base set,
// the explicit grant overlay is always applied afterwards so a denial
// recorded after the last refresh still wins.
type Resolver struct {
	source   MembershipSource
	cache    SnapshotSource // may be nil
	catalog  *Catalog
	ttl      time.Duration
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewResolver creates a resolver. cache may be nil to disable the
// snapshot fast path entirely.
func NewResolver(source MembershipSource, cache SnapshotSource, catalog *Catalog, ttl time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		source:  source,
		cache:   cache,
		catalog: catalog,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

const (
	sourceSnapshot   = "snapshot"
	sourceMembership = "membership"
)

// Resolve answers one permission check. It never returns an error: any
// storage failure on the membership or grant path produces a denied
// decision with CodeResolutionError, so callers cannot accidentally treat
// a degraded check as an allow.
func (r *Resolver) Resolve(ctx context.Context, req CheckRequest) *Decision {
	tracer := otel.Tracer("shiftlane/authz")
	ctx, span := tracer.Start(ctx, "authz.Resolve", trace.WithAttributes(
		attribute.String("authz.actor_id", req.ActorID),
		attribute.Int("authz.required", len(req.Required)),
	))
	defer span.End()

	start := r.now()

	base, roles, source, errDecision := r.baseSet(ctx, req)
	if errDecision != nil {
		r.finish(req, errDecision, source, start)
		return errDecision
	}

	// The overlay runs on every path. A snapshot can be up to a TTL
	// stale; an explicit denial written after it was computed must still
	// be honored.
	effective, err := r.applyGrants(ctx, req, base)
	if err != nil {
		d := r.failClosed(req, fmt.Errorf("failed to load grants: %w", err))
		r.finish(req, d, source, start)
		return d
	}

	d := r.decide(req, effective, roles, source)
	r.finish(req, d, source, start)
	return d
}

// baseSet resolves the pre-overlay permission set. Cache failures degrade
// to the membership path; membership failures fail closed.
func (r *Resolver) baseSet(ctx context.Context, req CheckRequest) (PermissionSet, []string, string, *Decision) {
	now := r.now()

	if r.cache != nil {
		snap, err := r.cache.Get(ctx, req.ActorID, req.TenantID)
		if err != nil {
			// The cache is a hint. Log and fall through to the live path.
			r.logger.WithError(err).WithField("actor_id", req.ActorID).
				Debug("Snapshot cache read failed, falling back to memberships")
		} else if snap != nil && snap.FreshAt(now, r.ttl) {
			r.metrics.SnapshotHitsTotal.Inc()
			set := NewPermissionSet(snap.Permissions...)
			return set, snap.Roles, sourceSnapshot, nil
		}
		r.metrics.SnapshotMissesTotal.Inc()
	}

	memberships, err := r.source.ActiveMemberships(ctx, req.ActorID, req.TenantID)
	if err != nil {
		return nil, nil, sourceMembership, r.failClosed(req, fmt.Errorf("failed to load memberships: %w", err))
	}

	set := make(PermissionSet)
	var roles []string
	for _, m := range memberships {
		roles = append(roles, m.Role)
		set.Union(r.catalog.ExpandRole(m.Role))
		if m.IsOwner {
			set.Union(r.catalog.ExpandRole(RoleOwner))
		}
	}
	return set, roles, sourceMembership, nil
}

// applyGrants overlays explicit grants onto the base set. Rows arrive
// newest first; the first row seen per permission is the effective
// override and later rows for the same permission are ignored. Expiry is
// re-checked here even though the store already filters it, so a source
// that serves cached or broader result sets cannot resurrect a lapsed
// grant.
func (r *Resolver) applyGrants(ctx context.Context, req CheckRequest, base PermissionSet) (PermissionSet, error) {
	now := r.now()
	grants, err := r.source.ActiveGrants(ctx, req.ActorID, req.TenantID, now)
	if err != nil {
		return nil, err
	}

	effective := base.Clone()
	seen := make(map[Permission]bool, len(grants))
	for _, g := range grants {
		if seen[g.Permission] || !g.EffectiveAt(now) {
			continue
		}
		seen[g.Permission] = true
		if g.Granted {
			effective.Add(g.Permission)
		} else {
			effective.SubtractCovered(g.Permission)
		}
	}
	return effective, nil
}

func (r *Resolver) decide(req CheckRequest, effective PermissionSet, roles []string, source string) *Decision {
	d := &Decision{
		Code:      CodeAllowed,
		Source:    source,
		CheckedAt: r.now(),
	}

	for _, want := range req.AllowedRoles {
		for _, have := range roles {
			if have == want {
				d.Allowed = true
				d.MatchedRoles = []string{have}
				d.Reason = fmt.Sprintf("role %s is allowed", have)
				return d
			}
		}
	}

	if len(roles) == 0 && len(effective) == 0 {
		d.Code = CodeNoActiveRole
		d.Reason = "no active role in this tenant"
		d.MissingPermissions = req.Required
		return d
	}

	var matched, missing []Permission
	for _, p := range req.Required {
		if satisfier, ok := effective.Satisfier(p); ok {
			matched = append(matched, satisfier)
		} else {
			missing = append(missing, p)
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeAll
	}

	switch {
	case mode == ModeAny && len(matched) > 0:
		d.Allowed = true
	case mode == ModeAll && len(missing) == 0:
		d.Allowed = true
	default:
		d.Code = CodeMissingPermission
		d.Reason = "insufficient permissions"
	}

	d.MatchedRoles = roles
	d.MatchedPermissions = matched
	d.MissingPermissions = missing
	return d
}

// failClosed produces the denial used for every storage failure
func (r *Resolver) failClosed(req CheckRequest, err error) *Decision {
	return &Decision{
		Allowed:            false,
		Code:               CodeResolutionError,
		Reason:             "authorization could not be resolved",
		MissingPermissions: req.Required,
		CheckedAt:          r.now(),
		Err:                err,
	}
}

func (r *Resolver) finish(req CheckRequest, d *Decision, source string, start time.Time) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	r.metrics.AuthzDecisionsTotal.WithLabelValues(outcome).Inc()
	r.metrics.AuthzResolutionSeconds.WithLabelValues(source).Observe(r.now().Sub(start).Seconds())

	log := r.logger.
		WithField("actor_id", req.ActorID).
		WithField("outcome", outcome).
		WithField("code", string(d.Code)).
		WithField("source", d.Source)
	if req.TenantID != nil {
		log = log.WithField("tenant_id", *req.TenantID)
	}
	if d.Err != nil {
		log.WithError(d.Err).Error("Authorization check failed closed")
		return
	}
	log.Debug("Authorization decision")
}
