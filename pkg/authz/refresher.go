package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shiftlane/shiftlane/pkg/async"
	"github.com/shiftlane/shiftlane/pkg/observability"
)

// sweepWorkers bounds concurrent refreshes during a sweep so the
// database is not flooded after a long gap.
const sweepWorkers = 4

// SnapshotWriter persists computed snapshots. Satisfied by *Store.
type SnapshotWriter interface {
	UpsertSnapshot(ctx context.Context, snap *Snapshot) error
	ActorIDsWithMemberships(ctx context.Context) ([]SnapshotKey, error)
}

// CacheWriter pushes snapshots into the cache layer. Satisfied by
// *SnapshotCache.
type CacheWriter interface {
	Set(ctx context.Context, snap *Snapshot) error
	Invalidate(ctx context.Context, actorID string, tenantID *string) error
}

// Refresher recomputes permission snapshots on a schedule and on demand.
// It is the only writer of snapshot state; the request path only reads.
// Snapshots bake in role defaults and positive grants; denials are left
// to the resolver's live overlay, so a snapshot can only ever over-state
// permissions by the cache TTL and never survive an explicit denial.
type Refresher struct {
	source  MembershipSource
	store   SnapshotWriter
	cache   CacheWriter // may be nil
	catalog *Catalog
	log     *logrus.Logger
	metrics *observability.Metrics
	group   singleflight.Group
	cron    *cron.Cron
	now     func() time.Time
}

// NewRefresher creates a refresher. cache may be nil when Redis is
// disabled; snapshots are still persisted to the database.
func NewRefresher(source MembershipSource, store SnapshotWriter, cache CacheWriter, catalog *Catalog, log *logrus.Logger, metrics *observability.Metrics) *Refresher {
	if log == nil {
		log = logrus.New()
	}
	return &Refresher{
		source:  source,
		store:   store,
		cache:   cache,
		catalog: catalog,
		log:     log,
		metrics: metrics,
		now:     time.Now,
	}
}

// Start schedules the periodic sweep using a cron spec such as
// "@every 10m". Call Stop to shut the scheduler down.
func (r *Refresher) Start(schedule string) error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(schedule, func() {
		if err := r.Sweep(context.Background()); err != nil {
			r.log.WithError(err).Error("Snapshot sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule snapshot sweep: %w", err)
	}
	r.cron.Start()
	r.log.WithField("schedule", schedule).Info("Snapshot refresher started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish
func (r *Refresher) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep recomputes snapshots for every actor with an active membership.
// Refreshes run a few at a time; one failing actor does not stop the
// rest.
func (r *Refresher) Sweep(ctx context.Context) error {
	keys, err := r.store.ActorIDsWithMemberships(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshot keys: %w", err)
	}

	errs := async.ForEach(ctx, keys, sweepWorkers, func(ctx context.Context, key SnapshotKey) error {
		if err := r.Trigger(ctx, key.ActorID, key.TenantID); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"actor_id":  key.ActorID,
				"tenant_id": key.TenantID,
			}).Warn("Snapshot refresh failed")
			return err
		}
		return nil
	})

	r.log.WithFields(logrus.Fields{
		"total":  len(keys),
		"failed": len(errs),
	}).Info("Snapshot sweep complete")

	if len(errs) > 0 {
		return fmt.Errorf("snapshot sweep: %d of %d refreshes failed", len(errs), len(keys))
	}
	return nil
}

// Trigger recomputes one actor's snapshot immediately. Concurrent
// triggers for the same actor and tenant collapse into a single
// computation.
func (r *Refresher) Trigger(ctx context.Context, actorID string, tenantID *string) error {
	key := snapshotKey(actorID, tenantID)
	_, err, _ := r.group.Do(key, func() (interface{}, error) {
		return nil, r.refresh(ctx, actorID, tenantID)
	})
	return err
}

func (r *Refresher) refresh(ctx context.Context, actorID string, tenantID *string) error {
	now := r.now()

	memberships, err := r.source.ActiveMemberships(ctx, actorID, tenantID)
	if err != nil {
		r.metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load memberships: %w", err)
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

	grants, err := r.source.ActiveGrants(ctx, actorID, tenantID, now)
	if err != nil {
		r.metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load grants: %w", err)
	}
	seen := make(map[Permission]bool, len(grants))
	for _, g := range grants {
		if seen[g.Permission] {
			continue
		}
		seen[g.Permission] = true
		if g.Granted {
			set.Add(g.Permission)
		}
	}

	snap := &Snapshot{
		ActorID:     actorID,
		TenantID:    tenantID,
		Roles:       roles,
		Permissions: set.List(),
		ComputedAt:  now,
	}

	if err := r.store.UpsertSnapshot(ctx, snap); err != nil {
		r.metrics.SnapshotRefreshTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, snap); err != nil {
			// The database copy is authoritative; a cache write failure
			// just means slower checks until the next refresh.
			r.log.WithError(err).WithField("actor_id", actorID).Warn("Failed to cache snapshot")
		}
	}

	r.metrics.SnapshotRefreshTotal.WithLabelValues("ok").Inc()
	return nil
}

// Evict drops the cached snapshot for an actor, forcing the next check
// onto the live membership path until the next refresh
func (r *Refresher) Evict(ctx context.Context, actorID string, tenantID *string) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, actorID, tenantID)
}
