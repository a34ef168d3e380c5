package authz

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store reads memberships, explicit grants, and persisted snapshots from
// the database. Placeholders use $N so the same statements run against
// PostgreSQL and the SQLite driver used in tests.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ActiveMemberships returns the active role bindings for an actor within a
// tenant. Platform-wide bindings (NULL tenant) are always included so
// global operators keep their roles inside any tenant.
func (s *Store) ActiveMemberships(ctx context.Context, actorID string, tenantID *string) ([]Membership, error) {
	query := `
		SELECT id, actor_id, tenant_id, role, is_owner, is_active, created_at, updated_at
		FROM memberships
		WHERE actor_id = $1
		  AND is_active = TRUE
		  AND (tenant_id IS NULL OR tenant_id = $2)
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, actorID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.ID, &m.ActorID, &m.TenantID, &m.Role, &m.IsOwner, &m.IsActive, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memberships: %w", err)
	}

	return memberships, nil
}

// ActiveGrants returns the active, unexpired grant rows for an actor in a
// tenant, newest first so the caller can treat the first row per
// permission as the effective override. The comparison time is passed in
// rather than taken from the database clock so callers and tests agree on
// "now".
func (s *Store) ActiveGrants(ctx context.Context, actorID string, tenantID *string, now time.Time) ([]Grant, error) {
	query := `
		SELECT id, actor_id, tenant_id, permission, granted, is_active, expires_at, created_at
		FROM permission_grants
		WHERE actor_id = $1
		  AND is_active = TRUE
		  AND (tenant_id IS NULL OR tenant_id = $2)
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, actorID, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var rawPerm string
		if err := rows.Scan(&g.ID, &g.ActorID, &g.TenantID, &rawPerm, &g.Granted, &g.IsActive, &g.ExpiresAt, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		p, err := ParsePermission(rawPerm)
		if err != nil {
			return nil, fmt.Errorf("grant %d: %w", g.ID, err)
		}
		g.Permission = p
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate grants: %w", err)
	}

	return grants, nil
}

// GetSnapshot returns the persisted permission snapshot for an actor and
// tenant, or nil when none exists
func (s *Store) GetSnapshot(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error) {
	query := `
		SELECT actor_id, tenant_id, roles, permissions, computed_at
		FROM permission_snapshots
		WHERE actor_id = $1
		  AND (tenant_id = $2 OR (tenant_id IS NULL AND $2 IS NULL))`

	var snap Snapshot
	var rolesJSON, permsJSON []byte
	err := s.db.QueryRowContext(ctx, query, actorID, tenantID).
		Scan(&snap.ActorID, &snap.TenantID, &rolesJSON, &permsJSON, &snap.ComputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshot: %w", err)
	}

	if err := json.Unmarshal(rolesJSON, &snap.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot roles: %w", err)
	}
	if err := json.Unmarshal(permsJSON, &snap.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot permissions: %w", err)
	}

	return &snap, nil
}

// Get implements SnapshotSource over the persisted rows, the layer behind
// the Redis cache in the resolver's snapshot chain
func (s *Store) Get(ctx context.Context, actorID string, tenantID *string) (*Snapshot, error) {
	return s.GetSnapshot(ctx, actorID, tenantID)
}

// UpsertSnapshot writes a computed snapshot. Only the refresher calls
// this; request-path code never writes.
func (s *Store) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	rolesJSON, err := json.Marshal(snap.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot roles: %w", err)
	}
	permsJSON, err := json.Marshal(snap.Permissions)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot permissions: %w", err)
	}

	// The conflict target matches the COALESCE unique index so upserts
	// also fire for NULL-tenant rows, which plain column targets treat
	// as always distinct.
	query := `
		INSERT INTO permission_snapshots (actor_id, tenant_id, roles, permissions, computed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (actor_id, COALESCE(tenant_id, ''))
		DO UPDATE SET roles = $3, permissions = $4, computed_at = $5`

	if _, err := s.db.ExecContext(ctx, query, snap.ActorID, snap.TenantID, rolesJSON, permsJSON, snap.ComputedAt); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// ActorIDsWithMemberships returns distinct (actor, tenant) pairs with at
// least one active membership, used by the refresher sweep
func (s *Store) ActorIDsWithMemberships(ctx context.Context) ([]SnapshotKey, error) {
	query := `
		SELECT DISTINCT actor_id, tenant_id
		FROM memberships
		WHERE is_active = TRUE`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query membership keys: %w", err)
	}
	defer rows.Close()

	var keys []SnapshotKey
	for rows.Next() {
		var k SnapshotKey
		if err := rows.Scan(&k.ActorID, &k.TenantID); err != nil {
			return nil, fmt.Errorf("failed to scan membership key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate membership keys: %w", err)
	}

	return keys, nil
}

// SnapshotKey identifies one snapshot by actor and tenant
type SnapshotKey struct {
	ActorID  string
	TenantID *string
}
