package tenants

import (
	"context"
	"database/sql"
	"fmt"
)

// Service reads tenant records and actor-to-tenant associations
type Service struct {
	db *sql.DB
}

// NewService creates a tenant service backed by the given database handle
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// GetTenant returns a tenant by ID, or nil when none exists
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `
		SELECT id, name, party_ref, is_active, created_at, updated_at
		FROM tenants
		WHERE id = $1`

	var t Tenant
	var partyRef sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&t.ID, &t.Name, &partyRef, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	t.PartyRef = partyRef.String
	return &t, nil
}

// ActiveTenantID returns the tenant the actor currently has selected, or
// nil when the actor has no active tenant pointer
func (s *Service) ActiveTenantID(ctx context.Context, actorID string) (*string, error) {
	query := `
		SELECT active_tenant_id
		FROM actor_settings
		WHERE actor_id = $1`

	var tenantID sql.NullString
	err := s.db.QueryRowContext(ctx, query, actorID).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active tenant: %w", err)
	}
	if !tenantID.Valid {
		return nil, nil
	}
	return &tenantID.String, nil
}

// TenantIDByPartyRef returns the tenant holding the given external party
// reference, or nil when none matches
func (s *Service) TenantIDByPartyRef(ctx context.Context, partyRef string) (*string, error) {
	query := `
		SELECT id
		FROM tenants
		WHERE party_ref = $1 AND is_active = TRUE`

	var id string
	err := s.db.QueryRowContext(ctx, query, partyRef).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up tenant by party ref: %w", err)
	}
	return &id, nil
}
