package tenants

import (
	"context"

	"github.com/shiftlane/shiftlane/pkg/observability"
)

// Lookup is the part of Service the scope resolver needs
type Lookup interface {
	ActiveTenantID(ctx context.Context, actorID string) (*string, error)
	TenantIDByPartyRef(ctx context.Context, partyRef string) (*string, error)
	GetTenant(ctx context.Context, id string) (*Tenant, error)
}

// ScopeResolver turns an authenticated actor into a tenant scope. The
// actor's active-tenant pointer wins; an external party reference is the
// fallback for actors provisioned by an upstream system that have never
// selected a tenant.
type ScopeResolver struct {
	lookup Lookup
	logger *observability.Logger
}

// NewScopeResolver creates a scope resolver
func NewScopeResolver(lookup Lookup, logger *observability.Logger) *ScopeResolver {
	return &ScopeResolver{lookup: lookup, logger: logger}
}

// Resolve determines the tenant scope for an actor. Lookup failures
// degrade rather than error: the returned scope has no tenant and is
// marked Degraded, so read paths keep working while write paths reject
// it. Callers that must not proceed without a tenant check
// Scope.Resolved.
func (r *ScopeResolver) Resolve(ctx context.Context, actorID, partyRef string) *Scope {
	tenantID, err := r.lookup.ActiveTenantID(ctx, actorID)
	if err != nil {
		r.logger.WithError(err).WithField("actor_id", actorID).
			Warn("Active tenant lookup failed, degrading scope")
		return &Scope{PartyRef: partyRef, Degraded: true}
	}
	if tenantID != nil {
		return &Scope{TenantID: tenantID, PartyRef: r.partyRefFor(ctx, *tenantID, partyRef)}
	}

	if partyRef == "" {
		return &Scope{}
	}

	tenantID, err = r.lookup.TenantIDByPartyRef(ctx, partyRef)
	if err != nil {
		r.logger.WithError(err).WithField("party_ref", partyRef).
			Warn("Party ref tenant lookup failed, degrading scope")
		return &Scope{PartyRef: partyRef, Degraded: true}
	}
	if tenantID == nil {
		return &Scope{PartyRef: partyRef}
	}
	return &Scope{TenantID: tenantID, PartyRef: partyRef}
}

// partyRefFor resolves the tenant's stored party reference, the one extra
// lookup downstream row filters depend on. Failures are swallowed: the
// scope keeps its tenant and falls back to whatever reference the caller
// supplied, which may be empty.
func (r *ScopeResolver) partyRefFor(ctx context.Context, tenantID, fallback string) string {
	tenant, err := r.lookup.GetTenant(ctx, tenantID)
	if err != nil {
		r.logger.WithError(err).WithField("tenant_id", tenantID).
			Warn("Tenant party ref lookup failed, using caller-supplied reference")
		return fallback
	}
	if tenant != nil && tenant.PartyRef != "" {
		return tenant.PartyRef
	}
	return fallback
}
