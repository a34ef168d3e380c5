// Package middleware provides HTTP middleware for authentication,
// permission checks, and quota enforcement.
//
// # Middleware Ordering Requirements
//
// The guards have strict ordering dependencies. Incorrect order causes
// permission checks to run without a principal (every request gets 401)
// or quota checks to run without a tenant (checks silently skipped).
//
// REQUIRED ORDERING (outer to inner):
//  1. Guard.Authenticate - sets the principal and tenant scope in context
//  2. Guard.RequirePermission / RequireAnyPermission / RequireAllPermissions
//  3. Guard.RequireTenant - for write paths that must have a concrete tenant
//  4. QuotaGuard.EnforceQuota / RequireFeature
//
// Example (correct):
//
//	r := mux.NewRouter()
//	r.Use(guard.Authenticate)
//	r.Handle("/contracts",
//	    guard.RequirePermission("contract:create:organization",
//	        quotaGuard.EnforceQuota(entitlements.ResourceContracts, 1, createHandler))).
//	    Methods("POST")
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shiftlane/shiftlane/pkg/async"
	"github.com/shiftlane/shiftlane/pkg/audit"
	"github.com/shiftlane/shiftlane/pkg/authz"
	"github.com/shiftlane/shiftlane/pkg/contextkeys"
	"github.com/shiftlane/shiftlane/pkg/httputil"
	"github.com/shiftlane/shiftlane/pkg/observability"
	"github.com/shiftlane/shiftlane/pkg/tenants"
)

// Authenticator turns a request into a principal. Implementations wrap
// whatever credential the deployment uses (session cookie, bearer token
// validated upstream). A nil principal with a nil error means the request
// carries no usable credential.
type Authenticator interface {
	Authenticate(r *http.Request) (*authz.Principal, error)
}

// Guard wires authentication, tenant scoping, and permission checks into
// HTTP handler chains
type Guard struct {
	auth     Authenticator
	scopes   *tenants.ScopeResolver
	resolver *authz.Resolver
	trail    audit.Trail
	logger   *observability.Logger
}

// NewGuard creates a guard. trail may be nil to disable the decision
// trail.
func NewGuard(auth Authenticator, scopes *tenants.ScopeResolver, resolver *authz.Resolver, trail audit.Trail, logger *observability.Logger) *Guard {
	if trail == nil {
		trail = audit.NopTrail{}
	}
	return &Guard{
		auth:     auth,
		scopes:   scopes,
		resolver: resolver,
		trail:    trail,
		logger:   logger,
	}
}

// Authenticate resolves the principal and tenant scope and stores both in
// the request context. Unauthenticated requests get 401 immediately; the
// permission resolver is never consulted for them. Tenant scope
// resolution is best effort here, write paths tighten it with
// RequireTenant.
func (g *Guard) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if contextkeys.GetRequestID(ctx) == "" {
			ctx = contextkeys.WithRequestID(ctx, uuid.New().String())
		}

		principal, err := g.auth.Authenticate(r)
		if err != nil {
			g.logger.WithError(err).Warn("Authentication failed")
			httputil.WriteUnauthorized(w, "authentication failed")
			return
		}
		if principal == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		scope := g.scopes.Resolve(ctx, principal.ActorID, principal.PartyRef)

		ctx = contextkeys.WithPrincipal(ctx, principal)
		ctx = contextkeys.WithTenantScope(ctx, scope)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequirePermission allows the request only when the principal holds the
// given permission (directly or via a broader scope)
func (g *Guard) RequirePermission(permission string, next http.Handler) http.Handler {
	return g.require([]string{permission}, authz.ModeAll, next)
}

// RequireAnyPermission allows the request when the principal holds at
// least one of the given permissions
func (g *Guard) RequireAnyPermission(permissions []string, next http.Handler) http.Handler {
	return g.require(permissions, authz.ModeAny, next)
}

// RequireAllPermissions allows the request only when the principal holds
// every one of the given permissions
func (g *Guard) RequireAllPermissions(permissions []string, next http.Handler) http.Handler {
	return g.require(permissions, authz.ModeAll, next)
}

func (g *Guard) require(permissions []string, mode authz.Mode, next http.Handler) http.Handler {
	required := make([]authz.Permission, 0, len(permissions))
	for _, raw := range permissions {
		p, err := authz.ParsePermission(raw)
		if err != nil {
			// Route tables are static; a bad identifier is a programming
			// error worth failing loudly at startup.
			panic(err)
		}
		required = append(required, p)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		principal, ok := ctx.Value(contextkeys.PrincipalKey).(*authz.Principal)
		if !ok || principal == nil {
			httputil.WriteUnauthorized(w, "authentication required")
			return
		}

		var tenantID *string
		if scope, ok := ctx.Value(contextkeys.TenantScopeKey).(*tenants.Scope); ok && scope != nil {
			tenantID = scope.TenantID
		}

		decision := g.resolver.Resolve(ctx, authz.CheckRequest{
			ActorID:  principal.ActorID,
			TenantID: tenantID,
			Required: required,
			Mode:     mode,
		})

		// The trail is best effort and must never slow the request down.
		event := audit.FromDecision(principal.ActorID, tenantID, required, decision, r)
		async.SafeGo(ctx, 5*time.Second, "decision trail record", func(ctx context.Context) error {
			return g.trail.Record(ctx, event)
		})

		if !decision.Allowed {
			writeDenial(w, decision)
			return
		}

		next.ServeHTTP(w, r.WithContext(contextkeys.WithDecision(ctx, decision)))
	})
}

// RequireTenant rejects requests whose tenant scope is absent or
// degraded. Put this on every write path: a degraded scope is fine for
// reads but must never let a write land in the wrong tenant.
func (g *Guard) RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := r.Context().Value(contextkeys.TenantScopeKey).(*tenants.Scope)
		if !ok || !scope.Resolved() {
			httputil.WriteBadRequest(w, "a tenant context is required for this operation")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeDenial renders a 403 with the decision detail, or a 503 when the
// denial came from a resolution failure rather than policy
func writeDenial(w http.ResponseWriter, d *authz.Decision) {
	status := http.StatusForbidden
	message := "insufficient permissions"
	if d.Code == authz.CodeResolutionError {
		status = http.StatusServiceUnavailable
		message = "authorization temporarily unavailable"
	}

	httputil.WriteJSON(w, status, map[string]interface{}{
		"error":               message,
		"code":                d.Code,
		"missing_permissions": d.MissingPermissions,
	})
}
