// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/shiftlane/shiftlane/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.PrincipalKey, principal)
//   principal := ctx.Value(contextkeys.PrincipalKey).(*authz.Principal)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains the verified *authz.Principal for the request
	// Set by: the host authentication layer, before the request guard runs
	// Required by: middleware.Guard, all guarded endpoints
	PrincipalKey Key = "principal"

	// TenantScopeKey contains *tenants.Scope for the active tenant
	// Set by: middleware.Guard after scope resolution
	// Used by: handlers that filter rows by tenant/party reference
	TenantScopeKey Key = "tenant_scope"

	// DecisionKey contains the *authz.Decision that admitted the request
	// Set by: middleware.Guard on allow
	// Used by: handlers that audit-log matched roles/permissions
	DecisionKey Key = "authz_decision"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware
	// Used by: Logger, audit trail
	RequestIDKey Key = "request_id"

	// LoggerKey contains *observability.Logger
	// Set by: Observability middleware
	// Used by: Handlers that need structured logging with request context
	LoggerKey Key = "logger"
)

// Helper functions for type-safe context operations

// WithPrincipal adds the verified principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithTenantScope adds the resolved tenant scope to the context
func WithTenantScope(ctx context.Context, scope interface{}) context.Context {
	return context.WithValue(ctx, TenantScopeKey, scope)
}

// WithDecision adds the admitting authorization decision to the context
func WithDecision(ctx context.Context, decision interface{}) context.Context {
	return context.WithValue(ctx, DecisionKey, decision)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
