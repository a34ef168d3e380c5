package middleware

import (
	"net/http"

	"github.com/shiftlane/shiftlane/pkg/contextkeys"
	"github.com/shiftlane/shiftlane/pkg/entitlements"
	"github.com/shiftlane/shiftlane/pkg/httputil"
	"github.com/shiftlane/shiftlane/pkg/observability"
	"github.com/shiftlane/shiftlane/pkg/tenants"
)

// QuotaGuard enforces plan limits and feature gates on HTTP routes.
//
// REQUIRES: Guard.Authenticate must run first so the tenant scope is in
// context. Without a resolved tenant the check is skipped, not denied;
// routes that must have a tenant add Guard.RequireTenant before this.
type QuotaGuard struct {
	enforcer *entitlements.Enforcer
	logger   *observability.Logger
}

// NewQuotaGuard creates a quota guard
func NewQuotaGuard(enforcer *entitlements.Enforcer, logger *observability.Logger) *QuotaGuard {
	return &QuotaGuard{enforcer: enforcer, logger: logger}
}

// EnforceQuota blocks the request with 403 when admitting it would push
// the tenant past its plan limit for the resource
func (q *QuotaGuard) EnforceQuota(resource string, increment int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFromContext(r)
		if tenantID == nil {
			next.ServeHTTP(w, r)
			return
		}

		result, err := q.enforcer.Check(r.Context(), *tenantID, resource, increment)
		if err != nil {
			if entitlements.IsQuotaExceeded(err) {
				writeQuotaExceeded(w, result, err)
				return
			}
			q.logger.WithError(err).WithField("resource", resource).Error("Quota check failed")
			httputil.WriteInternalError(w, "quota check failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequireFeature blocks the request with 403 unless the tenant's plan
// includes the feature. The process-wide unlimited override does not
// bypass feature gates.
func (q *QuotaGuard) RequireFeature(feature string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := tenantFromContext(r)
		if tenantID == nil {
			next.ServeHTTP(w, r)
			return
		}

		if err := q.enforcer.RequireFeature(r.Context(), *tenantID, feature); err != nil {
			if entitlements.IsQuotaExceeded(err) {
				writeQuotaExceeded(w, nil, err)
				return
			}
			q.logger.WithError(err).WithField("feature", feature).Error("Feature check failed")
			httputil.WriteInternalError(w, "feature check failed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func tenantFromContext(r *http.Request) *string {
	scope, ok := r.Context().Value(contextkeys.TenantScopeKey).(*tenants.Scope)
	if !ok || !scope.Resolved() {
		return nil
	}
	return scope.TenantID
}

func writeQuotaExceeded(w http.ResponseWriter, result *entitlements.QuotaResult, err error) {
	body := map[string]interface{}{
		"error": err.Error(),
		"code":  "quota_exceeded",
	}
	if result != nil {
		body["resource"] = result.Resource
		body["current"] = result.Current
		if result.Limit != nil {
			body["limit"] = *result.Limit
		}
		if result.Plan != "" {
			body["plan"] = result.Plan
		}
	}

	httputil.WriteJSON(w, http.StatusForbidden, body)
}
