package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shiftlane/shiftlane/pkg/contextkeys"
	"github.com/shiftlane/shiftlane/pkg/entitlements"
	"github.com/shiftlane/shiftlane/pkg/observability"
	"github.com/shiftlane/shiftlane/pkg/tenants"
)

type stubPlans struct {
	plan  *entitlements.Plan
	usage int64
}

func (s *stubPlans) GetActivePlan(ctx context.Context, tenantID string) (*entitlements.Plan, error) {
	return s.plan, nil
}

func (s *stubPlans) CountUsage(ctx context.Context, tenantID, resource string) (int64, error) {
	return s.usage, nil
}

func limit(v int64) *int64 { return &v }

func newTestQuotaGuard(plans entitlements.PlanSource) *QuotaGuard {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewQuotaGuard(entitlements.NewEnforcer(plans, false, logger, metrics), logger)
}

func scopedRequest(t *testing.T, tenantID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "/contracts", nil)
	scope := &tenants.Scope{TenantID: &tenantID}
	return req.WithContext(contextkeys.WithTenantScope(req.Context(), scope))
}

func TestQuotaGuard_Allows(t *testing.T) {
	q := newTestQuotaGuard(&stubPlans{
		plan:  &entitlements.Plan{Name: "starter", Limits: map[string]*int64{entitlements.ResourceContracts: limit(10)}},
		usage: 3,
	})
	handler, hits := okHandler()

	rec := httptest.NewRecorder()
	q.EnforceQuota(entitlements.ResourceContracts, 1, handler).ServeHTTP(rec, scopedRequest(t, "acme"))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if *hits != 1 {
		t.Error("handler should have run")
	}
}

func TestQuotaGuard_DeniesWithStructuredBody(t *testing.T) {
	q := newTestQuotaGuard(&stubPlans{
		plan:  &entitlements.Plan{Name: "starter", Limits: map[string]*int64{entitlements.ResourceContracts: limit(10)}},
		usage: 10,
	})
	handler, hits := okHandler()

	rec := httptest.NewRecorder()
	q.EnforceQuota(entitlements.ResourceContracts, 1, handler).ServeHTTP(rec, scopedRequest(t, "acme"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if *hits != 0 {
		t.Error("handler must not run over quota")
	}

	var body struct {
		Code     string `json:"code"`
		Resource string `json:"resource"`
		Current  int64  `json:"current"`
		Limit    int64  `json:"limit"`
		Plan     string `json:"plan"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != "quota_exceeded" || body.Current != 10 || body.Limit != 10 || body.Plan != "starter" {
		t.Errorf("body = %+v", body)
	}
}

func TestQuotaGuard_SkipsWithoutTenant(t *testing.T) {
	q := newTestQuotaGuard(&stubPlans{})
	handler, hits := okHandler()

	// No scope in context at all
	rec := httptest.NewRecorder()
	q.EnforceQuota(entitlements.ResourceContracts, 1, handler).
		ServeHTTP(rec, httptest.NewRequest("POST", "/contracts", nil))
	if rec.Code != http.StatusOK || *hits != 1 {
		t.Error("request without tenant scope should pass through")
	}

	// Degraded scope is treated the same as absent
	req := httptest.NewRequest("POST", "/contracts", nil)
	scope := &tenants.Scope{Degraded: true}
	req = req.WithContext(contextkeys.WithTenantScope(req.Context(), scope))
	rec = httptest.NewRecorder()
	q.EnforceQuota(entitlements.ResourceContracts, 1, handler).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Error("degraded scope should skip the quota check")
	}
}

func TestQuotaGuard_RequireFeature(t *testing.T) {
	q := newTestQuotaGuard(&stubPlans{
		plan: &entitlements.Plan{Name: "starter", Features: map[string]bool{"payroll": false}},
	})
	handler, hits := okHandler()

	rec := httptest.NewRecorder()
	q.RequireFeature("payroll", handler).ServeHTTP(rec, scopedRequest(t, "acme"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for gated feature", rec.Code)
	}
	if *hits != 0 {
		t.Error("handler must not run without the feature")
	}
}
