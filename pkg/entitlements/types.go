package entitlements

import (
	"errors"
	"fmt"
	"time"
)

// Countable resources checked against plan limits
const (
	ResourceContracts    = "contracts"
	ResourceDocuments    = "documents"
	ResourceSeats        = "seats"
	ResourceStorageBytes = "storage_bytes"
)

// Plan describes what a subscription tier allows. A nil limit means
// unlimited for that resource; a missing feature key means the feature is
// off.
type Plan struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name"`
	Features    map[string]bool   `json:"features"`
	Limits      map[string]*int64 `json:"limits"`
}

// FeatureEnabled reports whether the plan includes a feature
func (p *Plan) FeatureEnabled(feature string) bool {
	return p != nil && p.Features[feature]
}

// Limit returns the plan's cap for a resource. The second return is
// false when the resource is unlimited.
func (p *Plan) Limit(resource string) (int64, bool) {
	if p == nil {
		return 0, true
	}
	limit, ok := p.Limits[resource]
	if !ok || limit == nil {
		return 0, false
	}
	return *limit, true
}

// Subscription ties a tenant to a plan
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	PlanName  string    `json:"plan_name"`
	Status    string    `json:"status"` // active, trialing, past_due, canceled
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuotaResult reports the outcome of a quota check
type QuotaResult struct {
	Allowed  bool   `json:"allowed"`
	Resource string `json:"resource"`
	Current  int64  `json:"current"`
	Limit    *int64 `json:"limit,omitempty"` // nil when unlimited
	Plan     string `json:"plan,omitempty"`
	FailOpen bool   `json:"fail_open,omitempty"`
}

// QuotaExceededError is returned when a tenant is over a plan limit or
// lacks a required feature
type QuotaExceededError struct {
	Resource string
	Reason   string
	Current  int64
	Limit    int64
	Plan     string
}

func (e *QuotaExceededError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("quota exceeded for %s: %s", e.Resource, e.Reason)
	}
	return fmt.Sprintf("quota exceeded for %s: %d of %d used on plan %s", e.Resource, e.Current, e.Limit, e.Plan)
}

// IsQuotaExceeded reports whether err is a quota denial
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
