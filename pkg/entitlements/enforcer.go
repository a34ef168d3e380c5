package entitlements

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shiftlane/shiftlane/pkg/observability"
)

// PlanSource is the part of Service the enforcer needs. Tests substitute
// fakes.
type PlanSource interface {
	GetActivePlan(ctx context.Context, tenantID string) (*Plan, error)
	CountUsage(ctx context.Context, tenantID, resource string) (int64, error)
}

// Enforcer answers quota and feature questions against a tenant's plan.
//
// Error handling is deliberately asymmetric with authorization: a failure
// to count current usage fails OPEN, because blocking paying customers
// over a metering hiccup costs more than briefly exceeding a soft limit.
// A missing subscription still denies, and the process-wide unlimited
// override lifts numeric limits only, never feature gates.
type Enforcer struct {
	plans             PlanSource
	unlimitedOverride bool
	logger            *observability.Logger
	metrics           *observability.Metrics
}

// NewEnforcer creates an enforcer. unlimitedOverride disables all numeric
// limit checks process-wide, for self-hosted deployments.
func NewEnforcer(plans PlanSource, unlimitedOverride bool, logger *observability.Logger, metrics *observability.Metrics) *Enforcer {
	return &Enforcer{
		plans:             plans,
		unlimitedOverride: unlimitedOverride,
		logger:            logger,
		metrics:           metrics,
	}
}

// Check reports whether the tenant may consume increment more units of a
// resource. It returns a result rather than an error for the normal
// over-limit case; the error return is reserved for plan-lookup failures
// that the caller may want to surface differently.
func (e *Enforcer) Check(ctx context.Context, tenantID, resource string, increment int64) (*QuotaResult, error) {
	tracer := otel.Tracer("shiftlane/entitlements")
	ctx, span := tracer.Start(ctx, "entitlements.Check", trace.WithAttributes(
		attribute.String("quota.resource", resource),
		attribute.Int64("quota.increment", increment),
	))
	defer span.End()

	if e.unlimitedOverride {
		e.metrics.QuotaChecksTotal.WithLabelValues(resource, "allow").Inc()
		return &QuotaResult{Allowed: true, Resource: resource}, nil
	}

	plan, err := e.plans.GetActivePlan(ctx, tenantID)
	if err != nil {
		// Plan lookup failure is infrastructure trouble, same as usage
		// counting: fail open rather than lock the tenant out.
		e.failOpen(tenantID, resource, err)
		return &QuotaResult{Allowed: true, Resource: resource, FailOpen: true}, nil
	}
	if plan == nil {
		e.metrics.QuotaChecksTotal.WithLabelValues(resource, "deny").Inc()
		return &QuotaResult{Allowed: false, Resource: resource}, &QuotaExceededError{
			Resource: resource,
			Reason:   "no active subscription",
		}
	}

	limit, limited := plan.Limit(resource)
	if !limited {
		e.metrics.QuotaChecksTotal.WithLabelValues(resource, "allow").Inc()
		return &QuotaResult{Allowed: true, Resource: resource, Plan: plan.Name}, nil
	}

	current, err := e.plans.CountUsage(ctx, tenantID, resource)
	if err != nil {
		e.failOpen(tenantID, resource, err)
		return &QuotaResult{Allowed: true, Resource: resource, Plan: plan.Name, FailOpen: true}, nil
	}

	result := &QuotaResult{
		Resource: resource,
		Current:  current,
		Limit:    &limit,
		Plan:     plan.Name,
	}
	if current+increment > limit {
		e.metrics.QuotaChecksTotal.WithLabelValues(resource, "deny").Inc()
		return result, &QuotaExceededError{
			Resource: resource,
			Current:  current,
			Limit:    limit,
			Plan:     plan.Name,
		}
	}

	result.Allowed = true
	e.metrics.QuotaChecksTotal.WithLabelValues(resource, "allow").Inc()
	return result, nil
}

// Assert is Check with the result discarded, for callers that only care
// about the error
func (e *Enforcer) Assert(ctx context.Context, tenantID, resource string, increment int64) error {
	_, err := e.Check(ctx, tenantID, resource, increment)
	return err
}

// RequireFeature denies unless the tenant's plan enables the feature.
// The unlimited override does not apply here: features are product
// gating, not metering.
func (e *Enforcer) RequireFeature(ctx context.Context, tenantID, feature string) error {
	plan, err := e.plans.GetActivePlan(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve plan for feature %s: %w", feature, err)
	}
	if plan == nil {
		return &QuotaExceededError{
			Resource: feature,
			Reason:   "no active subscription",
		}
	}
	if !plan.FeatureEnabled(feature) {
		return &QuotaExceededError{
			Resource: feature,
			Reason:   fmt.Sprintf("feature not included in plan %s", plan.Name),
			Plan:     plan.Name,
		}
	}
	return nil
}

func (e *Enforcer) failOpen(tenantID, resource string, err error) {
	e.metrics.QuotaFailOpenTotal.Inc()
	e.metrics.QuotaChecksTotal.WithLabelValues(resource, "fail_open").Inc()
	e.logger.WithError(err).
		WithField("tenant_id", tenantID).
		WithField("resource", resource).
		Warn("Quota check failed open")
}
