package entitlements

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Service reads subscriptions, plan definitions, and usage counts.
// Plan definitions change rarely and are cached in-process; usage counts
// are always read live.
type Service struct {
	db    *sql.DB
	plans *lru.Cache[string, *Plan]
}

// NewService creates an entitlement service. cacheSize bounds the
// in-process plan-definition cache.
func NewService(db *sql.DB, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	plans, err := lru.New[string, *Plan](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create plan cache: %w", err)
	}
	return &Service{db: db, plans: plans}, nil
}

// GetActivePlan returns the plan for the tenant's active or trialing
// subscription, or nil when the tenant has neither
func (s *Service) GetActivePlan(ctx context.Context, tenantID string) (*Plan, error) {
	query := `
		SELECT plan_name
		FROM subscriptions
		WHERE tenant_id = $1 AND status IN ('active', 'trialing')
		ORDER BY created_at DESC
		LIMIT 1`

	var planName string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&planName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return s.GetPlan(ctx, planName)
}

// GetPlan returns a plan definition by name, or nil when it does not
// exist
func (s *Service) GetPlan(ctx context.Context, name string) (*Plan, error) {
	if plan, ok := s.plans.Get(name); ok {
		return plan, nil
	}

	query := `
		SELECT name, display_name, features, limits
		FROM plans
		WHERE name = $1`

	var plan Plan
	var featuresJSON, limitsJSON []byte
	err := s.db.QueryRowContext(ctx, query, name).
		Scan(&plan.Name, &plan.DisplayName, &featuresJSON, &limitsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	if err := json.Unmarshal(featuresJSON, &plan.Features); err != nil {
		return nil, fmt.Errorf("failed to decode plan features: %w", err)
	}
	if err := json.Unmarshal(limitsJSON, &plan.Limits); err != nil {
		return nil, fmt.Errorf("failed to decode plan limits: %w", err)
	}

	s.plans.Add(name, &plan)
	return &plan, nil
}

// InvalidatePlan drops a cached plan definition
func (s *Service) InvalidatePlan(name string) {
	s.plans.Remove(name)
}

// CountUsage returns the tenant's current consumption of a resource
func (s *Service) CountUsage(ctx context.Context, tenantID, resource string) (int64, error) {
	var query string
	switch resource {
	case ResourceContracts:
		query = `SELECT COUNT(*) FROM contracts WHERE tenant_id = $1 AND deleted_at IS NULL`
	case ResourceDocuments:
		query = `SELECT COUNT(*) FROM documents WHERE tenant_id = $1 AND deleted_at IS NULL`
	case ResourceSeats:
		query = `SELECT COUNT(*) FROM memberships WHERE tenant_id = $1 AND is_active = TRUE`
	case ResourceStorageBytes:
		query = `SELECT COALESCE(SUM(size_bytes), 0) FROM documents WHERE tenant_id = $1 AND deleted_at IS NULL`
	default:
		return 0, fmt.Errorf("unknown countable resource %q", resource)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s usage: %w", resource, err)
	}
	return count, nil
}
