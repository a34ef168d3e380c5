package tenants

import "time"

// Tenant is one customer organization
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PartyRef  string    `json:"party_ref,omitempty"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope is the tenant context attached to a request. A nil TenantID with
// Degraded set means resolution was attempted but infrastructure failed;
// read paths may proceed with it, write paths must not.
type Scope struct {
	TenantID *string `json:"tenant_id,omitempty"`
	PartyRef string  `json:"party_ref,omitempty"`
	Degraded bool    `json:"degraded,omitempty"`
}

// Resolved reports whether the scope carries a usable tenant
func (s *Scope) Resolved() bool {
	return s != nil && s.TenantID != nil && !s.Degraded
}
