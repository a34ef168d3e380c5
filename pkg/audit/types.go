package audit

import "time"

// EventType categorizes a trail entry
type EventType string

const (
	EventTypePermissionCheck EventType = "authz.permission_check"
	EventTypeAccessDenied    EventType = "authz.access_denied"
	EventTypeQuotaDenied     EventType = "entitlements.quota_denied"
	EventTypeScopeDegraded   EventType = "tenants.scope_degraded"
)

// EventStatus is the outcome recorded with an entry
type EventStatus string

const (
	EventStatusAllowed EventStatus = "allowed"
	EventStatusDenied  EventStatus = "denied"
	EventStatusError   EventStatus = "error"
)

// Event is one entry in the authorization decision trail
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	ActorID  string  `json:"actor_id,omitempty"`
	TenantID *string `json:"tenant_id,omitempty"`

	// Decision detail
	Code                string   `json:"code,omitempty"`
	Source              string   `json:"source,omitempty"`
	MatchedRoles        []string `json:"matched_roles,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	MissingPermissions  []string `json:"missing_permissions,omitempty"`

	// Request context
	RequestID string `json:"request_id,omitempty"`
	Method    string `json:"method,omitempty"`
	Path      string `json:"path,omitempty"`

	Message string `json:"message,omitempty"`
}

// Filter narrows a trail query
type Filter struct {
	StartTime  *time.Time
	EndTime    *time.Time
	ActorID    string
	TenantID   *string
	EventTypes []EventType
	Status     *EventStatus
	Limit      int
	Offset     int
}
