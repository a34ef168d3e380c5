package audit

import (
	"net/http"
	"time"

	"github.com/shiftlane/shiftlane/pkg/authz"
	"github.com/shiftlane/shiftlane/pkg/contextkeys"
)

// FromDecision builds a trail event out of a permission decision and the
// request it guarded. r may be nil for checks made outside an HTTP
// handler.
func FromDecision(actorID string, tenantID *string, required []authz.Permission, d *authz.Decision, r *http.Request) *Event {
	e := &Event{
		Timestamp:    time.Now(),
		EventType:    EventTypePermissionCheck,
		Status:       EventStatusAllowed,
		ActorID:      actorID,
		TenantID:     tenantID,
		Code:         string(d.Code),
		Source:       d.Source,
		MatchedRoles: d.MatchedRoles,
	}

	for _, p := range required {
		e.RequiredPermissions = append(e.RequiredPermissions, string(p))
	}
	for _, p := range d.MissingPermissions {
		e.MissingPermissions = append(e.MissingPermissions, string(p))
	}

	if !d.Allowed {
		e.EventType = EventTypeAccessDenied
		e.Status = EventStatusDenied
		e.Message = d.Reason
		if d.Code == authz.CodeResolutionError {
			e.Status = EventStatusError
		}
	}

	if r != nil {
		e.Method = r.Method
		e.Path = r.URL.Path
		e.RequestID = contextkeys.GetRequestID(r.Context())
	}

	return e
}
