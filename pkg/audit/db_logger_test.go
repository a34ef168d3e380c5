package audit

import (
	"context"
	"database/sql"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftlane/shiftlane/pkg/authz"
	"github.com/shiftlane/shiftlane/pkg/contextkeys"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestNewDBTrail(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_trail").WillReturnResult(sqlmock.NewResult(0, 0))

		trail, err := NewDBTrail(db)
		require.NoError(t, err)
		assert.NotNil(t, trail)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		trail, err := NewDBTrail(nil)
		assert.Error(t, err)
		assert.Nil(t, trail)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS decision_trail").WillReturnError(errors.New("permission denied"))

		trail, err := NewDBTrail(db)
		assert.Error(t, err)
		assert.Nil(t, trail)
		assert.Contains(t, err.Error(), "failed to ensure decision_trail table")
	})
}

func TestDBTrail_Record(t *testing.T) {
	t.Run("denied check", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		trail := &DBTrail{db: db}
		tenant := "acme"
		event := &Event{
			Timestamp:           time.Now().UTC(),
			EventType:           EventTypeAccessDenied,
			Status:              EventStatusDenied,
			ActorID:             "alice",
			TenantID:            &tenant,
			Code:                "missing_permission",
			Source:              "membership",
			MatchedRoles:        []string{"user"},
			RequiredPermissions: []string{"payroll:run:organization"},
			MissingPermissions:  []string{"payroll:run:organization"},
			RequestID:           "req-1",
			Method:              "POST",
			Path:                "/api/v1/payroll/runs",
			Message:             "missing required permissions",
		}

		mock.ExpectQuery("INSERT INTO decision_trail").
			WithArgs(
				sqlmock.AnyArg(), event.EventType, event.Status,
				event.ActorID, event.TenantID,
				event.Code, event.Source,
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				event.RequestID, event.Method, event.Path, event.Message,
			).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

		err := trail.Record(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, int64(42), event.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		trail := &DBTrail{db: db}
		mock.ExpectQuery("INSERT INTO decision_trail").WillReturnError(errors.New("connection reset"))

		err := trail.Record(context.Background(), &Event{
			Timestamp: time.Now(),
			EventType: EventTypePermissionCheck,
			Status:    EventStatusAllowed,
			ActorID:   "alice",
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to record trail event")
	})
}

func TestDBTrail_Search(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	trail := &DBTrail{db: db}
	tenant := "acme"
	status := EventStatusDenied

	rows := sqlmock.NewRows([]string{
		"id", "timestamp", "event_type", "status", "actor_id", "tenant_id",
		"code", "source", "matched_roles", "required_permissions", "missing_permissions",
		"request_id", "method", "path", "message",
	}).AddRow(
		7, time.Now(), string(EventTypeAccessDenied), string(EventStatusDenied), "alice", &tenant,
		"missing_permission", "membership", "{user}", "{contract:delete:organization}", "{contract:delete:organization}",
		"req-9", "DELETE", "/api/v1/contracts/3", "missing required permissions",
	)

	mock.ExpectQuery("SELECT (.+) FROM decision_trail").
		WithArgs(nil, nil, "alice", &tenant, sqlmock.AnyArg(), 50, 0).
		WillReturnRows(rows)

	events, err := trail.Search(context.Background(), Filter{
		ActorID:  "alice",
		TenantID: &tenant,
		Status:   &status,
		Limit:    50,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Equal(t, EventTypeAccessDenied, events[0].EventType)
	assert.Equal(t, []string{"contract:delete:organization"}, events[0].MissingPermissions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFromDecision(t *testing.T) {
	tenant := "acme"
	required := []authz.Permission{"contract:create:organization"}

	t.Run("allowed", func(t *testing.T) {
		d := &authz.Decision{
			Allowed:      true,
			Code:         authz.CodeAllowed,
			Source:       "snapshot",
			MatchedRoles: []string{"manager"},
		}
		r := httptest.NewRequest("POST", "/api/v1/contracts", nil)
		r = r.WithContext(contextkeys.WithRequestID(r.Context(), "req-5"))

		e := FromDecision("alice", &tenant, required, d, r)
		assert.Equal(t, EventTypePermissionCheck, e.EventType)
		assert.Equal(t, EventStatusAllowed, e.Status)
		assert.Equal(t, "alice", e.ActorID)
		assert.Equal(t, []string{"contract:create:organization"}, e.RequiredPermissions)
		assert.Equal(t, "POST", e.Method)
		assert.Equal(t, "/api/v1/contracts", e.Path)
		assert.Equal(t, "req-5", e.RequestID)
	})

	t.Run("denied", func(t *testing.T) {
		d := &authz.Decision{
			Allowed:            false,
			Code:               authz.CodeMissingPermission,
			Reason:             "missing required permissions",
			MissingPermissions: []authz.Permission{"contract:create:organization"},
		}
		e := FromDecision("alice", &tenant, required, d, nil)
		assert.Equal(t, EventTypeAccessDenied, e.EventType)
		assert.Equal(t, EventStatusDenied, e.Status)
		assert.Equal(t, []string{"contract:create:organization"}, e.MissingPermissions)
		assert.Empty(t, e.Method)
	})

	t.Run("resolution error", func(t *testing.T) {
		d := &authz.Decision{
			Allowed: false,
			Code:    authz.CodeResolutionError,
			Reason:  "authorization temporarily unavailable",
		}
		e := FromDecision("alice", &tenant, required, d, nil)
		assert.Equal(t, EventStatusError, e.Status)
	})
}
