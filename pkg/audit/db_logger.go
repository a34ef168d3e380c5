package audit

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// Trail records authorization decisions. Implementations must be safe
// for concurrent use.
type Trail interface {
	Record(ctx context.Context, event *Event) error
}

// NopTrail discards events, for deployments that do not keep a trail
type NopTrail struct{}

func (NopTrail) Record(ctx context.Context, event *Event) error { return nil }

// DBTrail persists the decision trail to PostgreSQL
type DBTrail struct {
	db *sql.DB
}

// NewDBTrail creates a database-backed trail and ensures its table
// exists
func NewDBTrail(db *sql.DB) (*DBTrail, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	t := &DBTrail{db: db}
	if err := t.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure decision_trail table: %w", err)
	}
	return t, nil
}

func (t *DBTrail) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS decision_trail (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor_id VARCHAR(255),
		tenant_id VARCHAR(255),
		code VARCHAR(50),
		source VARCHAR(20),
		matched_roles TEXT[],
		required_permissions TEXT[],
		missing_permissions TEXT[],
		request_id VARCHAR(100),
		method VARCHAR(10),
		path TEXT,
		message TEXT,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_decision_trail_timestamp ON decision_trail(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_decision_trail_actor ON decision_trail(actor_id);
	CREATE INDEX IF NOT EXISTS idx_decision_trail_tenant ON decision_trail(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_decision_trail_status ON decision_trail(status);
	`

	_, err := t.db.Exec(query)
	return err
}

// Record inserts one trail entry
func (t *DBTrail) Record(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO decision_trail (
			timestamp, event_type, status,
			actor_id, tenant_id,
			code, source, matched_roles, required_permissions, missing_permissions,
			request_id, method, path, message
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14
		) RETURNING id`

	err := t.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.ActorID, event.TenantID,
		event.Code, event.Source,
		pq.Array(event.MatchedRoles), pq.Array(event.RequiredPermissions), pq.Array(event.MissingPermissions),
		event.RequestID, event.Method, event.Path, event.Message,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to record trail event: %w", err)
	}
	return nil
}

// Search returns trail entries matching the filter, newest first
func (t *DBTrail) Search(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `
		SELECT id, timestamp, event_type, status, actor_id, tenant_id,
		       code, source, matched_roles, required_permissions, missing_permissions,
		       request_id, method, path, message
		FROM decision_trail
		WHERE ($1::timestamptz IS NULL OR timestamp >= $1)
		  AND ($2::timestamptz IS NULL OR timestamp <= $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4::varchar IS NULL OR tenant_id = $4)
		  AND ($5::varchar IS NULL OR status = $5)
		ORDER BY timestamp DESC
		LIMIT $6 OFFSET $7`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}

	rows, err := t.db.QueryContext(ctx, query,
		filter.StartTime, filter.EndTime, filter.ActorID, filter.TenantID, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search trail: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.EventType, &e.Status, &e.ActorID, &e.TenantID,
			&e.Code, &e.Source,
			pq.Array(&e.MatchedRoles), pq.Array(&e.RequiredPermissions), pq.Array(&e.MissingPermissions),
			&e.RequestID, &e.Method, &e.Path, &e.Message,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trail event: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trail events: %w", err)
	}

	return events, nil
}
