package authz

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the migrations for every table the engine reads.
// The engine only writes permission_snapshots; the other tables are
// mutated by the administrative flows that own them, but the schema lives
// here so a fresh deployment can serve requests.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create tenants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS tenants (
					id VARCHAR(255) PRIMARY KEY,
					name VARCHAR(255) NOT NULL,
					party_ref VARCHAR(255),
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_tenants_party_ref ON tenants(party_ref);
			`,
		},
		{
			Version:     2,
			Description: "Create actor_settings table",
			SQL: `
				CREATE TABLE IF NOT EXISTS actor_settings (
					actor_id VARCHAR(255) PRIMARY KEY,
					active_tenant_id VARCHAR(255) REFERENCES tenants(id) ON DELETE SET NULL,
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create memberships table",
			SQL: `
				CREATE TABLE IF NOT EXISTS memberships (
					id BIGSERIAL PRIMARY KEY,
					actor_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255) REFERENCES tenants(id) ON DELETE CASCADE,
					role VARCHAR(100) NOT NULL,
					is_owner BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_memberships_actor_tenant_active
					ON memberships(actor_id, COALESCE(tenant_id, '')) WHERE is_active;
				CREATE INDEX IF NOT EXISTS idx_memberships_actor_id ON memberships(actor_id);
				CREATE INDEX IF NOT EXISTS idx_memberships_tenant_id ON memberships(tenant_id);
			`,
		},
		{
			Version:     4,
			Description: "Create permission_grants table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_grants (
					id BIGSERIAL PRIMARY KEY,
					actor_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255) REFERENCES tenants(id) ON DELETE CASCADE,
					permission VARCHAR(255) NOT NULL,
					granted BOOLEAN NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					expires_at TIMESTAMP WITH TIME ZONE,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_permission_grants_actor_id ON permission_grants(actor_id);
				CREATE INDEX IF NOT EXISTS idx_permission_grants_tenant_id ON permission_grants(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_permission_grants_expires_at ON permission_grants(expires_at);
			`,
		},
		{
			Version:     5,
			Description: "Create permission_snapshots table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_snapshots (
					actor_id VARCHAR(255) NOT NULL,
					tenant_id VARCHAR(255),
					roles JSONB NOT NULL DEFAULT '[]',
					permissions JSONB NOT NULL DEFAULT '[]',
					computed_at TIMESTAMP WITH TIME ZONE NOT NULL
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_permission_snapshots_actor_tenant
					ON permission_snapshots(actor_id, COALESCE(tenant_id, ''));
				CREATE INDEX IF NOT EXISTS idx_permission_snapshots_computed_at ON permission_snapshots(computed_at);
			`,
		},
		{
			Version:     6,
			Description: "Create plans table",
			SQL: `
				CREATE TABLE IF NOT EXISTS plans (
					name VARCHAR(100) PRIMARY KEY,
					display_name VARCHAR(255) NOT NULL,
					features JSONB NOT NULL DEFAULT '{}',
					limits JSONB NOT NULL DEFAULT '{}'
				);
			`,
		},
		{
			Version:     7,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id BIGSERIAL PRIMARY KEY,
					tenant_id VARCHAR(255) NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
					plan_name VARCHAR(100) NOT NULL REFERENCES plans(name),
					status VARCHAR(50) NOT NULL,
					created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_tenant_id ON subscriptions(tenant_id);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
			`,
		},
	}
}

// RunMigrations executes all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS authz_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM authz_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if applied[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO authz_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
