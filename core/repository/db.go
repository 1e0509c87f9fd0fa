package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps the Postgres connection pool
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres pool and verifies it answers
func NewDB(url string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, Normalize("NewDB", err)
	}
	return &DB{DB: sqlDB}, nil
}

// EnsureSchema creates the tables the gateway reads and writes.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return Normalize("EnsureSchema", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	customer_id TEXT,
	field_id TEXT,
	job_type_id TEXT,
	truck_id TEXT,
	tech_id TEXT,
	helper_ids TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	office_notes TEXT NOT NULL DEFAULT '',
	problem_description TEXT NOT NULL DEFAULT '',
	repair_description TEXT NOT NULL DEFAULT '',
	last_active_status TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	on_the_way_at TIMESTAMPTZ,
	arrived_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	invoiced_at TIMESTAMPTZ,
	canceled_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_status_events (
	id BIGSERIAL PRIMARY KEY,
	org_id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	event_type TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	duration_seconds BIGINT,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS job_status_events_one_open
	ON job_status_events (job_id) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS tech_timers (
	id BIGSERIAL PRIMARY KEY,
	org_id TEXT NOT NULL,
	tech_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS diagnostic_workflows (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS diagnostic_workflow_brands (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL REFERENCES diagnostic_workflows(id),
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	version INT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS diagnostic_nodes (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	brand_id TEXT NOT NULL REFERENCES diagnostic_workflow_brands(id),
	title TEXT NOT NULL DEFAULT '',
	sort_order INT NOT NULL DEFAULT 0,
	node_type TEXT NOT NULL,
	data JSONB NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS diagnostic_edges (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	brand_id TEXT NOT NULL REFERENCES diagnostic_workflow_brands(id),
	from_node_id TEXT NOT NULL,
	to_node_id TEXT NOT NULL,
	condition TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS diagnostic_workflow_runs (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	workflow_id TEXT NOT NULL,
	brand_id TEXT NOT NULL,
	workflow_version_hash TEXT NOT NULL,
	status TEXT NOT NULL,
	current_node_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS diagnostic_run_events (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	run_id TEXT NOT NULL REFERENCES diagnostic_workflow_runs(id),
	node_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS truck_inventory (
	org_id TEXT NOT NULL,
	truck_id TEXT NOT NULL,
	product_id TEXT NOT NULL,
	qty INT NOT NULL DEFAULT 0,
	min_qty INT,
	origin TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, truck_id, product_id)
);

CREATE TABLE IF NOT EXISTS job_parts (
	org_id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	product_id TEXT NOT NULL,
	truck_id TEXT NOT NULL,
	qty INT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, job_id, product_id)
);

CREATE TABLE IF NOT EXISTS job_attachments (
	id BIGSERIAL PRIMARY KEY,
	org_id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	attachment_type TEXT NOT NULL,
	file_url TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`
