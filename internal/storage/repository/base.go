// Package repository provides SQL-backed storage for the runtime entities:
// assistants, threads, thread state snapshots, runs, store items, and crons.
// It runs against Postgres (schema langgraph_server) and SQLite (the
// probe-failure fallback) through the same query code.
package repository

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/loomhq/loom/internal/db/dialect"
)

// Sentinel errors recognised by the service layer.
var (
	// ErrNotFound means the entity does not exist under the caller's owner scope.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a create hit an existing id.
	ErrConflict = errors.New("already exists")
)

// Schema is the Postgres schema holding all runtime tables.
const Schema = "langgraph_server"

// Repository provides SQL-backed runtime storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	prefix string   // "langgraph_server." on Postgres, "" on SQLite
	ownsDB bool
}

// NewWithDB creates a repository over existing writer and reader connections
// (shared ownership). The schema is initialised idempotently.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if dialect.IsPostgres(writer.DriverName()) {
		repo.prefix = Schema + "."
	}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection when owned.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying writer for shared access.
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// Driver returns the writer's driver name.
func (r *Repository) Driver() string {
	return r.db.DriverName()
}

// table returns the possibly schema-qualified table name.
func (r *Repository) table(name string) string {
	return r.prefix + name
}

// readScope returns the WHERE fragment for reads: rows owned by the caller
// or by the system sentinel. Consumes one bind parameter.
func (r *Repository) readScope() string {
	return dialect.OwnerScope(r.ro.DriverName(), "metadata")
}

// writeScope returns the WHERE fragment for mutations: strictly the caller's
// own rows. System rows stay immutable to everyone else. Consumes one bind
// parameter.
func (r *Repository) writeScope() string {
	return dialect.JSONExtract(r.db.DriverName(), "metadata", "owner") + " = ?"
}

// marshalMap serialises a JSON object column. JSON columns are always bound
// as explicit text, never as raw maps.
func marshalMap(m map[string]interface{}) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMap(s string) map[string]interface{} {
	m := map[string]interface{}{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func marshalStrings(v []string) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var v []string
	_ = json.Unmarshal([]byte(s), &v)
	return v
}

// initSchema creates the runtime tables, the graph checkpoint/store tables,
// and (on Postgres) enables row-level security on the graph-managed tables so
// external SQL surfaces cannot read them.
func (r *Repository) initSchema() error {
	if dialect.IsPostgres(r.db.DriverName()) {
		return r.initPostgresSchema()
	}
	return r.initSQLiteSchema()
}

// initPostgresSchema runs the DDL one statement per Exec: pgx's extended
// protocol rejects multi-statement strings.
func (r *Repository) initPostgresSchema() error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + Schema,
		`CREATE TABLE IF NOT EXISTS langgraph_server.assistants (
		assistant_id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		config JSONB NOT NULL DEFAULT '{}',
		context JSONB NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.threads (
		thread_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		"values" JSONB,
		interrupts JSONB,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.thread_states (
		id BIGSERIAL PRIMARY KEY,
		checkpoint_id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL REFERENCES langgraph_server.threads(thread_id) ON DELETE CASCADE,
		"values" JSONB NOT NULL DEFAULT '{}',
		next JSONB NOT NULL DEFAULT '[]',
		tasks JSONB NOT NULL DEFAULT '[]',
		interrupts JSONB,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.runs (
		run_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL REFERENCES langgraph_server.threads(thread_id) ON DELETE CASCADE,
		assistant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata JSONB NOT NULL DEFAULT '{}',
		kwargs JSONB NOT NULL DEFAULT '{}',
		multitask_strategy TEXT NOT NULL DEFAULT 'enqueue',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.store_items (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.crons (
		cron_id TEXT PRIMARY KEY,
		assistant_id TEXT NOT NULL,
		thread_id TEXT,
		schedule TEXT NOT NULL,
		end_time TIMESTAMPTZ,
		payload JSONB NOT NULL DEFAULT '{}',
		next_run_date TIMESTAMPTZ,
		on_run_completed TEXT NOT NULL DEFAULT 'delete',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		checkpoint JSONB NOT NULL DEFAULT '{}',
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	)`,
		`CREATE TABLE IF NOT EXISTS langgraph_server.store (
		prefix TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (prefix, key)
	)`,
		`CREATE INDEX IF NOT EXISTS idx_assistants_graph_id ON langgraph_server.assistants (graph_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assistants_owner ON langgraph_server.assistants ((metadata->>'owner'))`,
		`CREATE INDEX IF NOT EXISTS idx_threads_owner ON langgraph_server.threads ((metadata->>'owner'))`,
		`CREATE INDEX IF NOT EXISTS idx_thread_states_thread ON langgraph_server.thread_states (thread_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON langgraph_server.runs (thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_thread_status ON langgraph_server.runs (thread_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_store_items_owner_ns_key ON langgraph_server.store_items ((metadata->>'owner'), namespace, key)`,
		`CREATE INDEX IF NOT EXISTS idx_crons_next_run ON langgraph_server.crons (next_run_date)`,
		`CREATE INDEX IF NOT EXISTS idx_store_prefix ON langgraph_server.store (prefix)`,
		// Row-level security on the graph-managed tables: roles other than
		// the table owner (external REST layers, SQL editors) read nothing.
		// No policies are created on purpose.
		`ALTER TABLE langgraph_server.checkpoints ENABLE ROW LEVEL SECURITY`,
		`ALTER TABLE langgraph_server.store ENABLE ROW LEVEL SECURITY`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) initSQLiteSchema() error {
	if _, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS assistants (
		assistant_id TEXT PRIMARY KEY,
		graph_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		context TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		"values" TEXT,
		interrupts TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS thread_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checkpoint_id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		"values" TEXT NOT NULL DEFAULT '{}',
		next TEXT NOT NULL DEFAULT '[]',
		tasks TEXT NOT NULL DEFAULT '[]',
		interrupts TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		assistant_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata TEXT NOT NULL DEFAULT '{}',
		kwargs TEXT NOT NULL DEFAULT '{}',
		multitask_strategy TEXT NOT NULL DEFAULT 'enqueue',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(thread_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS store_items (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS crons (
		cron_id TEXT PRIMARY KEY,
		assistant_id TEXT NOT NULL,
		thread_id TEXT,
		schedule TEXT NOT NULL,
		end_time TIMESTAMP,
		payload TEXT NOT NULL DEFAULT '{}',
		next_run_date TIMESTAMP,
		on_run_completed TEXT NOT NULL DEFAULT 'delete',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT NOT NULL,
		checkpoint_ns TEXT NOT NULL DEFAULT '',
		checkpoint_id TEXT NOT NULL,
		parent_checkpoint_id TEXT,
		checkpoint TEXT NOT NULL DEFAULT '{}',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
	);

	CREATE TABLE IF NOT EXISTS store (
		prefix TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (prefix, key)
	);
	`); err != nil {
		return err
	}
	return r.initSQLiteIndexes()
}

func (r *Repository) initSQLiteIndexes() error {
	_, err := r.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_assistants_graph_id ON assistants(graph_id);
	CREATE INDEX IF NOT EXISTS idx_assistants_owner ON assistants(json_extract(metadata, '$.owner'));
	CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(json_extract(metadata, '$.owner'));
	CREATE INDEX IF NOT EXISTS idx_thread_states_thread ON thread_states(thread_id, id DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_thread_id ON runs(thread_id);
	CREATE INDEX IF NOT EXISTS idx_runs_thread_status ON runs(thread_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_store_items_owner_ns_key ON store_items(json_extract(metadata, '$.owner'), namespace, key);
	CREATE INDEX IF NOT EXISTS idx_crons_next_run ON crons(next_run_date);
	CREATE INDEX IF NOT EXISTS idx_store_prefix ON store(prefix);
	`)
	return err
}
