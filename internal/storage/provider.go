// Package storage selects and initialises the runtime's persistence backend.
// When Postgres is configured and reachable within the probe window it runs
// the idempotent DDL and becomes the backend; otherwise the runtime falls
// back to embedded SQLite (a file when configured, in-memory when not) with
// identical behaviour and no durability promises.
package storage

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
	"github.com/loomhq/loom/internal/db"
	"github.com/loomhq/loom/internal/db/dialect"
	"github.com/loomhq/loom/internal/storage/repository"
)

// Backend is the initialised persistence layer: the repositories plus the
// constructors for the graph engine's scoped checkpoint and store handles.
type Backend struct {
	repo       *repository.Repository
	pool       *db.Pool
	persistent bool
}

// Provide probes the configured database, initialises the schema, and
// returns the backend plus a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (*Backend, func() error, error) {
	dsn := cfg.Database.DSN()
	if dsn != "" {
		if err := db.Probe(dsn, cfg.Database.ProbeTimeout()); err != nil {
			log.Warn("postgres probe failed, falling back to embedded storage", zap.Error(err))
		} else {
			pg, err := db.OpenPostgres(dsn, cfg.Database.PoolMaxSize, cfg.Database.PoolMinSize)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
			}
			sqlxDB := sqlx.NewDb(pg, dialect.PGX)
			backend, cleanup, err := newBackend(sqlxDB, sqlxDB, true)
			if err != nil {
				return nil, nil, err
			}
			log.Info("storage initialized", zap.String("backend", "postgres"), zap.String("schema", repository.Schema))
			return backend, cleanup, nil
		}
	}

	if path := cfg.Database.FallbackPath; path != "" {
		writerConn, err := db.OpenSQLite(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		readerConn, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = writerConn.Close()
			return nil, nil, fmt.Errorf("failed to open sqlite reader: %w", err)
		}
		backend, cleanup, err := newBackend(sqlx.NewDb(writerConn, dialect.SQLite3), sqlx.NewDb(readerConn, dialect.SQLite3), true)
		if err != nil {
			return nil, nil, err
		}
		log.Info("storage initialized", zap.String("backend", "sqlite"), zap.String("db_path", path))
		return backend, cleanup, nil
	}

	memConn, err := db.OpenSQLiteMemory()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	sqlxDB := sqlx.NewDb(memConn, dialect.SQLite3)
	backend, cleanup, err := newBackend(sqlxDB, sqlxDB, false)
	if err != nil {
		return nil, nil, err
	}
	log.Warn("storage initialized without persistence", zap.String("backend", "memory"))
	return backend, cleanup, nil
}

func newBackend(writer, reader *sqlx.DB, persistent bool) (*Backend, func() error, error) {
	repo, err := repository.NewWithDB(writer, reader)
	if err != nil {
		_ = writer.Close()
		if reader != writer {
			_ = reader.Close()
		}
		return nil, nil, err
	}
	pool := db.NewPool(writer, reader)
	backend := &Backend{repo: repo, pool: pool, persistent: persistent}
	return backend, pool.Close, nil
}

// Repo returns the runtime repositories.
func (b *Backend) Repo() *repository.Repository {
	return b.repo
}

// Writer returns the raw writer database for components that manage their own
// statements.
func (b *Backend) Writer() *sql.DB {
	return b.pool.Writer().DB
}

// Driver reports the active driver name.
func (b *Backend) Driver() string {
	return b.pool.DriverName()
}

// Persistent reports whether writes survive a restart. False means the
// backend is the in-memory fallback and callers must not assume persistence.
func (b *Backend) Persistent() bool {
	return b.persistent
}

// Name reports the backend kind for health output.
func (b *Backend) Name() string {
	if dialect.IsPostgres(b.pool.DriverName()) {
		return "postgres"
	}
	if b.persistent {
		return "sqlite"
	}
	return "memory"
}

// Checkpointer creates a request-scoped checkpoint saver. The caller owns the
// handle and must Close it when the request scope ends.
func (b *Backend) Checkpointer() checkpoint.Saver {
	return checkpoint.NewSQLSaver(b.pool.Writer().DB, b.pool.DriverName())
}

// Store creates a request-scoped graph memory store. The caller owns the
// handle and must Close it when the request scope ends.
func (b *Backend) Store() checkpoint.Store {
	return checkpoint.NewSQLStore(b.pool.Writer().DB, b.pool.DriverName())
}
