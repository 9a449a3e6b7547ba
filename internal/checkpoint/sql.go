package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/loomhq/loom/internal/db/dialect"
)

// namespaceSeparator joins namespace tuples into the store's prefix column.
// Segments are org/user/assistant ids and fixed category names, which never
// contain the separator.
const namespaceSeparator = "."

// SQLSaver is a Saver over the SQL backend. Every operation acquires a fresh
// connection from the pool and releases it before returning, so no
// synchronisation state outlives the call that created it. Handles are still
// constructed per request and Closed with it.
type SQLSaver struct {
	db     *sql.DB
	driver string
	prefix string
}

// NewSQLSaver creates a saver handle for the current request scope.
func NewSQLSaver(db *sql.DB, driver string) *SQLSaver {
	return &SQLSaver{db: db, driver: driver, prefix: tablePrefix(driver)}
}

// Put persists a checkpoint.
func (s *SQLSaver) Put(ctx context.Context, cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	cp.CreatedAt = time.Now().UTC()

	var parent interface{}
	if cp.ParentID != "" {
		parent = cp.ParentID
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+s.prefix+`checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), cp.ThreadID, cp.Namespace, cp.CheckpointID, parent, marshalJSON(cp.Data), marshalJSON(cp.Metadata), cp.CreatedAt)
	return err
}

// Latest returns the newest checkpoint for a thread and namespace, or nil.
func (s *SQLSaver) Latest(ctx context.Context, threadID, namespace string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var parent sql.NullString
	var data, metadata string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata, created_at
		FROM `+s.prefix+`checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?
		ORDER BY created_at DESC LIMIT 1
	`), threadID, namespace).Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &parent, &data, &metadata, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		cp.ParentID = parent.String
	}
	cp.Data = unmarshalJSON(data)
	cp.Metadata = unmarshalJSON(metadata)
	return cp, nil
}

// Close marks the end of the request scope. Connections are per-operation, so
// there is nothing to release.
func (s *SQLSaver) Close() error {
	return nil
}

func (s *SQLSaver) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

// SQLStore is a Store over the SQL backend, with the same per-operation
// connection discipline as SQLSaver.
type SQLStore struct {
	db     *sql.DB
	driver string
	prefix string
}

// NewSQLStore creates a store handle for the current request scope.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, prefix: tablePrefix(driver)}
}

// Put upserts a value under the namespace tuple.
func (s *SQLStore) Put(ctx context.Context, namespace []string, key string, value map[string]interface{}) error {
	ns := strings.Join(namespace, namespaceSeparator)
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE `+s.prefix+`store SET value = ?, updated_at = ? WHERE prefix = ? AND key = ?
	`), marshalJSON(value), now, ns, key)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+s.prefix+`store (prefix, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), ns, key, marshalJSON(value), now, now)
	return err
}

// Get returns the item under the namespace tuple, or nil when absent.
func (s *SQLStore) Get(ctx context.Context, namespace []string, key string) (*Item, error) {
	ns := strings.Join(namespace, namespaceSeparator)
	item := &Item{Namespace: namespace, Key: key}
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT value, created_at, updated_at FROM `+s.prefix+`store WHERE prefix = ? AND key = ?
	`), ns, key).Scan(&value, &item.CreatedAt, &item.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	item.Value = unmarshalJSON(value)
	return item, nil
}

// Search lists items under a namespace prefix, newest first.
func (s *SQLStore) Search(ctx context.Context, prefix []string, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 20
	}
	ns := strings.Join(prefix, namespaceSeparator)
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT prefix, key, value, created_at, updated_at FROM `+s.prefix+`store
		WHERE prefix = ? OR prefix LIKE ? ESCAPE '\'
		ORDER BY updated_at DESC LIMIT ?
	`), ns, likeEscape(ns)+namespaceSeparator+"%", limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Item
	for rows.Next() {
		item := &Item{}
		var storedNS, value string
		if err := rows.Scan(&storedNS, &item.Key, &value, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.Namespace = strings.Split(storedNS, namespaceSeparator)
		item.Value = unmarshalJSON(value)
		result = append(result, item)
	}
	return result, rows.Err()
}

// Delete removes the item under the namespace tuple.
func (s *SQLStore) Delete(ctx context.Context, namespace []string, key string) error {
	ns := strings.Join(namespace, namespaceSeparator)
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM `+s.prefix+`store WHERE prefix = ? AND key = ?
	`), ns, key)
	return err
}

// Close marks the end of the request scope. Connections are per-operation, so
// there is nothing to release.
func (s *SQLStore) Close() error {
	return nil
}

func (s *SQLStore) rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(s.driver), query)
}

func tablePrefix(driver string) string {
	if dialect.IsPostgres(driver) {
		return "langgraph_server."
	}
	return ""
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func marshalJSON(m map[string]interface{}) string {
	if m == nil {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(s string) map[string]interface{} {
	m := map[string]interface{}{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}
