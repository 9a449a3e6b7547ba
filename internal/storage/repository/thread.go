package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/runtime/models"
)

const threadColumns = `thread_id, status, "values", interrupts, metadata, created_at, updated_at`

// ThreadFilter narrows thread searches.
type ThreadFilter struct {
	Status   models.ThreadStatus
	Metadata map[string]interface{}
	Limit    int
	Offset   int
}

// CreateThread inserts a new thread in idle status. Returns ErrConflict when
// an explicit thread_id is taken.
func (r *Repository) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ThreadID == "" {
		t.ThreadID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.ThreadStatusIdle
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	var exists int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COUNT(*) FROM `+r.table("threads")+` WHERE thread_id = ?`,
	), t.ThreadID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("thread %s: %w", t.ThreadID, ErrConflict)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO `+r.table("threads")+` (`+threadColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), t.ThreadID, t.Status, nullableMap(t.Values), nullableMap(t.Interrupts), marshalMap(t.Metadata), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetThread retrieves a thread by id under the owner scope.
func (r *Repository) GetThread(ctx context.Context, id, owner string) (*models.Thread, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+threadColumns+` FROM `+r.table("threads")+`
		WHERE thread_id = ? AND `+r.readScope(),
	), id, owner)
	t, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, err
}

// SearchThreads lists threads for an owner, optionally filtered by status and
// metadata values, newest first.
func (r *Repository) SearchThreads(ctx context.Context, owner string, filter ThreadFilter) ([]*models.Thread, error) {
	query := `SELECT ` + threadColumns + ` FROM ` + r.table("threads") + ` WHERE ` + r.readScope()
	args := []interface{}{owner}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query, args = appendMetadataFilter(r.ro.DriverName(), query, args, filter.Metadata)
	query += ` ORDER BY created_at DESC`
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// CountThreads returns the number of threads matching the filter.
func (r *Repository) CountThreads(ctx context.Context, owner string, filter ThreadFilter) (int, error) {
	query := `SELECT COUNT(*) FROM ` + r.table("threads") + ` WHERE ` + r.readScope()
	args := []interface{}{owner}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query, args = appendMetadataFilter(r.ro.DriverName(), query, args, filter.Metadata)

	var count int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateThreadStatus transitions a thread's status.
func (r *Repository) UpdateThreadStatus(ctx context.Context, id string, status models.ThreadStatus, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("threads")+` SET status = ?, updated_at = ?
		WHERE thread_id = ? AND `+r.writeScope(),
	), status, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateThreadMetadata replaces a thread's metadata.
func (r *Repository) UpdateThreadMetadata(ctx context.Context, id string, metadata map[string]interface{}, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("threads")+` SET metadata = ?, updated_at = ?
		WHERE thread_id = ? AND `+r.writeScope(),
	), marshalMap(metadata), time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteThread removes a thread owned by the caller. Runs and state snapshots
// go with it through the foreign keys.
func (r *Repository) DeleteThread(ctx context.Context, id, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM `+r.table("threads")+` WHERE thread_id = ? AND `+r.writeScope(),
	), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return nil
}

// nullableMap serialises an optional JSON object column: nil stays NULL.
func nullableMap(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	return marshalMap(m)
}

func scanThread(row rowScanner) (*models.Thread, error) {
	t := &models.Thread{}
	var values, interrupts sql.NullString
	var metadata string
	err := row.Scan(&t.ThreadID, &t.Status, &values, &interrupts, &metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if values.Valid {
		t.Values = unmarshalMap(values.String)
	}
	if interrupts.Valid {
		t.Interrupts = unmarshalMap(interrupts.String)
	}
	t.Metadata = unmarshalMap(metadata)
	return t, nil
}
