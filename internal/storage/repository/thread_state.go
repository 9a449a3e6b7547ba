package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/db/dialect"
	"github.com/loomhq/loom/internal/runtime/models"
)

const threadStateColumns = `checkpoint_id, thread_id, "values", next, tasks, interrupts, metadata, created_at`

// AddStateSnapshot appends a state snapshot and updates the thread row's
// denormalised values cache in the same transaction. A missing checkpoint_id
// is generated.
func (r *Repository) AddStateSnapshot(ctx context.Context, s *models.ThreadState, owner string) error {
	if s.CheckpointID == "" {
		s.CheckpointID = uuid.New().String()
	}
	s.CreatedAt = time.Now().UTC()
	s.Metadata = models.WithOwner(s.Metadata, owner)

	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}

	_, err = dialect.InsertReturningID(ctx, tx, `
		INSERT INTO `+r.table("thread_states")+` (`+threadStateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, s.CheckpointID, s.ThreadID, marshalMap(s.Values), marshalStrings(s.Next), marshalMapList(s.Tasks), nullableMap(s.Interrupts), marshalMap(s.Metadata), s.CreatedAt)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback snapshot insert: %w", rollbackErr)
		}
		return err
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE `+r.table("threads")+` SET "values" = ?, interrupts = ?, updated_at = ?
		WHERE thread_id = ? AND `+r.writeScope(),
	), marshalMap(s.Values), nullableMap(s.Interrupts), s.CreatedAt, s.ThreadID, owner)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback thread values update: %w", rollbackErr)
		}
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback thread values update: %w", rollbackErr)
		}
		return fmt.Errorf("thread %s: %w", s.ThreadID, ErrNotFound)
	}

	return tx.Commit()
}

// GetState returns the most recent snapshot of a thread, or nil when the
// thread has no snapshots yet.
func (r *Repository) GetState(ctx context.Context, threadID, owner string) (*models.ThreadState, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+threadStateColumns+` FROM `+r.table("thread_states")+`
		WHERE thread_id = ? AND `+r.readScope()+`
		ORDER BY id DESC LIMIT 1`,
	), threadID, owner)
	s, err := scanThreadState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return s, err
}

// GetHistory returns up to limit snapshots newest-first, excluding snapshots
// at or after the before checkpoint when given.
func (r *Repository) GetHistory(ctx context.Context, threadID, owner string, limit int, before string) ([]*models.ThreadState, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + threadStateColumns + ` FROM ` + r.table("thread_states") + `
		WHERE thread_id = ? AND ` + r.readScope()
	args := []interface{}{threadID, owner}
	if before != "" {
		query += ` AND id < (SELECT id FROM ` + r.table("thread_states") + ` WHERE checkpoint_id = ?)`
		args = append(args, before)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ThreadState
	for rows.Next() {
		s, err := scanThreadState(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func marshalMapList(v []map[string]interface{}) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func scanThreadState(row rowScanner) (*models.ThreadState, error) {
	s := &models.ThreadState{}
	var values, next, tasks, metadata string
	var interrupts sql.NullString
	err := row.Scan(&s.CheckpointID, &s.ThreadID, &values, &next, &tasks, &interrupts, &metadata, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Values = unmarshalMap(values)
	s.Next = unmarshalStrings(next)
	_ = json.Unmarshal([]byte(tasks), &s.Tasks)
	if interrupts.Valid {
		s.Interrupts = unmarshalMap(interrupts.String)
	}
	s.Metadata = unmarshalMap(metadata)
	return s, nil
}
