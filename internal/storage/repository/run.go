package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/runtime/models"
)

const runColumns = `run_id, thread_id, assistant_id, status, metadata, kwargs, multitask_strategy, created_at, updated_at`

// CreateRun inserts a new run record.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.MultitaskStrategy == "" {
		run.MultitaskStrategy = models.MultitaskEnqueue
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO `+r.table("runs")+` (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), run.RunID, run.ThreadID, run.AssistantID, run.Status, marshalMap(run.Metadata), marshalMap(run.Kwargs), run.MultitaskStrategy, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun retrieves one run on a thread under the owner scope.
func (r *Repository) GetRun(ctx context.Context, threadID, runID, owner string) (*models.Run, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+runColumns+` FROM `+r.table("runs")+`
		WHERE run_id = ? AND thread_id = ? AND `+r.readScope(),
	), runID, threadID, owner)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// GetRunByID retrieves a run by id alone under the owner scope.
func (r *Repository) GetRunByID(ctx context.Context, runID, owner string) (*models.Run, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+runColumns+` FROM `+r.table("runs")+`
		WHERE run_id = ? AND `+r.readScope(),
	), runID, owner)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

// GetActiveRun returns the run currently holding the thread (pending or
// running), or nil when the thread is free.
func (r *Repository) GetActiveRun(ctx context.Context, threadID, owner string) (*models.Run, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+runColumns+` FROM `+r.table("runs")+`
		WHERE thread_id = ? AND status IN (?, ?) AND `+r.readScope()+`
		ORDER BY created_at ASC LIMIT 1`,
	), threadID, models.RunStatusPending, models.RunStatusRunning, owner)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns runs on a thread, newest first.
func (r *Repository) ListRuns(ctx context.Context, threadID, owner string, limit, offset int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM ` + r.table("runs") + `
		WHERE thread_id = ? AND ` + r.readScope() + `
		ORDER BY created_at DESC`
	args := []interface{}{threadID, owner}
	query, args = appendPage(query, args, limit, offset)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// UpdateRunStatus sets a run's status unconditionally and stamps updated_at.
func (r *Repository) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("runs")+` SET status = ?, updated_at = ?
		WHERE run_id = ? AND `+r.writeScope(),
	), status, time.Now().UTC(), runID, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// TransitionRun moves a run from one of the given statuses to the target
// status. Reports whether the transition happened; false means the run was
// missing or already outside the from-set, which keeps transitions one-way
// under concurrent writers.
func (r *Repository) TransitionRun(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, owner string) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition for run %s needs at least one source status", runID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	args := []interface{}{to, time.Now().UTC(), runID}
	for _, s := range from {
		args = append(args, s)
	}
	args = append(args, owner)

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("runs")+` SET status = ?, updated_at = ?
		WHERE run_id = ? AND status IN (`+placeholders+`) AND `+r.writeScope(),
	), args...)
	if err != nil {
		return false, err
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// DeleteRun removes one run on a thread owned by the caller.
func (r *Repository) DeleteRun(ctx context.Context, threadID, runID, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM `+r.table("runs")+`
		WHERE run_id = ? AND thread_id = ? AND `+r.writeScope(),
	), runID, threadID, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// SweepStaleRuns transitions runs stuck in pending or running since before
// the cutoff to error, across all owners. Operator tooling only.
func (r *Repository) SweepStaleRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("runs")+` SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND updated_at <= ?
	`), models.RunStatusError, time.Now().UTC(), models.RunStatusPending, models.RunStatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanRun(row rowScanner) (*models.Run, error) {
	run := &models.Run{}
	var metadata, kwargs string
	err := row.Scan(&run.RunID, &run.ThreadID, &run.AssistantID, &run.Status, &metadata, &kwargs, &run.MultitaskStrategy, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Metadata = unmarshalMap(metadata)
	run.Kwargs = unmarshalMap(kwargs)
	return run, nil
}
