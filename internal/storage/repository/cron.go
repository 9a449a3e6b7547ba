package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/runtime/models"
)

const cronColumns = `cron_id, assistant_id, thread_id, schedule, end_time, payload, next_run_date, on_run_completed, metadata, created_at, updated_at`

// CreateCron inserts a new cron record.
func (r *Repository) CreateCron(ctx context.Context, c *models.Cron) error {
	if c.CronID == "" {
		c.CronID = uuid.New().String()
	}
	if c.OnRunCompleted == "" {
		c.OnRunCompleted = models.OnCompletionDelete
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO `+r.table("crons")+` (`+cronColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.CronID, c.AssistantID, c.ThreadID, c.Schedule, c.EndTime, marshalMap(c.Payload), c.NextRunDate, c.OnRunCompleted, marshalMap(c.Metadata), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCron retrieves a cron by id under the owner scope.
func (r *Repository) GetCron(ctx context.Context, id, owner string) (*models.Cron, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+cronColumns+` FROM `+r.table("crons")+`
		WHERE cron_id = ? AND `+r.readScope(),
	), id, owner)
	c, err := scanCron(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cron %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListCrons returns the caller's crons, newest first.
func (r *Repository) ListCrons(ctx context.Context, owner string, limit, offset int) ([]*models.Cron, error) {
	query := `SELECT ` + cronColumns + ` FROM ` + r.table("crons") + `
		WHERE ` + r.readScope() + ` ORDER BY created_at DESC`
	args := []interface{}{owner}
	query, args = appendPage(query, args, limit, offset)
	return r.queryCrons(ctx, query, args...)
}

// ListAllCrons returns every cron across owners. The scheduler uses this at
// startup to rebuild its in-memory timers.
func (r *Repository) ListAllCrons(ctx context.Context) ([]*models.Cron, error) {
	query := `SELECT ` + cronColumns + ` FROM ` + r.table("crons") + ` ORDER BY created_at ASC`
	return r.queryCrons(ctx, query)
}

// UpdateCronFired persists the recomputed next_run_date (and the thread the
// fire ran on) after a cron fires.
func (r *Repository) UpdateCronFired(ctx context.Context, id string, nextRunDate *time.Time, threadID *string, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("crons")+` SET next_run_date = ?, thread_id = ?, updated_at = ?
		WHERE cron_id = ? AND `+r.writeScope(),
	), nextRunDate, threadID, time.Now().UTC(), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("cron %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteCron removes a cron owned by the caller.
func (r *Repository) DeleteCron(ctx context.Context, id, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM `+r.table("crons")+` WHERE cron_id = ? AND `+r.writeScope(),
	), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("cron %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *Repository) queryCrons(ctx context.Context, query string, args ...interface{}) ([]*models.Cron, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Cron
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanCron(row rowScanner) (*models.Cron, error) {
	c := &models.Cron{}
	var threadID sql.NullString
	var endTime, nextRunDate sql.NullTime
	var payload, metadata string
	err := row.Scan(&c.CronID, &c.AssistantID, &threadID, &c.Schedule, &endTime, &payload, &nextRunDate, &c.OnRunCompleted, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if threadID.Valid {
		c.ThreadID = &threadID.String
	}
	if endTime.Valid {
		t := endTime.Time
		c.EndTime = &t
	}
	if nextRunDate.Valid {
		t := nextRunDate.Time
		c.NextRunDate = &t
	}
	c.Payload = unmarshalMap(payload)
	c.Metadata = unmarshalMap(metadata)
	return c, nil
}
