package repository

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/internal/db/dialect"
	"github.com/loomhq/loom/internal/runtime/models"
)

const assistantColumns = `assistant_id, graph_id, name, description, config, context, metadata, version, created_at, updated_at`

// AssistantFilter narrows assistant searches.
type AssistantFilter struct {
	GraphID  string
	Metadata map[string]interface{}
	Limit    int
	Offset   int
}

// CreateAssistant inserts a new assistant. An explicit assistant_id is kept
// as-is; a missing one is generated. Returns ErrConflict when the id is taken.
func (r *Repository) CreateAssistant(ctx context.Context, a *models.Assistant) error {
	if a.AssistantID == "" {
		a.AssistantID = uuid.New().String()
	}
	if a.Version == 0 {
		a.Version = 1
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	var exists int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(
		`SELECT COUNT(*) FROM `+r.table("assistants")+` WHERE assistant_id = ?`,
	), a.AssistantID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("assistant %s: %w", a.AssistantID, ErrConflict)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO `+r.table("assistants")+` (`+assistantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), a.AssistantID, a.GraphID, a.Name, a.Description, marshalMap(a.Config), marshalMap(a.Context), marshalMap(a.Metadata), a.Version, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetAssistant retrieves an assistant by id under the owner scope.
func (r *Repository) GetAssistant(ctx context.Context, id, owner string) (*models.Assistant, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+assistantColumns+` FROM `+r.table("assistants")+`
		WHERE assistant_id = ? AND `+r.readScope(),
	), id, owner)
	a, err := scanAssistant(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return a, err
}

// GetAssistantByGraph retrieves the oldest assistant registered for a graph
// under the owner scope. Startup-seeded system assistants win over later
// user copies.
func (r *Repository) GetAssistantByGraph(ctx context.Context, graphID, owner string) (*models.Assistant, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+assistantColumns+` FROM `+r.table("assistants")+`
		WHERE graph_id = ? AND `+r.readScope()+`
		ORDER BY created_at ASC LIMIT 1`,
	), graphID, owner)
	a, err := scanAssistant(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("assistant for graph %s: %w", graphID, ErrNotFound)
	}
	return a, err
}

// SearchAssistants lists assistants for an owner, optionally filtered by
// graph id and metadata values, newest first.
func (r *Repository) SearchAssistants(ctx context.Context, owner string, filter AssistantFilter) ([]*models.Assistant, error) {
	query := `SELECT ` + assistantColumns + ` FROM ` + r.table("assistants") + ` WHERE ` + r.readScope()
	args := []interface{}{owner}
	query, args = appendAssistantFilter(r.ro.DriverName(), query, args, filter)
	query += ` ORDER BY created_at DESC`
	query, args = appendPage(query, args, filter.Limit, filter.Offset)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Assistant
	for rows.Next() {
		a, err := scanAssistant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// CountAssistants returns the number of assistants matching the filter.
func (r *Repository) CountAssistants(ctx context.Context, owner string, filter AssistantFilter) (int, error) {
	query := `SELECT COUNT(*) FROM ` + r.table("assistants") + ` WHERE ` + r.readScope()
	args := []interface{}{owner}
	query, args = appendAssistantFilter(r.ro.DriverName(), query, args, filter)

	var count int
	if err := r.ro.QueryRowContext(ctx, r.ro.Rebind(query), args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateAssistant replaces the mutable fields of an assistant owned by the
// caller and records the new version.
func (r *Repository) UpdateAssistant(ctx context.Context, a *models.Assistant, owner string) error {
	a.UpdatedAt = time.Now().UTC()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE `+r.table("assistants")+`
		SET graph_id = ?, name = ?, description = ?, config = ?, context = ?, metadata = ?, version = ?, updated_at = ?
		WHERE assistant_id = ? AND `+r.writeScope(),
	), a.GraphID, a.Name, a.Description, marshalMap(a.Config), marshalMap(a.Context), marshalMap(a.Metadata), a.Version, a.UpdatedAt, a.AssistantID, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("assistant %s: %w", a.AssistantID, ErrNotFound)
	}
	return nil
}

// DeleteAssistant removes an assistant owned by the caller.
func (r *Repository) DeleteAssistant(ctx context.Context, id, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM `+r.table("assistants")+` WHERE assistant_id = ? AND `+r.writeScope(),
	), id, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("assistant %s: %w", id, ErrNotFound)
	}
	return nil
}

func appendAssistantFilter(driver, query string, args []interface{}, filter AssistantFilter) (string, []interface{}) {
	if filter.GraphID != "" {
		query += ` AND graph_id = ?`
		args = append(args, filter.GraphID)
	}
	return appendMetadataFilter(driver, query, args, filter.Metadata)
}

var metadataKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// appendMetadataFilter adds one equality predicate per metadata key. Values
// are compared as their JSON text form, which is how both drivers extract
// scalar JSON fields. Keys are interpolated into the JSON path, so anything
// outside the safe character set turns the query into a non-match instead.
func appendMetadataFilter(driver, query string, args []interface{}, metadata map[string]interface{}) (string, []interface{}) {
	for key, value := range metadata {
		if !metadataKeyPattern.MatchString(key) {
			query += ` AND 1 = 0`
			continue
		}
		query += ` AND ` + dialect.JSONExtract(driver, "metadata", key) + ` = ?`
		args = append(args, fmt.Sprintf("%v", value))
	}
	return query, args
}

func appendPage(query string, args []interface{}, limit, offset int) (string, []interface{}) {
	if limit <= 0 {
		limit = 20
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return query, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssistant(row rowScanner) (*models.Assistant, error) {
	a := &models.Assistant{}
	var config, context, metadata string
	err := row.Scan(&a.AssistantID, &a.GraphID, &a.Name, &a.Description, &config, &context, &metadata, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Config = unmarshalMap(config)
	a.Context = unmarshalMap(context)
	a.Metadata = unmarshalMap(metadata)
	return a, nil
}
