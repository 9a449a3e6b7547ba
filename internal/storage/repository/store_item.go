package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/runtime/models"
)

const storeItemColumns = `namespace, key, value, metadata, created_at, updated_at`

// PutItem upserts a store item keyed by (namespace, key, owner). The
// namespace is persisted in its canonical JSON array form so that prefix
// search never has to guess at separators.
func (r *Repository) PutItem(ctx context.Context, item *models.StoreItem, owner string) error {
	now := time.Now().UTC()
	item.UpdatedAt = now
	item.Metadata = models.WithOwner(item.Metadata, owner)
	ns := marshalStrings(item.Namespace)

	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE `+r.table("store_items")+` SET value = ?, metadata = ?, updated_at = ?
		WHERE namespace = ? AND key = ? AND `+r.writeScope(),
	), marshalMap(item.Value), marshalMap(item.Metadata), item.UpdatedAt, ns, item.Key, owner)
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("failed to rollback store update: %w", rollbackErr)
		}
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		item.CreatedAt = now
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO `+r.table("store_items")+` (`+storeItemColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)
		`), ns, item.Key, marshalMap(item.Value), marshalMap(item.Metadata), item.CreatedAt, item.UpdatedAt)
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				return fmt.Errorf("failed to rollback store insert: %w", rollbackErr)
			}
			return err
		}
	}

	return tx.Commit()
}

// GetItem retrieves one store item under the owner scope.
func (r *Repository) GetItem(ctx context.Context, namespace []string, key, owner string) (*models.StoreItem, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+storeItemColumns+` FROM `+r.table("store_items")+`
		WHERE namespace = ? AND key = ? AND `+r.readScope(),
	), marshalStrings(namespace), key, owner)
	item, err := scanStoreItem(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store item %s: %w", key, ErrNotFound)
	}
	return item, err
}

// DeleteItem removes one store item owned by the caller.
func (r *Repository) DeleteItem(ctx context.Context, namespace []string, key, owner string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM `+r.table("store_items")+`
		WHERE namespace = ? AND key = ? AND `+r.writeScope(),
	), marshalStrings(namespace), key, owner)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("store item %s: %w", key, ErrNotFound)
	}
	return nil
}

// SearchItems lists store items whose namespace starts with the given prefix,
// newest first. An empty prefix lists everything visible to the owner.
func (r *Repository) SearchItems(ctx context.Context, owner string, prefix []string, limit, offset int) ([]*models.StoreItem, error) {
	query := `SELECT ` + storeItemColumns + ` FROM ` + r.table("store_items") + ` WHERE ` + r.readScope()
	args := []interface{}{owner}
	if len(prefix) > 0 {
		query += ` AND (namespace = ? OR namespace LIKE ? ESCAPE '\')`
		args = append(args, marshalStrings(prefix), namespacePrefixPattern(prefix))
	}
	query += ` ORDER BY updated_at DESC`
	query, args = appendPage(query, args, limit, offset)

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.StoreItem
	for rows.Next() {
		item, err := scanStoreItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// namespacePrefixPattern turns a namespace prefix into a LIKE pattern over
// the canonical JSON encoding: ["a","b"] matches ["a","b",...] but never
// ["a","bc"]. LIKE metacharacters inside segments are escaped.
func namespacePrefixPattern(prefix []string) string {
	encoded := marshalStrings(prefix)
	head := strings.TrimSuffix(encoded, "]")
	return escapeLike(head) + ",%"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func scanStoreItem(row rowScanner) (*models.StoreItem, error) {
	item := &models.StoreItem{}
	var namespace, value, metadata string
	err := row.Scan(&namespace, &item.Key, &value, &metadata, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Namespace = unmarshalStrings(namespace)
	item.Value = unmarshalMap(value)
	item.Metadata = unmarshalMap(metadata)
	return item, nil
}
