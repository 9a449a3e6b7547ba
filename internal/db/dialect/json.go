package dialect

import "fmt"

// JSONExtract returns the SQL fragment to extract a JSON value.
//
//	SQLite:   json_extract(col, '$.path')
//	Postgres: col::jsonb->>'path'
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// JSONExtractIsNotNull returns the SQL fragment to check that a JSON path is not null.
//
//	SQLite:   json_extract(col, '$.path') IS NOT NULL
//	Postgres: col::jsonb->>'path' IS NOT NULL
func JSONExtractIsNotNull(driver, col, path string) string {
	return JSONExtract(driver, col, path) + " IS NOT NULL"
}

// OwnerScope returns the WHERE fragment enforcing owner visibility on a
// metadata column: rows are visible to their owner and to everyone when the
// owner is the system sentinel. The fragment consumes one bind parameter.
func OwnerScope(driver, col string) string {
	expr := JSONExtract(driver, col, "owner")
	return fmt.Sprintf("(%s = ? OR %s = 'system')", expr, expr)
}
