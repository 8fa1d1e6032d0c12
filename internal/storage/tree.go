package storage

import (
	"context"
	"fmt"
	"strings"
)

// TreeRow is one persisted write of the realtime tree. Value is the JSON
// encoding of the node, or nil for a removal.
type TreeRow struct {
	Path  string
	Value []byte
}

// Depth is the number of segments in p.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// PutTree applies rows in order inside one transaction. Each row replaces
// the path and drops every persisted descendant, so the surviving rows can
// be replayed by ascending depth to rebuild the tree.
func (d *DB) PutTree(ctx context.Context, rows []TreeRow) error {
	if len(rows) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if row.Path == "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM _tree`); err != nil {
				return fmt.Errorf("clear tree: %w", err)
			}
		} else if _, err := tx.ExecContext(ctx,
			// '0' sorts right after '/', so this range is exactly the subtree
			`DELETE FROM _tree WHERE path >= ? AND path < ?`,
			row.Path+"/", row.Path+"0",
		); err != nil {
			return fmt.Errorf("drop descendants of %s: %w", row.Path, err)
		}

		var value any
		if row.Value != nil {
			value = string(row.Value)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _tree (path, depth, value, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(path) DO UPDATE SET
				value      = excluded.value,
				updated_at = CURRENT_TIMESTAMP`,
			row.Path, Depth(row.Path), value,
		); err != nil {
			return fmt.Errorf("write %s: %w", row.Path, err)
		}
	}
	return tx.Commit()
}

// LoadTree returns every persisted row ordered by depth then path.
func (d *DB) LoadTree(ctx context.Context) ([]TreeRow, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx, `SELECT path, value FROM _tree ORDER BY depth, path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TreeRow
	for rows.Next() {
		var (
			path  string
			value *string
		)
		if err := rows.Scan(&path, &value); err != nil {
			return nil, err
		}
		row := TreeRow{Path: path}
		if value != nil {
			row.Value = []byte(*value)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
