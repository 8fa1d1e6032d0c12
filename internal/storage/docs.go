package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Doc is one document of a collection.
type Doc struct {
	ID   string
	Data map[string]any
}

// GetDoc returns the document, or false if it does not exist.
func (d *DB) GetDoc(ctx context.Context, collection, id string) (map[string]any, bool, error) {
	if !validIdent(collection) {
		return nil, false, fmt.Errorf("invalid collection name: %q", collection)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var raw string
	err := d.db.QueryRowContext(ctx,
		`SELECT data FROM _docs WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data, err := decodeDoc(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return data, true, nil
}

// SetDoc stores or fully replaces a document.
func (d *DB) SetDoc(ctx context.Context, collection, id string, data map[string]any) error {
	if !validIdent(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO _docs (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data       = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(b),
	)
	return err
}

// MergeDoc sets the given top-level fields, creating the document if needed.
func (d *DB) MergeDoc(ctx context.Context, collection, id string, fields map[string]any) error {
	if !validIdent(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	data := map[string]any{}
	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM _docs WHERE collection = ? AND id = ?`, collection, id,
	).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if data, err = decodeDoc(raw); err != nil {
			return fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
	}
	for k, v := range fields {
		data[k] = v
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _docs (collection, id, data) VALUES (?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			data       = excluded.data,
			updated_at = CURRENT_TIMESTAMP`,
		collection, id, string(b),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteDoc removes a document. Deleting a missing document is not an error.
func (d *DB) DeleteDoc(ctx context.Context, collection, id string) error {
	if !validIdent(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `DELETE FROM _docs WHERE collection = ? AND id = ?`, collection, id)
	return err
}

// ListDocs returns every document of a collection ordered by id.
func (d *DB) ListDocs(ctx context.Context, collection string) ([]Doc, error) {
	if !validIdent(collection) {
		return nil, fmt.Errorf("invalid collection name: %q", collection)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rows, err := d.db.QueryContext(ctx,
		`SELECT id, data FROM _docs WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		data, err := decodeDoc(raw)
		if err != nil {
			log.Warnf("skipping undecodable doc %s/%s: %v", collection, id, err)
			continue
		}
		out = append(out, Doc{ID: id, Data: data})
	}
	return out, rows.Err()
}

func decodeDoc(raw string) (map[string]any, error) {
	data := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, err
	}
	return data, nil
}
