// Package pgconfig implements contracts.ConfigStore over PostgreSQL,
// persisting the generic key/value namespace in one table and camera
// documents in a second, JSONB-backed table.
package pgconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/technosupport/videocore/internal/contracts"
)

// ErrRecordNotFound is returned by lookups that find no matching row.
var ErrRecordNotFound = errors.New("pgconfig: record not found")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Store implements contracts.ConfigStore against Postgres.
type Store struct {
	db DBTX
}

// New constructs a Store over an already-migrated database connection.
func New(db DBTX) *Store { return &Store{db: db} }

// Get returns the namespaced key's value, or def if absent.
func (s *Store) Get(ctx context.Context, namespace, key, def string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM config_entries WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("pgconfig: get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Put upserts a namespaced key/value pair, reporting whether a new row
// was created.
func (s *Store) Put(ctx context.Context, namespace, key, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO config_entries (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = NOW()
		`, namespace, key, value)
	if err != nil {
		return false, fmt.Errorf("pgconfig: put %s/%s: %w", namespace, key, err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// List returns every key/value pair under namespace.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM config_entries WHERE namespace = $1`, namespace)
	if err != nil {
		return nil, fmt.Errorf("pgconfig: list %s: %w", namespace, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("pgconfig: scan %s: %w", namespace, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Delete removes a namespaced key, reporting whether a row existed.
func (s *Store) Delete(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM config_entries WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return false, fmt.Errorf("pgconfig: delete %s/%s: %w", namespace, key, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// GetCameraConfig loads one camera's document, reporting whether it exists.
func (s *Store) GetCameraConfig(ctx context.Context, id contracts.CameraID) (contracts.CameraConfigDoc, bool, error) {
	var raw []byte
	var updatedAt time.Time
	var deletedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, updated_at, deleted_at FROM camera_configs WHERE camera_id = $1`,
		string(id),
	).Scan(&raw, &updatedAt, &deletedAt)
	if err == sql.ErrNoRows {
		return contracts.CameraConfigDoc{}, false, nil
	}
	if err != nil {
		return contracts.CameraConfigDoc{}, false, fmt.Errorf("pgconfig: get camera %s: %w", id, err)
	}

	var doc contracts.CameraConfigDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return contracts.CameraConfigDoc{}, false, fmt.Errorf("pgconfig: decode camera %s: %w", id, err)
	}
	doc.UpdatedAt = updatedAt
	if deletedAt.Valid {
		doc.DeletedAt = &deletedAt.Time
	}
	return doc, true, nil
}

// SaveCameraConfig upserts a camera's document as JSONB.
func (s *Store) SaveCameraConfig(ctx context.Context, id contracts.CameraID, doc contracts.CameraConfigDoc) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pgconfig: encode camera %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO camera_configs (camera_id, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (camera_id) DO UPDATE SET doc = $2, updated_at = NOW(), deleted_at = NULL
		`, string(id), raw)
	if err != nil {
		return fmt.Errorf("pgconfig: save camera %s: %w", id, err)
	}
	return nil
}

// ListCameraIDs returns every non-deleted camera id.
func (s *Store) ListCameraIDs(ctx context.Context) ([]contracts.CameraID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT camera_id FROM camera_configs WHERE deleted_at IS NULL ORDER BY camera_id`)
	if err != nil {
		return nil, fmt.Errorf("pgconfig: list camera ids: %w", err)
	}
	defer rows.Close()

	var ids []contracts.CameraID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pgconfig: scan camera id: %w", err)
		}
		ids = append(ids, contracts.CameraID(id))
	}
	return ids, rows.Err()
}

// SoftDeleteCamera marks a camera document deleted without removing it.
func (s *Store) SoftDeleteCamera(ctx context.Context, id contracts.CameraID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE camera_configs SET deleted_at = NOW() WHERE camera_id = $1 AND deleted_at IS NULL`,
		string(id))
	if err != nil {
		return fmt.Errorf("pgconfig: soft delete camera %s: %w", id, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
