// Package registry persists published asset documents.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"datagate/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Publish records a new asset. The encrypted location list must already be
// assigned; a document without one is not publishable.
func (s Store) Publish(ctx context.Context, a domain.Asset) error {
	if a.ID == "" || a.Owner == "" {
		return fmt.Errorf("asset id and owner are required")
	}
	if a.EncryptedFiles == "" {
		return fmt.Errorf("asset %s has no encrypted location list", a.ID)
	}
	files, err := json.Marshal(a.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	if a.CreatedAt == "" {
		a.CreatedAt = s.now().UTC().Format(time.RFC3339)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO assets(id,owner,name,service_type,price,files_json,encrypted_files,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Owner, a.Name, a.ServiceType, a.Price, string(files), a.EncryptedFiles, a.CreatedAt)
	return err
}

func scanAsset(scan func(dest ...any) error) (domain.Asset, error) {
	var a domain.Asset
	var files string
	err := scan(&a.ID, &a.Owner, &a.Name, &a.ServiceType, &a.Price, &files, &a.EncryptedFiles, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal([]byte(files), &a.Files); err != nil {
		return a, fmt.Errorf("asset %s files: %w", a.ID, err)
	}
	return a, nil
}

const assetColumns = `id,owner,name,service_type,price,files_json,encrypted_files,created_at`

func (s Store) Get(ctx context.Context, id string) (domain.Asset, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=? AND retired_at IS NULL`, id)
	return scanAsset(row.Scan)
}

func (s Store) List(ctx context.Context) ([]domain.Asset, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE retired_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Retire hides an asset from Get and List without deleting its row.
func (s Store) Retire(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE assets SET retired_at=? WHERE id=? AND retired_at IS NULL`,
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
