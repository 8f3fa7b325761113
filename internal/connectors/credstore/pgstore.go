package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore is the pgx-backed Store. Conditional writes use the version column
// so concurrent refreshes on the same connection cannot clobber each other.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Get(ctx context.Context, id string) (Connection, error) {
	var conn Connection
	err := s.pool.QueryRow(ctx,
		`SELECT id, vendor, config, version, updated_at FROM connections WHERE id = $1`,
		strings.TrimSpace(id),
	).Scan(&conn.ID, &conn.Vendor, &conn.Config, &conn.Version, &conn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Connection{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Connection{}, err
	}
	return conn, nil
}

func (s *PGStore) List(ctx context.Context) ([]Connection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, vendor, config, version, updated_at FROM connections ORDER BY vendor, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Connection
	for rows.Next() {
		var conn Connection
		if err := rows.Scan(&conn.ID, &conn.Vendor, &conn.Config, &conn.Version, &conn.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func (s *PGStore) Put(ctx context.Context, conn Connection) error {
	conn.ID = strings.TrimSpace(conn.ID)
	conn.Vendor = strings.ToLower(strings.TrimSpace(conn.Vendor))
	if conn.ID == "" {
		return errors.New("connection ID is required")
	}
	if conn.Vendor == "" {
		return errors.New("connection vendor is required")
	}
	if len(conn.Config) == 0 {
		conn.Config = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connections (id, vendor, config, version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (id) DO UPDATE
		SET vendor = EXCLUDED.vendor,
		    config = EXCLUDED.config,
		    version = connections.version + 1,
		    updated_at = now()`,
		conn.ID, conn.Vendor, conn.Config)
	return err
}

func (s *PGStore) UpdateConnection(ctx context.Context, id string, mutate func(raw []byte) ([]byte, error)) error {
	id = strings.TrimSpace(id)
	for attempt := 0; attempt < updateRetries; attempt++ {
		conn, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		updated, err := mutate(append([]byte(nil), conn.Config...))
		if err != nil {
			return err
		}
		tag, err := s.pool.Exec(ctx, `
			UPDATE connections
			SET config = $1, version = version + 1, updated_at = now()
			WHERE id = $2 AND version = $3`,
			updated, id, conn.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		// Lost the race; re-read and try again.
	}
	return fmt.Errorf("%w: %s", ErrVersionConflict, id)
}
