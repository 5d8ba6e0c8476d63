package accesskey

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*AccessKey, error) {
	query := `
		SELECT id, user_id, key_hash, active, created_at
		FROM access_keys
		WHERE key_hash = $1 AND active = true
	`

	var k AccessKey
	err := s.db.QueryRow(ctx, query, hashKey(key)).Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.Active, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get access key: %w", err)
	}

	return &k, nil
}

func (s *PostgresStore) Create(ctx context.Context, accessKey *AccessKey) error {
	if accessKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}

	query := `
		INSERT INTO access_keys (user_id, key_hash, active)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		accessKey.UserID, accessKey.KeyHash, accessKey.Active,
	).Scan(&accessKey.ID, &accessKey.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create access key: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	tag, err := s.db.Exec(ctx, `UPDATE access_keys SET active = false WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke access key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
