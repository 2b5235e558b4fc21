package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateClient provisions a tenant credential record. The hash must already
// be the bcrypt hash of the API key secret.
func (s *Store) CreateClient(ctx context.Context, name, apiKeyHash string) (*Client, error) {
	if name == "" || apiKeyHash == "" {
		return nil, fmt.Errorf("%w: client name and key hash are required", ErrInvalidInput)
	}

	c := &Client{Name: name, APIKeyHash: apiKeyHash}
	err := s.db.Pool.QueryRow(ctx,
		`INSERT INTO client (name, api_key_hash) VALUES ($1, $2)
		 RETURNING created_at`,
		name, apiKeyHash,
	).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert client: %w", err)
	}
	return c, nil
}

// GetClient looks up a tenant credential record by name.
func (s *Store) GetClient(ctx context.Context, name string) (*Client, error) {
	c := &Client{Name: name}
	err := s.db.Pool.QueryRow(ctx,
		`SELECT api_key_hash, created_at FROM client WHERE name = $1`,
		name,
	).Scan(&c.APIKeyHash, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select client: %w", err)
	}
	return c, nil
}
