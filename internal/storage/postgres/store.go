package postgres

import (
	"context"
	_ "embed"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/certgen/shared/postgresql"
)

// Schema creates every table idempotently
//
//go:embed schema.sql
var Schema string

// Store implements the ledger, template and catalog stores on PostgreSQL
type Store struct {
	client *postgresql.Client
	db     *sqlx.DB
}

// NewStore creates a Store
func NewStore(pg *postgresql.Client) *Store {
	return &Store{
		client: pg,
		db:     pg.GetDB(),
	}
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	return s.client.Migrate(ctx, Schema)
}
