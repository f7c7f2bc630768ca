// Package postgres implements the space store on PostgreSQL.
// Each space's metadata document lives in one JSONB row and its audit chain
// (anchor + events array) in another, so whole-document replace maps to a
// single-row UPSERT and stays atomic without explicit transactions.
// Schema versioning uses golang-migrate with migrations embedded in the
// binary, applied on startup without external tooling.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/ugoite/ugoite-server/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a PostgreSQL-backed store.SpaceStore.
type Store struct {
	db *sqlx.DB
}

// Connect opens a connection pool against dsn and applies pending
// migrations.
func Connect(dsn string, maxConnections, minIdleConnections int) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}
	db.SetMaxOpenConns(maxConnections)
	db.SetMaxIdleConns(minIdleConnections)

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection without running migrations.
// Intended for tests.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("postgres store: migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres store: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("postgres store: migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("postgres store: apply migrations: %w", err)
	}
	return nil
}

// GetSpace implements store.SpaceStore.
func (s *Store) GetSpace(ctx context.Context, spaceID string) (store.Document, error) {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT document FROM spaces WHERE id = $1`, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrSpaceNotFound, spaceID)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: read space %s: %w", spaceID, err)
	}
	var doc store.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("postgres store: space %s document is malformed: %w", spaceID, err)
	}
	return doc, nil
}

// PatchSpace implements store.SpaceStore. The caller holds the space lock,
// so read-merge-upsert is safe against concurrent mutation of the same
// space.
func (s *Store) PatchSpace(ctx context.Context, spaceID string, patch store.Document) error {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return err
	}
	doc, err := s.GetSpace(ctx, spaceID)
	if err != nil {
		if !errors.Is(err, store.ErrSpaceNotFound) {
			return err
		}
		doc = store.Document{}
	}
	for key, value := range patch {
		doc[key] = value
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres store: marshal space %s: %w", spaceID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO spaces (id, document, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = NOW()
	`, spaceID, raw)
	if err != nil {
		return fmt.Errorf("postgres store: write space %s: %w", spaceID, err)
	}
	return nil
}

// ReadChain implements store.SpaceStore.
func (s *Store) ReadChain(ctx context.Context, spaceID string) (store.Chain, error) {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return store.Chain{}, err
	}
	var row struct {
		Anchor string `db:"anchor"`
		Events []byte `db:"events"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT anchor, events FROM audit_chains WHERE space_id = $1`, spaceID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Chain{Anchor: store.ChainAnchorRoot}, nil
	}
	if err != nil {
		return store.Chain{}, fmt.Errorf("postgres store: read chain for %s: %w", spaceID, err)
	}
	chain := store.Chain{Anchor: row.Anchor}
	if chain.Anchor == "" {
		chain.Anchor = store.ChainAnchorRoot
	}
	if len(row.Events) > 0 {
		if err := json.Unmarshal(row.Events, &chain.Events); err != nil {
			return store.Chain{}, fmt.Errorf("postgres store: chain for %s is malformed: %w", spaceID, err)
		}
	}
	return chain, nil
}

// ReplaceChain implements store.SpaceStore.
func (s *Store) ReplaceChain(ctx context.Context, spaceID string, chain store.Chain) error {
	if err := store.ValidateSpaceID(spaceID); err != nil {
		return err
	}
	anchor := chain.Anchor
	if anchor == "" {
		anchor = store.ChainAnchorRoot
	}
	events := chain.Events
	if events == nil {
		events = []json.RawMessage{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("postgres store: marshal chain for %s: %w", spaceID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_chains (space_id, anchor, events, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (space_id) DO UPDATE SET anchor = EXCLUDED.anchor, events = EXCLUDED.events, updated_at = NOW()
	`, spaceID, anchor, raw)
	if err != nil {
		return fmt.Errorf("postgres store: write chain for %s: %w", spaceID, err)
	}
	return nil
}
