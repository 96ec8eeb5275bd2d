/*
Package store persists overlay style configs in a local sqlite database.

Overlay configs are the named appearance settings an operator edits in the
frontend; they are uuid-keyed and opaque to the relay itself.
*/
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"blivecast/internal/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrNotFound is returned when the requested overlay config id does not exist.
var ErrNotFound = errors.New("overlay config not found")

// defaultBusyTimeout bounds how long sqlite waits on a locked database.
const defaultBusyTimeout = time.Second

// OverlayConfig is one stored overlay appearance profile.
type OverlayConfig struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store is a sqlite-backed overlay config repository.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (and if needed creates) the sqlite database at path and applies
// the embedded migration.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", defaultBusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{
		db:     db,
		logger: logx.Logger().With().Str("component", "ConfigStore").Logger(),
	}

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create stores a new overlay config and returns it with its generated id.
func (s *Store) Create(ctx context.Context, name string, data json.RawMessage) (OverlayConfig, error) {
	cfg := OverlayConfig{
		ID:        uuid.NewString(),
		Name:      name,
		Data:      data,
		CreatedAt: time.Now(),
	}
	cfg.UpdatedAt = cfg.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overlay_configs(id, name, data, created_at, updated_at) VALUES(?,?,?,?,?)`,
		cfg.ID, cfg.Name, string(cfg.Data),
		cfg.CreatedAt.Format(time.RFC3339Nano), cfg.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return OverlayConfig{}, err
	}

	s.logger.Info().Str("config_id", cfg.ID).Str("name", cfg.Name).Msg("Overlay config created.")

	return cfg, nil
}

// Get returns the overlay config with the given id.
func (s *Store) Get(ctx context.Context, id string) (OverlayConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, data, created_at, updated_at FROM overlay_configs WHERE id = ?`, id)

	return scanConfig(row.Scan)
}

// List returns all overlay configs, newest first.
func (s *Store) List(ctx context.Context) ([]OverlayConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, data, created_at, updated_at FROM overlay_configs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	configs := make([]OverlayConfig, 0)

	for rows.Next() {
		cfg, err := scanConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	return configs, rows.Err()
}

// Update replaces the name and data of an existing overlay config.
func (s *Store) Update(ctx context.Context, id string, name string, data json.RawMessage) (OverlayConfig, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE overlay_configs SET name = ?, data = ?, updated_at = ? WHERE id = ?`,
		name, string(data), time.Now().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return OverlayConfig{}, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return OverlayConfig{}, err
	}
	if affected == 0 {
		return OverlayConfig{}, ErrNotFound
	}

	return s.Get(ctx, id)
}

// Delete removes the overlay config with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM overlay_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Info().Str("config_id", id).Msg("Overlay config deleted.")

	return nil
}

func scanConfig(scan func(dest ...any) error) (OverlayConfig, error) {
	var cfg OverlayConfig
	var data, createdAt, updatedAt string

	if err := scan(&cfg.ID, &cfg.Name, &data, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return OverlayConfig{}, ErrNotFound
		}
		return OverlayConfig{}, err
	}

	cfg.Data = json.RawMessage(data)

	var err error
	if cfg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return OverlayConfig{}, err
	}
	if cfg.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return OverlayConfig{}, err
	}

	return cfg, nil
}
