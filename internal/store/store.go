package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/maskscrub/internal/frameindex"
)

// ErrNotFound is returned when no dataset matches a name or id.
var ErrNotFound = errors.New("dataset not found")

// Store manages the PostgreSQL connection backing the dataset catalog.
type Store struct {
	conn *pgx.Conn
}

// Dataset is one catalog row.
type Dataset struct {
	ID         string
	Name       string
	Path       string
	FrameCount int
	Width      int
	Height     int
	IndexedAt  time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the catalog tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL,
			frame_count INT NOT NULL DEFAULT 0,
			width INT NOT NULL DEFAULT 0,
			height INT NOT NULL DEFAULT 0,
			indexed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS dataset_frames (
			dataset_id TEXT NOT NULL REFERENCES datasets(id) ON DELETE CASCADE,
			idx INT NOT NULL,
			uri TEXT NOT NULL,
			PRIMARY KEY (dataset_id, idx)
		);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// EnsureDataset registers a dataset. Re-indexing the same name replaces the previous row.
func (s *Store) EnsureDataset(ctx context.Context, d Dataset) error {
	// A folder re-extracted under the same name gets a new id; drop the old one first.
	if _, err := s.conn.Exec(ctx, "DELETE FROM datasets WHERE name = $1 AND id <> $2", d.Name, d.ID); err != nil {
		return err
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO datasets (id, name, path, frame_count, width, height, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			frame_count = EXCLUDED.frame_count,
			width = EXCLUDED.width,
			height = EXCLUDED.height,
			indexed_at = NOW()
	`, d.ID, d.Name, d.Path, d.FrameCount, d.Width, d.Height)
	return err
}

// ReplaceFrames stores the ordered frame list of a dataset, replacing any previous list.
func (s *Store) ReplaceFrames(ctx context.Context, datasetID string, uris []string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM dataset_frames WHERE dataset_id = $1", datasetID); err != nil {
		return err
	}

	rows := make([][]any, len(uris))
	for i, u := range uris {
		rows[i] = []any{datasetID, i, u}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"dataset_frames"}, []string{"dataset_id", "idx", "uri"}, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy frames: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE datasets SET frame_count = $1 WHERE id = $2", len(uris), datasetID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadFrameIndex builds a FrameIndex from the catalog. nameOrID matches either column.
func (s *Store) LoadFrameIndex(ctx context.Context, nameOrID string) (*frameindex.Index, error) {
	var d Dataset
	err := s.conn.QueryRow(ctx, `
		SELECT id, name, width, height FROM datasets WHERE name = $1 OR id = $1 LIMIT 1
	`, nameOrID).Scan(&d.ID, &d.Name, &d.Width, &d.Height)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, nameOrID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.conn.Query(ctx, "SELECT uri FROM dataset_frames WHERE dataset_id = $1 ORDER BY idx", d.ID)
	if err != nil {
		return nil, err
	}
	uris, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	return frameindex.New(d.Name, uris).WithResolution(d.Width, d.Height), nil
}

// ListDatasets returns every catalog row ordered by name.
func (s *Store) ListDatasets(ctx context.Context) ([]Dataset, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, name, path, frame_count, width, height, indexed_at
		FROM datasets ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.Path, &d.FrameCount, &d.Width, &d.Height, &d.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS dataset_frames CASCADE;
		DROP TABLE IF EXISTS datasets CASCADE;
	`)
	return err
}
