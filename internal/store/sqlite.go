package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/deskpilot/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS desktops (
		name TEXT PRIMARY KEY,
		container_id TEXT,
		image TEXT NOT NULL,
		vnc_port INTEGER NOT NULL,
		api_port INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_desktops_last_seen ON desktops(last_seen_at) WHERE container_id IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const desktopColumns = `name, container_id, image, vnc_port, api_port, last_seen_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDesktop(row rowScanner) (*domain.Desktop, error) {
	var d domain.Desktop
	var containerID sql.NullString
	var lastSeen, createdAt, updatedAt int64

	if err := row.Scan(
		&d.Name, &containerID, &d.Image, &d.VNCPort, &d.APIPort,
		&lastSeen, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	d.ContainerID = containerID.String
	d.LastSeenAt = time.Unix(lastSeen, 0)
	d.CreatedAt = time.Unix(createdAt, 0)
	d.UpdatedAt = time.Unix(updatedAt, 0)
	return &d, nil
}

// GetDesktop retrieves a desktop by name.
func (s *SQLiteStore) GetDesktop(ctx context.Context, name string) (*domain.Desktop, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+desktopColumns+` FROM desktops WHERE name = ?`, name)
	d, err := scanDesktop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan desktop row: %w", err)
	}
	return d, nil
}

// UpsertDesktop creates or updates a desktop record.
func (s *SQLiteStore) UpsertDesktop(ctx context.Context, d *domain.Desktop) error {
	query := `
	INSERT INTO desktops (` + desktopColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET
		container_id = excluded.container_id,
		image = excluded.image,
		vnc_port = excluded.vnc_port,
		api_port = excluded.api_port,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	var containerID any
	if d.ContainerID != "" {
		containerID = d.ContainerID
	}

	_, err := s.db.ExecContext(ctx, query,
		d.Name, containerID, d.Image, d.VNCPort, d.APIPort,
		d.LastSeenAt.Unix(), d.CreatedAt.Unix(), d.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert desktop: %w", err)
	}
	return nil
}

// UpdateLastSeen records activity on a desktop.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, name string, lastSeen time.Time) error {
	query := `UPDATE desktops SET last_seen_at = ?, updated_at = ? WHERE name = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), name)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "desktop", name)
	}
	return nil
}

// UpdateContainerID updates the container binding of a desktop.
func (s *SQLiteStore) UpdateContainerID(ctx context.Context, name, containerID, expectedID string) error {
	query := `UPDATE desktops SET container_id = ?, updated_at = ? WHERE name = ?`
	args := []any{nil, time.Now().Unix(), name}

	if containerID != "" {
		args[0] = containerID
	}

	if expectedID != "" {
		query += ` AND container_id = ?`
		args = append(args, expectedID)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update container_id: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateContainerID affected 0 rows", "desktop", name, "expected_id", expectedID)
		if expectedID != "" {
			return ErrOptimisticLock
		}
		return ErrDesktopNotFound
	}

	return nil
}

// GetExpiredDesktops returns desktops with a container idle longer than ttl.
func (s *SQLiteStore) GetExpiredDesktops(ctx context.Context, ttl time.Duration) ([]*domain.Desktop, error) {
	threshold := time.Now().Add(-ttl).Unix()
	query := `SELECT ` + desktopColumns + ` FROM desktops WHERE container_id IS NOT NULL AND last_seen_at < ?`

	rows, err := s.db.QueryContext(ctx, query, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired desktops: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired desktops rows", "error", closeErr)
		}
	}()

	var desktops []*domain.Desktop
	for rows.Next() {
		d, err := scanDesktop(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired desktop row: %w", err)
		}
		desktops = append(desktops, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired desktops: %w", err)
	}

	return desktops, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// IsConflictError reports SQLite concurrency errors (SQLITE_BUSY or
// "database is locked") that typically warrant a retry.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
