package migrations

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/blake2b"
)

// TrackingTable records which migration versions have been applied.
const TrackingTable = "_testdb_migrations"

// DB is the subset of a pgx connection the runner needs. Both *pgx.Conn and
// *pgxpool.Pool satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Migration is one versioned SQL file.
type Migration struct {
	Version     int64
	Description string
	Name        string
	SQL         string
	Checksum    []byte
}

// Runner applies versioned SQL migrations from a filesystem.
type Runner struct {
	db     DB
	fsys   fs.FS
	logger *slog.Logger
}

// NewRunner creates a runner reading migrations from the root of fsys.
func NewRunner(db DB, fsys fs.FS, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{db: db, fsys: fsys, logger: logger}
}

// NewDirRunner creates a runner for migrations in the given directory.
func NewDirRunner(db DB, dir string, logger *slog.Logger) *Runner {
	return NewRunner(db, os.DirFS(dir), logger)
}

// Bootstrap creates the tracking table if it doesn't exist.
func (r *Runner) Bootstrap(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+TrackingTable+` (
			version     BIGINT PRIMARY KEY,
			description TEXT NOT NULL,
			checksum    BYTEA NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("creating %s table: %w", TrackingTable, err)
	}
	return nil
}

// Load reads and orders the migration set without touching the database.
// Malformed file names and duplicate versions are errors.
func (r *Runner) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	var migrations []Migration
	seen := make(map[int64]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		version, desc, ok, err := parseName(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, name, version)
		}
		seen[version] = name

		data, err := fs.ReadFile(r.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", name, err)
		}
		sum := blake2b.Sum256(data)
		migrations = append(migrations, Migration{
			Version:     version,
			Description: desc,
			Name:        name,
			SQL:         string(data),
			Checksum:    sum[:],
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// Up applies all pending migrations in version order, each in its own
// transaction. Returns the number of migrations applied.
func (r *Runner) Up(ctx context.Context) (int, error) {
	migrations, err := r.Load()
	if err != nil {
		return 0, err
	}
	if err := r.Bootstrap(ctx); err != nil {
		return 0, err
	}
	if len(migrations) == 0 {
		return 0, nil
	}

	applied, err := r.getApplied(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range migrations {
		if rec, ok := applied[m.Version]; ok {
			if !bytes.Equal(rec.checksum, m.Checksum) {
				return n, fmt.Errorf("migration %s was modified after it was applied", m.Name)
			}
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return n, err
		}
		r.logger.Debug("applied migration", "version", m.Version, "name", m.Name)
		n++
	}
	return n, nil
}

func (r *Runner) apply(ctx context.Context, m Migration) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction for %s: %w", m.Name, err)
	}
	defer tx.Rollback(ctx) // no-op after commit

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("executing migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO "+TrackingTable+" (version, description, checksum) VALUES ($1, $2, $3)",
		m.Version, m.Description, m.Checksum,
	); err != nil {
		return fmt.Errorf("recording migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %s: %w", m.Name, err)
	}
	return nil
}

// MigrationStatus represents a migration file and whether it has been applied.
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time // nil if pending
}

// Status returns all migrations with their applied/pending state.
// The tracking table must exist (see Bootstrap).
func (r *Runner) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := r.Load()
	if err != nil {
		return nil, err
	}
	applied, err := r.getApplied(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]MigrationStatus, len(migrations))
	for i, m := range migrations {
		result[i] = MigrationStatus{Version: m.Version, Name: m.Name}
		if rec, ok := applied[m.Version]; ok {
			t := rec.appliedAt
			result[i].AppliedAt = &t
		}
	}
	return result, nil
}

type appliedRecord struct {
	checksum  []byte
	appliedAt time.Time
}

func (r *Runner) getApplied(ctx context.Context) (map[int64]appliedRecord, error) {
	rows, err := r.db.Query(ctx,
		"SELECT version, checksum, applied_at FROM "+TrackingTable+" ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int64]appliedRecord)
	for rows.Next() {
		var version int64
		var rec appliedRecord
		if err := rows.Scan(&version, &rec.checksum, &rec.appliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		applied[version] = rec
	}
	return applied, rows.Err()
}

// parseName splits "<version>_<description>.sql" (or ".up.sql"). ok is false
// for files that are not forward migrations.
func parseName(name string) (version int64, desc string, ok bool, err error) {
	if !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, ".down.sql") {
		return 0, "", false, nil
	}
	base := strings.TrimSuffix(strings.TrimSuffix(name, ".sql"), ".up")

	versionPart, descPart, _ := strings.Cut(base, "_")
	version, err = strconv.ParseInt(versionPart, 10, 64)
	if err != nil || version <= 0 {
		return 0, "", false, fmt.Errorf("migration %s: name must start with a positive integer version", name)
	}
	return version, strings.ReplaceAll(descPart, "_", " "), true, nil
}

// CreateFile generates a new timestamped migration SQL file in dir.
// Returns the path to the created file.
func CreateFile(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating migrations directory: %w", err)
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("%s_%s.sql", now.Format("20060102150405"), sanitizeName(name))
	path := filepath.Join(dir, filename)

	content := fmt.Sprintf("-- Migration: %s\n-- Created: %s\n\n", name, now.Format(time.RFC3339))

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing migration file: %w", err)
	}
	return path, nil
}

// sanitizeName replaces non-alphanumeric characters with underscores for filenames.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
