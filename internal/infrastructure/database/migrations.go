package database

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

// Migration is one versioned schema change, read from a pair of files:
//
//	YYYYMMDD_HHMMSS_<name>.up.sql
//	YYYYMMDD_HHMMSS_<name>.down.sql (optional)
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	Up      string
	Down    string
}

// AppliedMigration is a row of the schema_migrations table.
type AppliedMigration struct {
	Version   string
	AppliedAt time.Time
}

// Migrate applies every migration in src that has not been applied yet,
// oldest first.
//
// Each migration commits in its own transaction. When one fails it is
// rolled back, the earlier ones stay, and the next call resumes from the
// failed one.
func (db *DB) Migrate(ctx context.Context, src fs.FS) error {
	pending, err := db.pending(ctx, src)
	if err != nil {
		return err
	}
	for _, m := range pending {
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
				m.Version, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. Used by tests
// and during development.
func (db *DB) MigrateDown(ctx context.Context, src fs.FS) error {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	latest := applied[len(applied)-1].Version

	all, err := LoadMigrations(src)
	if err != nil {
		return err
	}
	i, found := slices.BinarySearchFunc(all, latest, func(m Migration, v string) int {
		return strings.Compare(m.Version, v)
	})
	if !found {
		return fmt.Errorf("migration %s not found in source", latest)
	}
	m := all[i]
	if m.Down == "" {
		return fmt.Errorf("migration %s has no down SQL", latest)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return fmt.Errorf("reverting %s: %w", latest, err)
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, latest)
		return err
	})
}

// MigrationStatus lists the applied migrations and those in src still pending.
func (db *DB) MigrationStatus(ctx context.Context, src fs.FS) ([]AppliedMigration, []Migration, error) {
	pending, err := db.pending(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, nil, err
	}
	return applied, pending, nil
}

// pending returns the migrations of src not yet recorded, creating the
// bookkeeping table on first use.
func (db *DB) pending(ctx context.Context, src fs.FS) ([]Migration, error) {
	if err := db.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	all, err := LoadMigrations(src)
	if err != nil {
		return nil, err
	}
	applied, err := db.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	done := make(map[string]struct{}, len(applied))
	for _, a := range applied {
		done[a.Version] = struct{}{}
	}
	return slices.DeleteFunc(all, func(m Migration) bool {
		_, ok := done[m.Version]
		return ok
	}), nil
}

func (db *DB) ensureMigrationsTable(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}
	return nil
}

func (db *DB) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			a  AppliedMigration
			at string
		)
		if err := rows.Scan(&a.Version, &at); err != nil {
			return nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		a.AppliedAt, _ = time.Parse(time.RFC3339, at) //nolint:errcheck // Written by Migrate
		out = append(out, a)
	}
	return out, rows.Err()
}

// inTx runs fn in a transaction, committing when it returns nil.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op after Commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadMigrations reads the migration files at the root of src, sorted by
// version. Files that do not follow the naming scheme are ignored. A nil
// src holds no migrations.
func LoadMigrations(src fs.FS) ([]Migration, error) {
	if src == nil {
		return nil, nil
	}
	names, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, file := range names {
		mf, ok := parseMigrationFile(file)
		if !ok {
			continue
		}
		body, err := fs.ReadFile(src, file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}

		m := byVersion[mf.version]
		if m == nil {
			m = &Migration{Version: mf.version, Name: mf.name}
			byVersion[mf.version] = m
		}
		if mf.up {
			m.Up = string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		// A down file on its own cannot be applied.
		if m.Up != "" {
			out = append(out, *m)
		}
	}
	slices.SortFunc(out, func(a, b Migration) int {
		return strings.Compare(a.Version, b.Version)
	})
	return out, nil
}

type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile splits "20260301_120000_runner_events.up.sql" into its
// version, name and direction.
func parseMigrationFile(file string) (migrationFile, bool) {
	var mf migrationFile

	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return mf, false
	}
	if b, ok := strings.CutSuffix(base, ".up"); ok {
		base, mf.up = b, true
	} else if b, ok := strings.CutSuffix(base, ".down"); ok {
		base = b
	} else {
		return mf, false
	}

	date, rest, ok := strings.Cut(base, "_")
	if !ok {
		return mf, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if date == "" || clock == "" {
		return mf, false
	}

	mf.version = date + "_" + clock
	mf.name = name
	if mf.name == "" {
		mf.name = mf.version
	}
	return mf, true
}
