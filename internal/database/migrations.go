package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS reviewers (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				email VARCHAR(255) UNIQUE NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				role VARCHAR(20) NOT NULL DEFAULT 'moderator',
				password_hash VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_reviewers_email ON reviewers(email);
		`,
		Down: `
			DROP TABLE IF EXISTS reviewers;
		`,
	},
	{
		Version: 2,
		Up: `
			CREATE TABLE IF NOT EXISTS user_safety_aggregates (
				user_id UUID PRIMARY KEY,
				safety_score INT NOT NULL DEFAULT 100 CHECK (safety_score BETWEEN 0 AND 100),
				warning_count INT NOT NULL DEFAULT 0,
				status VARCHAR(20) NOT NULL DEFAULT 'active',
				suspended_until TIMESTAMPTZ,
				suspension_reason TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS user_safety_aggregates;
		`,
	},
	{
		Version: 3,
		Up: `
			CREATE TABLE IF NOT EXISTS safety_events (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				user_id UUID NOT NULL REFERENCES user_safety_aggregates(user_id),
				pair_id UUID,
				occurred_at TIMESTAMPTZ NOT NULL,
				event_type VARCHAR(50) NOT NULL,
				severity VARCHAR(20) NOT NULL,
				severity_rank SMALLINT NOT NULL,
				violations JSONB NOT NULL DEFAULT '[]',
				score_delta INT NOT NULL DEFAULT 0,
				requires_human_review BOOLEAN NOT NULL DEFAULT FALSE,
				human_reviewed_at TIMESTAMPTZ,
				review_action VARCHAR(20),
				reviewed_by UUID REFERENCES reviewers(id) ON DELETE SET NULL,
				review_note TEXT
			);

			CREATE INDEX IF NOT EXISTS idx_safety_events_user_time ON safety_events(user_id, occurred_at DESC);
			CREATE INDEX IF NOT EXISTS idx_safety_events_pending
				ON safety_events(severity_rank DESC, occurred_at DESC)
				WHERE requires_human_review AND human_reviewed_at IS NULL;
		`,
		Down: `
			DROP TABLE IF EXISTS safety_events;
		`,
	},
}

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

// RunMigrations applies every migration above the current version
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, migration := range sortedMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Info("running migration", "version", migration.Version)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}

		slog.Info("migration completed", "version", migration.Version)
	}

	return nil
}

// Rollback reverts the newest `steps` applied migrations
func Rollback(db *sql.DB, steps int) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}

	sorted := sortedMigrations()
	byVersion := make(map[int]Migration, len(sorted))
	for _, m := range sorted {
		byVersion[m.Version] = m
	}

	for i := 0; i < steps; i++ {
		currentVersion, err := getCurrentVersion(db)
		if err != nil {
			return err
		}
		if currentVersion == 0 {
			return nil
		}

		migration, ok := byVersion[currentVersion]
		if !ok {
			return fmt.Errorf("no migration found for applied version %d", currentVersion)
		}

		slog.Info("rolling back migration", "version", migration.Version)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.Exec(migration.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to roll back migration %d: %w", migration.Version, err)
		}

		if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to unrecord migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit rollback %d: %w", migration.Version, err)
		}
	}

	return nil
}

// MigrationStatus describes one known migration
type MigrationStatus struct {
	Version   int
	Applied   bool
	AppliedAt *time.Time
}

// Status lists every known migration and whether it has been applied
func Status(db *sql.DB) ([]MigrationStatus, error) {
	if err := ensureMigrationsTable(db); err != nil {
		return nil, err
	}

	rows, err := db.Query("SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := map[int]time.Time{}
	for rows.Next() {
		var v int
		var at time.Time
		if err := rows.Scan(&v, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	res := []MigrationStatus{}
	for _, m := range sortedMigrations() {
		st := MigrationStatus{Version: m.Version}
		if at, ok := applied[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = &at
		}
		res = append(res, st)
	}
	return res, nil
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}
