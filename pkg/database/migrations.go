package database

import (
	"cmp"
	"database/sql"
	"embed"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change, loaded from migrations/NNN_name.sql
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// currentVersion creates the bookkeeping table if needed and returns the
// highest applied version
func currentVersion(db *sql.DB) (int, error) {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return 0, fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// parseMigrationName splits "001_initial.sql" into (1, "initial")
func parseMigrationName(file string) (int, string, bool) {
	base, ok := strings.CutSuffix(file, ".sql")
	if !ok {
		return 0, "", false
	}
	num, name, ok := strings.Cut(base, "_")
	if !ok || name == "" {
		return 0, "", false
	}
	version, err := strconv.Atoi(num)
	if err != nil || version <= 0 {
		return 0, "", false
	}
	return version, name, true
}

// loadMigrations returns the embedded migrations ordered by version
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := parseMigrationName(entry.Name())
		if !ok {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, Migration{Version: version, Name: name, SQL: string(content)})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

// backupDatabase copies an existing database file aside before migrating it
func backupDatabase(dbPath string, version int) error {
	src, err := os.Open(dbPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	if info, err := src.Stat(); err == nil && info.Size() == 0 {
		return nil
	}

	backupPath := fmt.Sprintf("%s.backup-v%d-%s", dbPath, version, time.Now().Format("20060102-150405"))
	dst, err := os.Create(backupPath)
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy database: %w", err)
	}

	log.Printf("Created database backup: %s", filepath.Base(backupPath))
	return nil
}

// runMigrations applies every migration newer than the recorded version,
// each in its own transaction
func runMigrations(db *sql.DB, dbPath string) error {
	version, err := currentVersion(db)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version > version })
	if idx < 0 {
		log.Printf("Database is up to date (version %d)", version)
		return nil
	}
	pending := migrations[idx:]

	if version > 0 || hasUserTables(db) {
		if err := backupDatabase(dbPath, version); err != nil {
			return fmt.Errorf("failed to backup database: %w", err)
		}
	}

	log.Printf("Running %d pending migration(s) from version %d to %d",
		len(pending), version, pending[len(pending)-1].Version)

	for _, m := range pending {
		if err := applyMigration(db, m); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		log.Printf("Applied migration %d: %s", m.Version, m.Name)
	}
	return nil
}

// hasUserTables reports whether the database holds anything besides migration bookkeeping
func hasUserTables(db *sql.DB) bool {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name != 'schema_migrations'`).Scan(&n)
	return err == nil && n > 0
}

func applyMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
		m.Version, m.Name, nowMillis(),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}
