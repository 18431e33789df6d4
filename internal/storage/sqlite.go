package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/chatrelay/internal/history"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding per-user history and settings.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "chatrelay.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// --- Users ---

// TouchUser records that userID was seen now.
func (s *Store) TouchUser(ctx context.Context, userID int64) error {
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (user_id, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, ts, ts,
	)
	return err
}

// ListUsers returns known users, most recently seen first.
func (s *Store) ListUsers(ctx context.Context, limit, offset int) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.user_id, u.first_seen, u.last_seen,
			(SELECT COUNT(*) FROM conversation_turns t WHERE t.user_id = u.user_id)
		FROM users u ORDER BY u.last_seen DESC, u.user_id ASC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var first, last string
		if err := rows.Scan(&u.ID, &first, &last, &u.Turns); err != nil {
			return nil, err
		}
		if u.FirstSeen, err = time.Parse(time.RFC3339, first); err != nil {
			return nil, fmt.Errorf("parsing first_seen: %w", err)
		}
		if u.LastSeen, err = time.Parse(time.RFC3339, last); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeleteUserData removes the user's history, settings and user record.
func (s *Store) DeleteUserData(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for _, q := range []string{
		"DELETE FROM conversation_turns WHERE user_id = ?",
		"DELETE FROM user_settings WHERE user_id = ?",
		"DELETE FROM users WHERE user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, userID); err != nil {
			tx.Rollback()
			return fmt.Errorf("deleting user data: %w", err)
		}
	}
	return tx.Commit()
}

// --- History ---

// GetHistory returns the user's conversation, oldest first. A user with no
// history gets an empty, non-nil History.
func (s *Store) GetHistory(ctx context.Context, userID int64) (history.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM conversation_turns WHERE user_id = ? ORDER BY seq ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	h := history.History{}
	for rows.Next() {
		var t history.Turn
		var role string
		if err := rows.Scan(&role, &t.Content); err != nil {
			return nil, err
		}
		t.Role = history.Role(role)
		h = append(h, t)
	}
	return h, rows.Err()
}

// SaveHistory replaces the user's conversation with h.
func (s *Store) SaveHistory(ctx context.Context, userID int64, h history.History) error {
	for i, t := range h {
		if !t.Role.Valid() {
			return fmt.Errorf("turn %d: invalid role %q", i, t.Role)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_turns WHERE user_id = ?", userID); err != nil {
		tx.Rollback()
		return fmt.Errorf("clearing history: %w", err)
	}

	ts := s.timestamp()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_turns (user_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for i, t := range h {
		if _, err := stmt.ExecContext(ctx, userID, i, string(t.Role), t.Content, ts); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user_id, first_seen, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET last_seen = excluded.last_seen`,
		userID, ts, ts,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("touching user: %w", err)
	}

	return tx.Commit()
}

// ClearHistory removes the user's conversation. Settings are kept.
func (s *Store) ClearHistory(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM conversation_turns WHERE user_id = ?", userID)
	return err
}

// --- Settings ---

// GetSettings returns every stored setting for the user. Missing settings
// are simply absent from the map.
func (s *Store) GetSettings(ctx context.Context, userID int64) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM user_settings WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}

// SetSetting stores one setting for the user.
func (s *Store) SetSetting(ctx context.Context, userID int64, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, s.timestamp(),
	)
	return err
}

// DeleteSetting removes one setting, reverting it to the default.
func (s *Store) DeleteSetting(ctx context.Context, userID int64, key string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM user_settings WHERE user_id = ? AND key = ?", userID, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
