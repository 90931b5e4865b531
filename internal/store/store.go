// Package store persists declared sessions and per-session data
// (todos, scratchpad, status, idle state, prompts) in a single SQLite
// database under the user's config directory, replacing the
// single-document JSON-truncate-then-insert idiom the source store used
// with one row per logical key.
package store

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	configDirName = ".config/termsup"
	dbFileName    = "termsup.db"
)

// Store wraps a *sql.DB with the small number of table-shaped operations
// the rest of the system needs: declared-session CRUD, and per-session
// single-value / single-list tables (todos, scratchpad, status, idle_state,
// prompts).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (if needed) and opens the SQLite database under
// ~/.config/termsup/termsup.db, creating every table this system uses.
func Open(logger *slog.Logger) (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, configDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return OpenAt(filepath.Join(dir, dbFileName), logger)
}

// OpenAt opens (and migrates) the database at an explicit path, letting
// callers (tests, one-off tools) point at a scratch file instead of the
// real config directory.
func OpenAt(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single file-backed connection avoids SQLITE_BUSY under concurrent
	// writers; every write in this system is small and infrequent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			name TEXT PRIMARY KEY,
			workdir TEXT,
			description TEXT,
			display_name TEXT,
			type TEXT NOT NULL DEFAULT 'direct',
			worktree_parent_repo TEXT,
			worktree_branch TEXT,
			last_used_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompts_global (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prompts_project (
			project_hash TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			PRIMARY KEY (project_hash, id)
		)`,
		`CREATE TABLE IF NOT EXISTS todos (
			session_name TEXT NOT NULL,
			position INTEGER NOT NULL,
			text TEXT NOT NULL,
			done INTEGER NOT NULL,
			PRIMARY KEY (session_name, position)
		)`,
		`CREATE TABLE IF NOT EXISTS scratchpad (
			session_name TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS status (
			session_name TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			status_updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idle_state (
			session_name TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SessionRow mirrors the declared Session entity (§3).
type SessionRow struct {
	Name               string
	Workdir            string
	Description        string
	DisplayName        string
	Type               string // "direct" | "worktree"
	WorktreeParentRepo string
	WorktreeBranch     string
	LastUsedAt         string // RFC3339, empty if never touched
}

// UpsertSession inserts or replaces the declared row for name.
func (s *Store) UpsertSession(row SessionRow) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (name, workdir, description, display_name, type, worktree_parent_repo, worktree_branch, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			workdir=excluded.workdir,
			description=excluded.description,
			display_name=excluded.display_name,
			type=excluded.type,
			worktree_parent_repo=excluded.worktree_parent_repo,
			worktree_branch=excluded.worktree_branch,
			last_used_at=excluded.last_used_at
	`, row.Name, row.Workdir, row.Description, row.DisplayName, row.Type, row.WorktreeParentRepo, row.WorktreeBranch, row.LastUsedAt)
	return err
}

// GetSession returns the declared row for name, or ok=false if absent.
func (s *Store) GetSession(name string) (SessionRow, bool, error) {
	row := s.db.QueryRow(`SELECT name, workdir, description, display_name, type, worktree_parent_repo, worktree_branch, last_used_at FROM sessions WHERE name = ?`, name)
	var r SessionRow
	err := row.Scan(&r.Name, &r.Workdir, &r.Description, &r.DisplayName, &r.Type, &r.WorktreeParentRepo, &r.WorktreeBranch, &r.LastUsedAt)
	if err == sql.ErrNoRows {
		return SessionRow{}, false, nil
	}
	if err != nil {
		return SessionRow{}, false, err
	}
	return r, true, nil
}

// ListSessions returns every declared row.
func (s *Store) ListSessions() ([]SessionRow, error) {
	rows, err := s.db.Query(`SELECT name, workdir, description, display_name, type, worktree_parent_repo, worktree_branch, last_used_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.Name, &r.Workdir, &r.Description, &r.DisplayName, &r.Type, &r.WorktreeParentRepo, &r.WorktreeBranch, &r.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes the declared row for name; deleting an absent row
// is not an error.
func (s *Store) DeleteSession(name string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE name = ?`, name)
	return err
}

// TouchSession sets last_used_at=now, inserting a minimal row if name has
// no declared entry yet (the orphan-session case).
func (s *Store) TouchSession(name string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO sessions (name, type, last_used_at) VALUES (?, 'direct', ?)
		ON CONFLICT(name) DO UPDATE SET last_used_at=excluded.last_used_at
	`, name, now)
	return err
}

// Todo mirrors the per-session todo entity.
type Todo struct {
	Text string
	Done bool
}

// SaveTodos replaces the full todo list for a session (single logical key,
// one row per item instead of the source's truncate-then-insert blob).
func (s *Store) SaveTodos(sessionName string, todos []Todo) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM todos WHERE session_name = ?`, sessionName); err != nil {
		return err
	}
	for i, t := range todos {
		done := 0
		if t.Done {
			done = 1
		}
		if _, err := tx.Exec(`INSERT INTO todos (session_name, position, text, done) VALUES (?, ?, ?, ?)`, sessionName, i, t.Text, done); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetTodos returns the todo list for a session, ordered as saved.
func (s *Store) GetTodos(sessionName string) ([]Todo, error) {
	rows, err := s.db.Query(`SELECT text, done FROM todos WHERE session_name = ? ORDER BY position`, sessionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		var t Todo
		var done int
		if err := rows.Scan(&t.Text, &done); err != nil {
			return nil, err
		}
		t.Done = done != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveScratchpad writes the scratchpad blob for a session.
func (s *Store) SaveScratchpad(sessionName, content string) error {
	_, err := s.db.Exec(`
		INSERT INTO scratchpad (session_name, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET content=excluded.content, updated_at=excluded.updated_at
	`, sessionName, content, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetScratchpad returns the scratchpad blob for a session, "" if unset.
func (s *Store) GetScratchpad(sessionName string) (string, error) {
	var content string
	err := s.db.QueryRow(`SELECT content FROM scratchpad WHERE session_name = ?`, sessionName).Scan(&content)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return content, err
}

// SaveStatus writes the short AI-generated status summary for a session.
func (s *Store) SaveStatus(sessionName, status string) error {
	_, err := s.db.Exec(`
		INSERT INTO status (session_name, status, status_updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET status=excluded.status, status_updated_at=excluded.status_updated_at
	`, sessionName, status, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetStatus returns (status, updatedAt, ok).
func (s *Store) GetStatus(sessionName string) (string, string, bool, error) {
	var status, updatedAt string
	err := s.db.QueryRow(`SELECT status, status_updated_at FROM status WHERE session_name = ?`, sessionName).Scan(&status, &updatedAt)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return status, updatedAt, true, nil
}

// SaveIdleState persists the most recently committed SessionState for a
// session name, used by both the streaming engine (rate-limited to once
// per second by the caller) and the background idle monitor.
func (s *Store) SaveIdleState(sessionName, state string) error {
	_, err := s.db.Exec(`
		INSERT INTO idle_state (session_name, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_name) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at
	`, sessionName, state, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetIdleState returns (state, updatedAt, ok).
func (s *Store) GetIdleState(sessionName string) (string, string, bool, error) {
	var state, updatedAt string
	err := s.db.QueryRow(`SELECT state, updated_at FROM idle_state WHERE session_name = ?`, sessionName).Scan(&state, &updatedAt)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, err
	}
	return state, updatedAt, true, nil
}

// SettingsValue returns a raw JSON-encoded settings value by key, "" if
// unset. No merging with defaults happens here; a caller that gets "" (or
// an unusable value) applies its own default.
func (s *Store) SettingsValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SaveSettingsValue stores a raw JSON-encoded settings value by key.
func (s *Store) SaveSettingsValue(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value
	`, key, string(data))
	return err
}

// ProjectHash reproduces the source store's md5-based project key: the
// first 12 hex characters of md5(resolved project path).
func ProjectHash(resolvedWorkdir string) string {
	sum := md5.Sum([]byte(resolvedWorkdir))
	return hex.EncodeToString(sum[:])[:12]
}
