// Package identity persists the mapping between local profile names and
// the user identifiers assigned by the remote memory service.
//
// The session manager resolves its user lazily and may create a new remote
// user when a stored identifier has gone stale. The registry records the
// outcome of each resolution so the next process start reuses the same
// remote user instead of accumulating orphans.
//
// Invariants:
//   - A profile name maps to at most one remote user id at a time.
//   - Recording a resolution for an existing profile replaces the old id.
//   - Lookups on unknown profiles return ErrProfileNotFound, never "".
package identity

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/observability"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrProfileNotFound indicates no remote user id is recorded for a profile.
var ErrProfileNotFound = errors.New("profile not found")

// Entry is one persisted profile-to-user binding.
type Entry struct {
	Profile    string    `json:"profile"`
	UserID     string    `json:"user_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Registry stores profile bindings in a local sqlite database.
type Registry struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
}

// Config holds registry configuration.
type Config struct {
	DBPath string
	Logger zerolog.Logger
}

// NewRegistry opens (or creates) the registry database.
func NewRegistry(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	r := &Registry{
		db:     db,
		logger: cfg.Logger,
	}

	if err := r.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	r.logger.Debug().Str("path", cfg.DBPath).Msg("Identity registry opened")
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profiles (
			profile TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			resolved_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_profiles_user ON profiles(user_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Lookup returns the remote user id recorded for a profile.
func (r *Registry) Lookup(profile string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var userID string
	err := r.db.QueryRow("SELECT user_id FROM profiles WHERE profile = ?", profile).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrProfileNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query profile: %w", err)
	}
	return userID, nil
}

// Record stores or replaces the remote user id for a profile. It is wired
// as the session manager's resolution callback, so a fallback that created
// a fresh remote user overwrites the stale binding automatically.
func (r *Registry) Record(profile, userID string) error {
	if profile == "" {
		return errors.New("profile name is required")
	}
	if userID == "" {
		return errors.New("user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	_, err := r.db.Exec(`
		INSERT INTO profiles (profile, user_id, resolved_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(profile) DO UPDATE SET
			user_id = excluded.user_id,
			updated_at = excluded.updated_at
	`, profile, userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to record profile: %w", err)
	}

	r.logger.Info().
		Str("profile", profile).
		Str("user_id", userID).
		Msg("Profile binding recorded")
	return nil
}

// List returns all recorded bindings, most recently updated first.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.Query(`
		SELECT profile, user_id, resolved_at, updated_at
		FROM profiles
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var resolvedAt, updatedAt int64
		if err := rows.Scan(&e.Profile, &e.UserID, &resolvedAt, &updatedAt); err != nil {
			return nil, err
		}
		e.ResolvedAt = time.Unix(resolvedAt, 0)
		e.UpdatedAt = time.Unix(updatedAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a profile binding.
func (r *Registry) Delete(profile string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	result, err := r.db.Exec("DELETE FROM profiles WHERE profile = ?", profile)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrProfileNotFound
	}
	return nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}
