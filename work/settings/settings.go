// Package settings persists runtime-adjustable settings (public URL
// override, guide channel selection) in a local sqlite database.
package settings

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"dlhd-proxy/work/config"
	"dlhd-proxy/work/logger"
)

const publicURLKey = "public_url"

// Store wraps the settings database. Safe for concurrent use; sqlite
// serializes writers internally.
type Store struct {
	db  *sql.DB
	cfg *config.Config
}

// Open creates or opens the settings database under the configured data
// directory and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "settings.db")
	db, err := sql.Open("sqlite3", "file:"+dbPath)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS selected_channels (
			id TEXT PRIMARY KEY
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply settings schema: %w", err)
		}
	}

	return &Store{db: db, cfg: cfg}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// NormalizeURL canonicalizes a public URL: default scheme https, lowercase
// scheme, no whitespace, no query or fragment, trailing path slashes
// stripped. An empty input normalizes to the empty string.
func NormalizeURL(value string) (string, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return "", nil
	}
	for _, r := range raw {
		if unicode.IsSpace(r) {
			return "", fmt.Errorf("URL cannot contain whitespace")
		}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("URL must include a hostname")
	}
	scheme := strings.ToLower(u.Scheme)
	if u.Host == "" || u.Hostname() == "" {
		return "", fmt.Errorf("URL must include a hostname")
	}
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("only HTTP or HTTPS URLs are supported")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("URL cannot include query parameters or fragments")
	}

	path := strings.TrimRight(u.Path, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return scheme + "://" + u.Host + path, nil
}

// PublicURL resolves the active public URL: a valid environment override
// wins, then the stored setting, then the configured default. Invalid
// candidates are skipped with a warning rather than failing resolution.
func (s *Store) PublicURL() string {
	candidates := []struct {
		source string
		get    func() (string, error)
	}{
		{"environment", envPublicURL},
		{"settings store", s.storedPublicURL},
	}
	for _, c := range candidates {
		u, err := c.get()
		if err != nil {
			logger.Warn("{settings - PublicURL} ignoring invalid %s public URL: %v", c.source, err)
			continue
		}
		if u != "" {
			return u
		}
	}
	return s.cfg.PublicURL
}

// SetPublicURL persists a new public URL override and returns the resolved
// URL after the update. An empty value removes the override.
func (s *Store) SetPublicURL(value string) (string, error) {
	normalized, err := NormalizeURL(value)
	if err != nil {
		return "", err
	}

	if normalized == "" {
		_, err = s.db.Exec(`DELETE FROM settings WHERE key = ?`, publicURLKey)
	} else {
		_, err = s.db.Exec(
			`INSERT INTO settings (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			publicURLKey, normalized)
	}
	if err != nil {
		return "", fmt.Errorf("persist public URL: %w", err)
	}
	return s.PublicURL(), nil
}

// HasEnvOverride reports whether an environment variable forces the public
// URL, in which case stored settings are ignored.
func (s *Store) HasEnvOverride() bool {
	return os.Getenv("PUBLIC_URL") != "" || os.Getenv("API_URL") != ""
}

// Apply resolves the public URL and installs it on the shared config.
func (s *Store) Apply() {
	s.cfg.PublicURL = s.PublicURL()
}

// SelectedChannelIDs returns the set of channel ids chosen for the guide.
// An empty set means no filtering.
func (s *Store) SelectedChannelIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT id FROM selected_channels`)
	if err != nil {
		return nil, fmt.Errorf("read selected channels: %w", err)
	}
	defer rows.Close()

	selected := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		selected[id] = true
	}
	return selected, rows.Err()
}

// SetSelectedChannelIDs replaces the guide channel selection wholesale.
func (s *Store) SetSelectedChannelIDs(ids []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM selected_channels`); err != nil {
		return fmt.Errorf("clear selected channels: %w", err)
	}
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO selected_channels (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("store selected channel %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func envPublicURL() (string, error) {
	raw := os.Getenv("PUBLIC_URL")
	if raw == "" {
		raw = os.Getenv("API_URL")
	}
	if raw == "" {
		return "", nil
	}
	return NormalizeURL(raw)
}

func (s *Store) storedPublicURL() (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, publicURLKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read stored public URL: %w", err)
	}
	if strings.TrimSpace(value) == "" {
		return "", nil
	}
	return NormalizeURL(value)
}
