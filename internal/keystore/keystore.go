// Package keystore persists the bearer keys that authenticate admin
// clients and workers. Keys live in a single SQLite table; lookups by
// token value go through an in-memory cache with no eviction, which is
// fine for the admin-issued key sets this proxy sees.
package keystore

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Role is the access level a key grants.
type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleWorker  Role = "Worker"
	RoleClient  Role = "Client"
	RoleUnknown Role = "Unknown"
)

// ParseRole maps a role string to a Role, defaulting to Unknown.
func ParseRole(s string) Role {
	switch {
	case strings.EqualFold(s, string(RoleAdmin)):
		return RoleAdmin
	case strings.EqualFold(s, string(RoleWorker)):
		return RoleWorker
	case strings.EqualFold(s, string(RoleClient)):
		return RoleClient
	default:
		return RoleUnknown
	}
}

// Key is one issued bearer key.
type Key struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Role  Role   `json:"role"`
}

const schema = `
CREATE TABLE IF NOT EXISTS keys (
	id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name  TEXT NOT NULL UNIQUE,
	value TEXT NOT NULL UNIQUE,
	role  TEXT NOT NULL
);`

// Store is the SQLite-backed key store.
type Store struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu    sync.RWMutex
	cache map[string]Key
}

// Open opens (creating if needed) the key database at databaseURL. A
// fresh database is bootstrapped with a root admin key whose value is
// logged once, so the admin surface is reachable on first install.
func Open(databaseURL string, log *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening key database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating key table: %w", err)
	}
	s := &Store{
		db:    db,
		log:   log,
		cache: make(map[string]Key),
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM keys`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("counting keys: %w", err)
	}
	if count == 0 {
		k, err := s.Insert("root", RoleAdmin)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("bootstrapping admin key: %w", err)
		}
		log.Infof("generated admin key name=%s value=%s", k.Name, k.Value)
	}
	return s, nil
}

// Lookup resolves a bearer token value to its key. A miss, or a store
// failure, reads as (a key with Role Unknown, false); failures are logged here so
// callers can treat the result as a plain auth decision.
func (s *Store) Lookup(value string) (Key, bool) {
	s.mu.RLock()
	k, hit := s.cache[value]
	s.mu.RUnlock()
	if hit {
		return k, true
	}

	var role string
	row := s.db.QueryRow(`SELECT id, name, value, role FROM keys WHERE value = ?`, value)
	if err := row.Scan(&k.ID, &k.Name, &k.Value, &role); err != nil {
		if err != sql.ErrNoRows {
			s.log.Errorf("key lookup failed: %v", err)
		}
		return Key{Role: RoleUnknown}, false
	}
	k.Role = ParseRole(role)

	s.mu.Lock()
	s.cache[value] = k
	s.mu.Unlock()
	return k, true
}

// Insert issues a new key for name with the given role. The value is a
// freshly generated UUIDv4 string.
func (s *Store) Insert(name string, role Role) (Key, error) {
	if name == "" {
		return Key{}, fmt.Errorf("key name is required")
	}
	if role != RoleAdmin && role != RoleWorker && role != RoleClient {
		return Key{}, fmt.Errorf("invalid role %q", role)
	}
	value := uuid.NewString()
	res, err := s.db.Exec(`INSERT INTO keys (name, value, role) VALUES (?, ?, ?)`, name, value, string(role))
	if err != nil {
		return Key{}, fmt.Errorf("inserting key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Key{}, fmt.Errorf("reading key id: %w", err)
	}
	k := Key{ID: id, Name: name, Value: value, Role: role}
	s.mu.Lock()
	s.cache[value] = k
	s.mu.Unlock()
	return k, nil
}

// List returns every issued key, values included in plaintext.
func (s *Store) List() ([]Key, error) {
	rows, err := s.db.Query(`SELECT id, name, value, role FROM keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()
	var keys []Key
	for rows.Next() {
		var k Key
		var role string
		if err := rows.Scan(&k.ID, &k.Name, &k.Value, &role); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		k.Role = ParseRole(role)
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
