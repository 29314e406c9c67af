// Package store persists the small keyed map of session metadata: enough to
// reconstruct live sessions without the container layer. Reads are total (a
// missing file is an empty store); writes are atomic (temp file + rename)
// and serialized across processes by an advisory lock on a "state.lock"
// file beside the store.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ainb/config"
	"ainb/log"

	"github.com/google/uuid"
)

// Metadata is the persisted record for one session, keyed by its
// multiplexer session name.
type Metadata struct {
	SessionID              uuid.UUID `json:"session_id"`
	MultiplexerSessionName string    `json:"tmux_session_name"`
	WorktreePath           string    `json:"worktree_path"`
	WorkspaceName          string    `json:"workspace_name"`
	CreatedAt              time.Time `json:"created_at"`
}

// document is the on-disk shape. Unknown fields are ignored on read.
type document struct {
	Sessions map[string]Metadata `json:"sessions"`
}

// Store is a loaded, mutable view of the persisted session map. Callers
// typically Load, mutate, then Save within the span of a single file lock
// (see WithLock) to avoid lost updates across processes.
type Store struct {
	path     string
	Sessions map[string]Metadata
}

// defaultPath returns ~/.<brand>/sessions.json.
func defaultPath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.SessionsFileName), nil
}

// Load reads the store at the default path. A missing file yields an empty,
// well-formed Store rather than an error.
func Load() (*Store, error) {
	path, err := defaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the store at an explicit path (used by tests).
func LoadFrom(path string) (*Store, error) {
	s := &Store{path: path, Sessions: make(map[string]Metadata)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.WarningLog.Printf("session store at %s is corrupt, treating as empty: %v", path, err)
		return s, nil
	}
	if doc.Sessions != nil {
		s.Sessions = doc.Sessions
	}
	return s, nil
}

// Save atomically writes the store: marshal, write to a sibling temp file,
// then rename into place, so concurrent readers never observe a truncated
// file.
func (s *Store) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	data, err := json.MarshalIndent(document{Sessions: s.Sessions}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".sessions-*.json.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session store file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp session store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp session store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp session store file into place: %w", err)
	}
	return nil
}

// Upsert inserts or replaces the entry keyed by metadata's multiplexer
// session name. Re-upserting under the same key replaces the entry in
// place; the entry count never increases for a repeated key.
func (s *Store) Upsert(m Metadata) {
	if s.Sessions == nil {
		s.Sessions = make(map[string]Metadata)
	}
	s.Sessions[m.MultiplexerSessionName] = m
}

// RemoveByKey deletes the entry for a multiplexer session name. Idempotent:
// removing an absent key is a no-op.
func (s *Store) RemoveByKey(multiplexerName string) {
	delete(s.Sessions, multiplexerName)
}

// RemoveBySessionID deletes the entry whose SessionID matches, if any.
// Idempotent for the same reason as RemoveByKey.
func (s *Store) RemoveBySessionID(id uuid.UUID) {
	for key, m := range s.Sessions {
		if m.SessionID == id {
			delete(s.Sessions, key)
			return
		}
	}
}

// Get returns the entry for a multiplexer session name, if present.
func (s *Store) Get(multiplexerName string) (Metadata, bool) {
	m, ok := s.Sessions[multiplexerName]
	return m, ok
}

// FindBySessionID returns the entry whose SessionID matches, if any.
func (s *Store) FindBySessionID(id uuid.UUID) (Metadata, bool) {
	for _, m := range s.Sessions {
		if m.SessionID == id {
			return m, true
		}
	}
	return Metadata{}, false
}

// WithLock loads the store under an exclusive file lock, runs fn against it,
// saves if fn returns nil, and releases the lock. All cross-process writers
// serialize here.
func WithLock(fn func(*Store) error) error {
	path, err := defaultPath()
	if err != nil {
		return err
	}
	return WithLockAt(path, fn)
}

// WithLockAt is WithLock against an explicit path (used by tests).
func WithLockAt(path string, fn func(*Store) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create session store directory: %w", err)
	}

	lock := config.NewFileLock(path)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire session store lock: %w", err)
	}
	defer lock.Unlock()

	s, err := LoadFrom(path)
	if err != nil {
		return err
	}
	if err := fn(s); err != nil {
		return err
	}
	return s.Save()
}
