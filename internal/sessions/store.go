package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCorrupt marks a persisted store file that exists but cannot be parsed.
// Callers treat it as "no prior sessions" rather than failing message handling.
var ErrCorrupt = errors.New("session store: persisted state unreadable")

// Store persists session entries in one flat JSON file keyed by session key.
//
// The file may be shared by multiple gateway processes. There is no lock file:
// every Save re-reads the current disk content and merges the caller's patch
// into it, so two concurrent writers that each add a different key both
// succeed. The merged result is written atomically (temp file + rename) so a
// crash mid-write never corrupts the file.
//
// Known gap, kept deliberately: a key deleted by one writer between another
// writer's Load and Save is resurrected by the second writer, because the
// second writer's snapshot still carries the old value as an ordinary present
// entry. Only non-identity metadata is affected.
type Store struct {
	path string

	mu sync.Mutex

	// Short-lived read cache. Invalidated on every Save from this process.
	cacheTTL time.Duration
	cached   map[string]*Entry
	cachedAt time.Time
}

// NewStore creates a store backed by the given file path. cacheTTL bounds how
// long Load may serve a cached snapshot; zero disables caching.
func NewStore(path string, cacheTTL time.Duration) *Store {
	return &Store{path: path, cacheTTL: cacheTTL}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns the persisted session map. A missing file yields an empty map.
// A file that exists but cannot be parsed yields an empty map and ErrCorrupt:
// the store fails closed instead of crashing the process.
//
// The returned map is the caller's own mutable snapshot.
func (s *Store) Load() (map[string]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cacheTTL > 0 && s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		return cloneEntries(s.cached), nil
	}

	entries, err := readEntries(s.path)
	if err != nil {
		return map[string]*Entry{}, err
	}

	if s.cacheTTL > 0 {
		s.cached = cloneEntries(entries)
		s.cachedAt = time.Now()
	}
	return entries, nil
}

// Save merges the patch into a fresh read of the disk state and writes the
// result back atomically. For each key in the patch: a nil value removes the
// key, any other value replaces the persisted entry. Keys absent from the
// patch are left untouched.
//
// On write failure the prior on-disk state remains intact.
func (s *Store) Save(patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Merge against disk, not the cache: another process may have written
	// since our last read.
	current, err := readEntries(s.path)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}

	for key, entry := range patch {
		if entry == nil {
			delete(current, key)
			continue
		}
		current[key] = entry.Clone()
	}

	if err := writeEntries(s.path, current); err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}

	// Our own cache is stale the moment the file changes.
	if s.cacheTTL > 0 {
		s.cached = cloneEntries(current)
		s.cachedAt = time.Now()
	}
	return nil
}

// Get loads a single entry, or nil if the key has no persisted state.
func (s *Store) Get(key string) (*Entry, error) {
	entries, err := s.Load()
	if err != nil {
		return nil, err
	}
	return entries[key], nil
}

// Reset replaces the entry for key with a fresh one carrying a new session id.
// The session key itself is unchanged; only the identity behind it rotates.
func (s *Store) Reset(key string) (*Entry, error) {
	entry := &Entry{
		SessionID: NewSessionID(),
		UpdatedAt: time.Now(),
	}
	if err := s.Save(Patch{key: entry}); err != nil {
		return nil, err
	}
	return entry, nil
}

// Delete removes the entry for key.
func (s *Store) Delete(key string) error {
	return s.Save(Patch{key: nil})
}

// NewSessionID mints a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

func readEntries(path string) (map[string]*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return map[string]*Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(data) == 0 {
		return map[string]*Entry{}, nil
	}

	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return map[string]*Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if entries == nil {
		entries = map[string]*Entry{}
	}
	return entries, nil
}

func writeEntries(path string, entries map[string]*Entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// Atomic write: temp file → rename.
	tmpFile, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func cloneEntries(entries map[string]*Entry) map[string]*Entry {
	out := make(map[string]*Entry, len(entries))
	for k, v := range entries {
		out[k] = v.Clone()
	}
	return out
}
