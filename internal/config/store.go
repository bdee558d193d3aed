package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store persists snapshots to a JSON file and notifies watchers on every
// successful Save. Loads and saves are serialized; the current snapshot is
// immutable and shared by reference.
type Store struct {
	log  *slog.Logger
	path string

	mu       sync.RWMutex
	current  *Snapshot
	watchers []chan *Snapshot
}

// NewStore loads the config file at path, falling back to the compiled-in
// default when the file does not exist.
func NewStore(log *slog.Logger, path string) (*Store, error) {
	s := &Store{log: log, path: path}

	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.log.Info("config: no config file, using defaults", "path", path)
		s.current = DefaultSnapshot()
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		snap, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		s.current = snap
	}
	return s, nil
}

// Parse decodes, validates, and normalizes a snapshot from JSON.
func Parse(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	snap.Normalize()
	return &snap, nil
}

// Load returns the current snapshot.
func (s *Store) Load() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Save validates and atomically persists the snapshot (tmp, fsync, rename),
// then installs it as current and notifies watchers. On any error the
// previous snapshot remains active.
func (s *Store) Save(snap *Snapshot) error {
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("config: invalid snapshot: %w", err)
	}
	snap.Normalize()

	raw, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.path, raw); err != nil {
		return fmt.Errorf("config: write %s: %w", s.path, err)
	}
	s.current = snap

	for _, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			// Slow watcher: drop the stale notification, it will pick up
			// the newest snapshot on the next Save or via Load.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	s.log.Info("config: saved", "areas", len(snap.Areas), "devices", len(snap.Devices), "links", len(snap.Links))
	return nil
}

// Watch returns a channel receiving each snapshot installed by Save.
// Delivery is best-effort; only the most recent snapshot matters.
func (s *Store) Watch() <-chan *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan *Snapshot, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
