// Package store keeps a local history of provisioning attempts. Wi-Fi
// credentials are never part of an entry.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no entry matches an ID.
var ErrNotFound = errors.New("history entry not found")

// Store manages the provisioning history file.
type Store struct {
	baseDir     string
	historyPath string

	mu sync.Mutex
}

// History is the on-disk layout of the history file.
type History struct {
	Entries   []Entry   `json:"entries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry records the outcome of one provisioning attempt.
type Entry struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	DeviceState string    `json:"device_state"`
	ErrorState  string    `json:"error_state,omitempty"`
	Results     []string  `json:"results,omitempty"`
	Method      string    `json:"method"` // "cli", "tui"
	CreatedAt   time.Time `json:"created_at"`
}

// Succeeded reports whether the device ended up provisioned.
func (e Entry) Succeeded() bool {
	return e.DeviceState == "PROVISIONED"
}

// DefaultPath returns the default store path (~/.improv).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".improv"), nil
}

// Open opens or creates a store at the given path.
func Open(path string) (*Store, error) {
	s := &Store{
		baseDir:     path,
		historyPath: filepath.Join(path, "history.json"),
	}
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return s, nil
}

// OpenDefault opens the store at the default path.
func OpenDefault() (*Store, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return Open(path)
}

// Record appends e to the history and returns its ID. CreatedAt defaults to
// now.
func (s *Store) Record(e Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Address == "" {
		return "", errors.New("entry has no device address")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.ID = EntryID(e.Address, e.CreatedAt)

	h, err := s.load()
	if err != nil {
		return "", err
	}
	h.Entries = append(h.Entries, e)
	if err := s.save(h); err != nil {
		return "", fmt.Errorf("failed to write history: %w", err)
	}
	return e.ID, nil
}

// List returns all entries, newest first.
func (s *Store) List() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := h.Entries
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// ForDevice returns the entries for one address, newest first.
func (s *Store) ForDevice(address string) ([]Entry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if strings.EqualFold(e.Address, address) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Get returns the entry whose ID starts with prefix, which may be a full ID
// or the short form printed by ShortID.
func (s *Store) Get(prefix string) (*Entry, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimPrefix(prefix, "sha256:")
	var match *Entry
	for i := range all {
		if strings.HasPrefix(strings.TrimPrefix(all[i].ID, "sha256:"), prefix) {
			if match != nil {
				return nil, fmt.Errorf("ambiguous id %q", prefix)
			}
			match = &all[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	}
	return match, nil
}

// Count returns the number of entries in the store.
func (s *Store) Count() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.load()
	if err != nil {
		return 0, err
	}
	return len(h.Entries), nil
}

// Clear removes every entry.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(&History{})
}

func (s *Store) load() (*History, error) {
	data, err := os.ReadFile(s.historyPath)
	if os.IsNotExist(err) {
		return &History{}, nil
	}
	if err != nil {
		return nil, err
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to parse history: %w", err)
	}
	return &h, nil
}

func (s *Store) save(h *History) error {
	h.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.historyPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.historyPath)
}
