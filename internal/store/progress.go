package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

// ProgressEntry is one checkpoint under its key.
type ProgressEntry struct {
	Data      any    `json:"data"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ProgressInfo summarizes a checkpoint for listings.
type ProgressInfo struct {
	Key       string `json:"key"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ProgressStore is the progress.json key-value store agents use to offload
// context between iterations and runs.
type ProgressStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]*ProgressEntry
	logger  logging.Logger
}

// NewProgressStore opens (or creates) progress.json under dir.
func NewProgressStore(dir string) (*ProgressStore, error) {
	s := &ProgressStore{
		path:    filepath.Join(dir, "progress.json"),
		entries: make(map[string]*ProgressEntry),
		logger:  logging.NewComponentLogger("progress"),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &strixerrors.PersistenceError{Path: s.path, Err: err}
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("decode progress store: %w", err)
	}
	return s, nil
}

// Save stores data under key. With appendMode, when the existing value is a
// list and the incoming value carries an "items" list, the items are
// appended to the stored list instead of replacing it.
func (s *ProgressStore) Save(key string, data any, appendMode bool) (ProgressEntry, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return ProgressEntry{}, fmt.Errorf("progress key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowISO()
	existing, ok := s.entries[key]

	var entry *ProgressEntry
	switch {
	case ok && appendMode:
		entry = &ProgressEntry{
			Data:      appendItems(existing.Data, data),
			CreatedAt: existing.CreatedAt,
			UpdatedAt: now,
		}
	case ok:
		entry = &ProgressEntry{Data: data, CreatedAt: existing.CreatedAt, UpdatedAt: now}
	default:
		entry = &ProgressEntry{Data: data, CreatedAt: now, UpdatedAt: now}
	}

	s.entries[key] = entry
	if err := writeJSONAtomic(s.path, s.entries); err != nil {
		if ok {
			s.entries[key] = existing
		} else {
			delete(s.entries, key)
		}
		return ProgressEntry{}, err
	}
	return *entry, nil
}

// appendItems extends a stored list with the incoming value's "items" list.
// Any other shape replaces the stored value.
func appendItems(existing, incoming any) any {
	list, isList := existing.([]any)
	if !isList {
		return incoming
	}
	obj, isObj := incoming.(map[string]any)
	if !isObj {
		return incoming
	}
	items, hasItems := obj["items"].([]any)
	if !hasItems {
		return incoming
	}
	return append(list, items...)
}

// Load returns the checkpoint at key.
func (s *ProgressStore) Load(key string) (ProgressEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return ProgressEntry{}, false
	}
	return *entry, true
}

// List returns the stored keys with timestamps, sorted by key.
func (s *ProgressStore) List() []ProgressInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ProgressInfo, 0, len(s.entries))
	for key, entry := range s.entries {
		out = append(out, ProgressInfo{Key: key, CreatedAt: entry.CreatedAt, UpdatedAt: entry.UpdatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
