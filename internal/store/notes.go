// Package store holds the run-scoped JSON stores agents write through
// actions: notes, progress checkpoints and custom scripts. Every mutation
// persists atomically (temp file + rename).
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

// Note categories and priorities.
var (
	noteCategories = map[string]bool{
		"general":     true,
		"findings":    true,
		"methodology": true,
		"todo":        true,
		"questions":   true,
		"plan":        true,
	}
	notePriorities = map[string]bool{
		"low":    true,
		"normal": true,
		"high":   true,
		"urgent": true,
	}
)

// Note is one structured note an agent recorded.
type Note struct {
	NoteID    string   `json:"note_id"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Priority  string   `json:"priority"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

// NoteFilter narrows List results. Zero values match everything.
type NoteFilter struct {
	Category string
	Tags     []string
	Priority string
	Search   string
}

// NoteUpdate carries the optional fields of an update; nil means keep.
type NoteUpdate struct {
	Title    *string
	Content  *string
	Tags     []string
	Priority *string
}

// NotesStore is the notes.json store.
type NotesStore struct {
	mu     sync.Mutex
	path   string
	notes  map[string]*Note
	logger logging.Logger
}

// NewNotesStore opens (or creates) notes.json under dir.
func NewNotesStore(dir string) (*NotesStore, error) {
	s := &NotesStore{
		path:   filepath.Join(dir, "notes.json"),
		notes:  make(map[string]*Note),
		logger: logging.NewComponentLogger("notes"),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, &strixerrors.PersistenceError{Path: s.path, Err: err}
	}
	if err := json.Unmarshal(data, &s.notes); err != nil {
		return nil, fmt.Errorf("decode notes store: %w", err)
	}
	return s, nil
}

// Create validates and stores a new note, returning it with its id.
func (s *NotesStore) Create(title, content, category string, tags []string, priority string) (Note, error) {
	title = strings.TrimSpace(title)
	content = strings.TrimSpace(content)
	if category == "" {
		category = "general"
	}
	if priority == "" {
		priority = "normal"
	}
	if title == "" {
		return Note{}, fmt.Errorf("note title cannot be empty")
	}
	if content == "" {
		return Note{}, fmt.Errorf("note content cannot be empty")
	}
	if !noteCategories[category] {
		return Note{}, fmt.Errorf("invalid category %q (expected general, findings, methodology, todo, questions or plan)", category)
	}
	if !notePriorities[priority] {
		return Note{}, fmt.Errorf("invalid priority %q (expected low, normal, high or urgent)", priority)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newIDLocked()
	now := nowISO()
	note := &Note{
		NoteID:    id,
		Title:     title,
		Content:   content,
		Category:  category,
		Tags:      append([]string(nil), tags...),
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if note.Tags == nil {
		note.Tags = []string{}
	}
	s.notes[id] = note
	if err := s.saveLocked(); err != nil {
		delete(s.notes, id)
		return Note{}, err
	}
	return *note, nil
}

// newIDLocked returns a short unique note id. Short ids are friendlier in
// prompts; retry on the rare collision.
func (s *NotesStore) newIDLocked() string {
	for {
		id := uuid.NewString()[:5]
		if _, taken := s.notes[id]; !taken {
			return id
		}
	}
}

// Get returns a note by id.
func (s *NotesStore) Get(id string) (Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	if !ok {
		return Note{}, false
	}
	return *note, true
}

// Update applies the provided fields to a note.
func (s *NotesStore) Update(id string, update NoteUpdate) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[id]
	if !ok {
		return Note{}, fmt.Errorf("note %q not found", id)
	}
	prev := *note

	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return Note{}, fmt.Errorf("note title cannot be empty")
		}
		note.Title = title
	}
	if update.Content != nil {
		content := strings.TrimSpace(*update.Content)
		if content == "" {
			return Note{}, fmt.Errorf("note content cannot be empty")
		}
		note.Content = content
	}
	if update.Tags != nil {
		note.Tags = append([]string(nil), update.Tags...)
	}
	if update.Priority != nil {
		if !notePriorities[*update.Priority] {
			return Note{}, fmt.Errorf("invalid priority %q (expected low, normal, high or urgent)", *update.Priority)
		}
		note.Priority = *update.Priority
	}
	note.UpdatedAt = nowISO()

	if err := s.saveLocked(); err != nil {
		*note = prev
		return Note{}, err
	}
	return *note, nil
}

// Delete removes a note by id.
func (s *NotesStore) Delete(id string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[id]
	if !ok {
		return Note{}, fmt.Errorf("note %q not found", id)
	}
	delete(s.notes, id)
	if err := s.saveLocked(); err != nil {
		s.notes[id] = note
		return Note{}, err
	}
	return *note, nil
}

// List returns notes matching the filter, newest first.
func (s *NotesStore) List(filter NoteFilter) []Note {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Note
	for _, note := range s.notes {
		if filter.Category != "" && note.Category != filter.Category {
			continue
		}
		if filter.Priority != "" && note.Priority != filter.Priority {
			continue
		}
		if len(filter.Tags) > 0 && !anyTagMatches(note.Tags, filter.Tags) {
			continue
		}
		if filter.Search != "" {
			q := strings.ToLower(filter.Search)
			if !strings.Contains(strings.ToLower(note.Title), q) &&
				!strings.Contains(strings.ToLower(note.Content), q) {
				continue
			}
		}
		out = append(out, *note)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].NoteID < out[j].NoteID
	})
	return out
}

func anyTagMatches(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (s *NotesStore) saveLocked() error {
	return writeJSONAtomic(s.path, s.notes)
}
