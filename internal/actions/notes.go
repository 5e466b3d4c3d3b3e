package actions

import (
	"context"
	"fmt"

	"github.com/TWN-Systems/strix/internal/store"
	"github.com/TWN-Systems/strix/internal/tools"
)

// notesActions registers the structured note pad backed by the run's
// notes.json store.
func notesActions(deps Deps) []tools.Registration {
	requireNotes := func() (*store.NotesStore, error) {
		if deps.Notes == nil {
			return nil, fmt.Errorf("notes store is not available in this run")
		}
		return deps.Notes, nil
	}

	return []tools.Registration{
		{
			Name:        "create_note",
			Module:      "notes",
			Description: "Record a structured note. Categories: general, findings, methodology, todo, questions, plan. Priorities: low, normal, high, urgent.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				notes, err := requireNotes()
				if err != nil {
					return nil, err
				}
				title, err := stringArg(args, "title")
				if err != nil {
					return nil, err
				}
				content, err := stringArg(args, "content")
				if err != nil {
					return nil, err
				}
				note, err := notes.Create(
					title,
					content,
					optionalString(args, "category"),
					stringList(args, "tags"),
					optionalString(args, "priority"),
				)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"note_id":  note.NoteID,
					"title":    note.Title,
					"category": note.Category,
					"priority": note.Priority,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "title", Type: tools.TypeString, Description: "Short note title", Required: true},
				{Name: "content", Type: tools.TypeString, Description: "Note body", Required: true},
				{Name: "category", Type: tools.TypeString, Description: "Category (default general)", Required: false},
				{Name: "tags", Type: tools.TypeList, Description: "Tags as a JSON array of strings", Required: false},
				{Name: "priority", Type: tools.TypeString, Description: "Priority (default normal)", Required: false},
			},
		},
		{
			Name:        "update_note",
			Module:      "notes",
			Description: "Update an existing note's title, content, tags, or priority. Omitted fields keep their values.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				notes, err := requireNotes()
				if err != nil {
					return nil, err
				}
				id, err := stringArg(args, "note_id")
				if err != nil {
					return nil, err
				}
				var update store.NoteUpdate
				if title, ok := args["title"].(string); ok {
					update.Title = &title
				}
				if content, ok := args["content"].(string); ok {
					update.Content = &content
				}
				if _, ok := args["tags"]; ok {
					update.Tags = stringList(args, "tags")
				}
				if priority, ok := args["priority"].(string); ok {
					update.Priority = &priority
				}
				note, err := notes.Update(id, update)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"note_id":    note.NoteID,
					"title":      note.Title,
					"updated_at": note.UpdatedAt,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "note_id", Type: tools.TypeString, Description: "Note id to update", Required: true},
				{Name: "title", Type: tools.TypeString, Description: "New title", Required: false},
				{Name: "content", Type: tools.TypeString, Description: "New body", Required: false},
				{Name: "tags", Type: tools.TypeList, Description: "Replacement tags as a JSON array", Required: false},
				{Name: "priority", Type: tools.TypeString, Description: "New priority", Required: false},
			},
		},
		{
			Name:        "delete_note",
			Module:      "notes",
			Description: "Delete a note by id.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				notes, err := requireNotes()
				if err != nil {
					return nil, err
				}
				id, err := stringArg(args, "note_id")
				if err != nil {
					return nil, err
				}
				note, err := notes.Delete(id)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"deleted": true,
					"note_id": note.NoteID,
					"title":   note.Title,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "note_id", Type: tools.TypeString, Description: "Note id to delete", Required: true},
			},
		},
		{
			Name:        "list_notes",
			Module:      "notes",
			Description: "List notes, newest first, optionally filtered by category, tags, priority, or a search term over title and content.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				notes, err := requireNotes()
				if err != nil {
					return nil, err
				}
				matched := notes.List(store.NoteFilter{
					Category: optionalString(args, "category"),
					Tags:     stringList(args, "tags"),
					Priority: optionalString(args, "priority"),
					Search:   optionalString(args, "search"),
				})
				return map[string]any{
					"count": len(matched),
					"notes": matched,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "category", Type: tools.TypeString, Description: "Filter by category", Required: false},
				{Name: "tags", Type: tools.TypeList, Description: "Filter by any matching tag", Required: false},
				{Name: "priority", Type: tools.TypeString, Description: "Filter by priority", Required: false},
				{Name: "search", Type: tools.TypeString, Description: "Case-insensitive search over title and content", Required: false},
			},
		},
	}
}
