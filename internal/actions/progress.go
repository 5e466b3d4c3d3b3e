package actions

import (
	"context"
	"fmt"

	"github.com/TWN-Systems/strix/internal/store"
	"github.com/TWN-Systems/strix/internal/tools"
)

// progressActions registers checkpointing. Agents park large intermediate
// results here so the compactor can trim history without losing them.
func progressActions(deps Deps) []tools.Registration {
	requireProgress := func() (*store.ProgressStore, error) {
		if deps.Progress == nil {
			return nil, fmt.Errorf("progress store is not available in this run")
		}
		return deps.Progress, nil
	}

	return []tools.Registration{
		{
			Name:        "save_progress",
			Module:      "progress",
			Description: "Save a checkpoint under a key. Survives context compaction and run restarts. With append=true and a stored list, {\"items\": [...]} extends it instead of replacing.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				progress, err := requireProgress()
				if err != nil {
					return nil, err
				}
				key, err := stringArg(args, "key")
				if err != nil {
					return nil, err
				}
				data, ok := args["data"]
				if !ok {
					return nil, fmt.Errorf("missing argument %q", "data")
				}
				entry, err := progress.Save(key, data, optionalBool(args, "append", false))
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"key":        key,
					"saved":      true,
					"updated_at": entry.UpdatedAt,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "key", Type: tools.TypeString, Description: "Checkpoint key", Required: true},
				{Name: "data", Type: tools.TypeJSON, Description: "Data to store (any JSON value)", Required: true},
				{Name: "append", Type: tools.TypeBool, Description: "Append items to an existing list instead of replacing", Required: false},
			},
		},
		{
			Name:        "load_progress",
			Module:      "progress",
			Description: "Load a previously saved checkpoint by key.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				progress, err := requireProgress()
				if err != nil {
					return nil, err
				}
				key, err := stringArg(args, "key")
				if err != nil {
					return nil, err
				}
				entry, ok := progress.Load(key)
				if !ok {
					return nil, fmt.Errorf("no progress saved under key %q", key)
				}
				return map[string]any{
					"key":        key,
					"data":       entry.Data,
					"created_at": entry.CreatedAt,
					"updated_at": entry.UpdatedAt,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "key", Type: tools.TypeString, Description: "Checkpoint key", Required: true},
			},
		},
		{
			Name:        "list_progress",
			Module:      "progress",
			Description: "List saved checkpoint keys with their timestamps.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				progress, err := requireProgress()
				if err != nil {
					return nil, err
				}
				entries := progress.List()
				return map[string]any{
					"count":       len(entries),
					"checkpoints": entries,
				}, nil
			},
		},
	}
}
