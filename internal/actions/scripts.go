package actions

import (
	"context"
	"fmt"

	"github.com/TWN-Systems/strix/internal/store"
	"github.com/TWN-Systems/strix/internal/tools"
)

// scriptActions registers the reusable-script workflow: author once with
// create_script, run deterministically with execute_script. Execution is
// sandboxed; the bookkeeping operations stay in process.
func scriptActions(deps Deps) []tools.Registration {
	requireScripts := func() (*store.ScriptsStore, error) {
		if deps.Scripts == nil {
			return nil, fmt.Errorf("scripts store is not available in this run")
		}
		return deps.Scripts, nil
	}

	return []tools.Registration{
		{
			Name:        "create_script",
			Module:      "scripts",
			Description: "Register a reusable script. Re-creating an existing name updates it and bumps the version. Languages: bash, python, ruby, perl, powershell.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				scripts, err := requireScripts()
				if err != nil {
					return nil, err
				}
				name, err := stringArg(args, "name")
				if err != nil {
					return nil, err
				}
				content, err := stringArg(args, "content")
				if err != nil {
					return nil, err
				}
				description, err := stringArg(args, "description")
				if err != nil {
					return nil, err
				}
				meta, err := scripts.Create(store.ScriptMetadata{
					Name:                  name,
					Description:           description,
					Category:              optionalString(args, "category"),
					Language:              optionalString(args, "language"),
					Parameters:            stringList(args, "parameters"),
					ParameterDescriptions: stringMap(args, "parameter_descriptions"),
					Tags:                  stringList(args, "tags"),
					TimeoutSeconds:        optionalInt(args, "timeout", 0),
				}, content)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"name":     meta.Name,
					"version":  meta.Version,
					"language": meta.Language,
					"category": meta.Category,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "name", Type: tools.TypeString, Description: "Script name (alphanumeric and underscores)", Required: true},
				{Name: "content", Type: tools.TypeString, Description: "Script source", Required: true},
				{Name: "description", Type: tools.TypeString, Description: "What the script does", Required: true},
				{Name: "category", Type: tools.TypeString, Description: "Category (default utility)", Required: false},
				{Name: "language", Type: tools.TypeString, Description: "Interpreter language (default bash)", Required: false},
				{Name: "parameters", Type: tools.TypeList, Description: "Declared parameter names as a JSON array", Required: false},
				{Name: "parameter_descriptions", Type: tools.TypeObject, Description: "Parameter descriptions as a JSON object", Required: false},
				{Name: "tags", Type: tools.TypeList, Description: "Tags as a JSON array", Required: false},
				{Name: "timeout", Type: tools.TypeInt, Description: "Execution timeout in seconds (default 300)", Required: false},
			},
		},
		{
			Name:         "execute_script",
			Module:       "scripts",
			Description:  "Run a registered script with parameter values. Declared parameters are passed positionally and exported as STRIX_PARAM_<NAME>.",
			NeedsSandbox: true,
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				scripts, err := requireScripts()
				if err != nil {
					return nil, err
				}
				name, err := stringArg(args, "name")
				if err != nil {
					return nil, err
				}
				result := scripts.Execute(ctx, name, stringMap(args, "parameters"))
				if result.Error != "" && !result.Success {
					return nil, fmt.Errorf("%s", result.Error)
				}
				return result, nil
			},
			Args: []tools.ArgSpec{
				{Name: "name", Type: tools.TypeString, Description: "Registered script name", Required: true},
				{Name: "parameters", Type: tools.TypeObject, Description: "Parameter values as a JSON object", Required: false},
			},
		},
		{
			Name:        "list_scripts",
			Module:      "scripts",
			Description: "List registered scripts, optionally filtered by category or tags.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				scripts, err := requireScripts()
				if err != nil {
					return nil, err
				}
				matched := scripts.List(optionalString(args, "category"), stringList(args, "tags"))
				return map[string]any{
					"count":   len(matched),
					"scripts": matched,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "category", Type: tools.TypeString, Description: "Filter by category", Required: false},
				{Name: "tags", Type: tools.TypeList, Description: "Filter by any matching tag", Required: false},
			},
		},
		{
			Name:        "delete_script",
			Module:      "scripts",
			Description: "Delete a registered script and its metadata.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				scripts, err := requireScripts()
				if err != nil {
					return nil, err
				}
				name, err := stringArg(args, "name")
				if err != nil {
					return nil, err
				}
				if err := scripts.Delete(name); err != nil {
					return nil, err
				}
				return map[string]any{
					"deleted": true,
					"name":    name,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "name", Type: tools.TypeString, Description: "Script name to delete", Required: true},
			},
		},
	}
}
