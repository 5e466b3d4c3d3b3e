package tools

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

// Coerce validates parsed string arguments against an action's declared
// signature and converts them to typed values. Unknown argument names are
// rejected, missing required arguments fail, and absent optional arguments
// pick up their declared default.
func Coerce(action string, args map[string]string, specs []ArgSpec) (map[string]any, error) {
	byName := make(map[string]ArgSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}

	for name := range args {
		if _, ok := byName[name]; !ok {
			return nil, &strixerrors.CoercionError{
				Action: action,
				Arg:    name,
				Reason: "unknown argument",
			}
		}
	}

	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		raw, present := args[spec.Name]
		if !present {
			if spec.Required {
				return nil, &strixerrors.CoercionError{
					Action: action,
					Arg:    spec.Name,
					Reason: "required argument missing",
				}
			}
			if spec.Default != nil {
				out[spec.Name] = spec.Default
			}
			continue
		}
		value, err := coerceValue(raw, spec.Type)
		if err != nil {
			return nil, &strixerrors.CoercionError{
				Action: action,
				Arg:    spec.Name,
				Reason: err.Error(),
			}
		}
		out[spec.Name] = value
	}
	return out, nil
}

// Coerce converts raw parser output into the typed argument map this
// action's handler expects.
func (r *Registration) Coerce(args map[string]string) (map[string]any, error) {
	return Coerce(r.Name, args, r.Args)
}

func coerceValue(raw string, t ArgType) (any, error) {
	switch t {
	case TypeString, "":
		return raw, nil
	case TypeInt:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %q", compact(raw))
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("expected number, got %q", compact(raw))
		}
		return f, nil
	case TypeBool:
		switch strings.ToLower(strings.TrimSpace(raw)) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("expected true or false, got %q", compact(raw))
	case TypeList:
		v, err := parseJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("expected JSON array: %v", err)
		}
		list, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected JSON array, got %T", v)
		}
		return list, nil
	case TypeObject:
		v, err := parseJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("expected JSON object: %v", err)
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected JSON object, got %T", v)
		}
		return obj, nil
	case TypeJSON:
		v, err := parseJSON(raw)
		if err != nil {
			// Free-form JSON arguments degrade to the raw string.
			return raw, nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported argument type %q", t)
}

// parseJSON decodes raw as JSON, repairing almost-JSON (single quotes,
// trailing commas, unquoted keys) the way thinkers tend to emit it.
func parseJSON(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v, nil
	}
	repaired, err := jsonrepair.JSONRepair(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &v); err != nil {
		return nil, fmt.Errorf("invalid JSON after repair: %w", err)
	}
	return v, nil
}

func compact(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}
