package llm

// Named model roles. Configuration maps each to ModelSettings; lookups fall
// back to primary so a minimal config with a single model still routes
// every caller.
const (
	ModelRolePrimary    = "primary"
	ModelRoleFast       = "fast"
	ModelRoleLocal      = "local"
	ModelRoleThinking   = "thinking"
	ModelRoleCoding     = "coding"
	ModelRoleValidation = "validation"
)

// RoleTable routes named model roles to settings.
type RoleTable struct {
	models map[string]ModelSettings
}

// NewRoleTable builds a table from configured role settings. The primary
// role must be present; callers validate before constructing.
func NewRoleTable(models map[string]ModelSettings) *RoleTable {
	copied := make(map[string]ModelSettings, len(models))
	for name, settings := range models {
		copied[name] = settings
	}
	return &RoleTable{models: copied}
}

// Resolve returns the settings for role, falling back to primary when the
// role is not configured.
func (t *RoleTable) Resolve(role string) ModelSettings {
	if settings, ok := t.models[role]; ok && settings.Model != "" {
		return settings
	}
	return t.models[ModelRolePrimary]
}

// Has reports whether role is explicitly configured.
func (t *RoleTable) Has(role string) bool {
	settings, ok := t.models[role]
	return ok && settings.Model != ""
}

// RoleForAgent maps an agent role to the model role that suits its work:
// coordinators plan, validators verify, everything else runs on primary.
func RoleForAgent(agentRole string) string {
	switch agentRole {
	case "coordinator":
		return ModelRoleThinking
	case "validator":
		return ModelRoleValidation
	default:
		return ModelRolePrimary
	}
}
