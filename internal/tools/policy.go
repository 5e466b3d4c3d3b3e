package tools

import (
	strixerrors "github.com/TWN-Systems/strix/internal/errors"
)

// Role is an agent's capability profile. Gating happens before dispatch:
// an action outside the role's permitted modules fails with
// PermissionDenied and never reaches a worker.
type Role string

const (
	RoleCoordinator         Role = "coordinator"
	RoleReconnaissance      Role = "reconnaissance"
	RoleVulnerabilityTester Role = "vulnerability_tester"
	RoleValidator           Role = "validator"
	RoleReporter            Role = "reporter"
	RoleFixGenerator        Role = "fix_generator"
	RoleFullAccess          Role = "full_access"
)

// ModuleLifecycle tags the loop-intercepted verbs finish and wait. Their
// registrations exist so prompts can document them; the agent loop resolves
// them by name before dispatch ever happens.
const ModuleLifecycle = "lifecycle"

// AllRoles lists every recognized role.
var AllRoles = []Role{
	RoleCoordinator,
	RoleReconnaissance,
	RoleVulnerabilityTester,
	RoleValidator,
	RoleReporter,
	RoleFixGenerator,
	RoleFullAccess,
}

// ValidRole reports whether s names a recognized role.
func ValidRole(s string) bool {
	for _, r := range AllRoles {
		if Role(s) == r {
			return true
		}
	}
	return false
}

// roleProfiles maps each role to its permitted module tags or action names.
// RoleFullAccess bypasses the table entirely. The lifecycle verbs finish and
// wait are intercepted by the agent loop before gating, so they are not
// listed here.
var roleProfiles = map[Role]map[string]bool{
	RoleCoordinator: {
		"agents":   true,
		"thinking": true,
		"notes":    true,
		"progress": true,
		"planning": true,
	},
	RoleReconnaissance: {
		"terminal":   true,
		"proxy":      true,
		"browser":    true,
		"web_search": true,
		"notes":      true,
		"thinking":   true,
		"python":     true,
		"scripts":    true,
		"progress":   true,
	},
	RoleVulnerabilityTester: {
		"terminal":  true,
		"proxy":     true,
		"browser":   true,
		"python":    true,
		"file_edit": true,
		"notes":     true,
		"thinking":  true,
		"reporting": true,
		"agents":    true,
		"scripts":   true,
		"progress":  true,
	},
	RoleValidator: {
		"terminal": true,
		"proxy":    true,
		"browser":  true,
		"python":   true,
		"notes":    true,
		"thinking": true,
		"scripts":  true,
		"progress": true,
	},
	RoleReporter: {
		"notes":     true,
		"reporting": true,
		"thinking":  true,
		"file_edit": true,
		"progress":  true,
	},
	RoleFixGenerator: {
		"file_edit": true,
		"notes":     true,
		"thinking":  true,
		"python":    true,
		"scripts":   true,
		"progress":  true,
	},
}

// Permitted returns nil when role may invoke the named action. Unknown
// actions report ActionNotFound; disallowed ones report PermissionDenied.
func (r *Registry) Permitted(role Role, actionName string) error {
	reg, err := r.Get(actionName)
	if err != nil {
		return err
	}
	if role == RoleFullAccess {
		return nil
	}
	allowed, ok := roleProfiles[role]
	if !ok {
		return &strixerrors.PermissionDeniedError{Role: string(role), Action: actionName}
	}
	if allowed[reg.Module] || allowed[reg.Name] {
		return nil
	}
	return &strixerrors.PermissionDeniedError{Role: string(role), Action: actionName}
}
