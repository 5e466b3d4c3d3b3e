// Package tools holds the action registry: declarative action metadata,
// role-based gating, invocation parsing, and argument coercion.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	strixerrors "github.com/TWN-Systems/strix/internal/errors"
	"github.com/TWN-Systems/strix/internal/logging"
)

// ArgType enumerates the declared argument types an action may accept.
type ArgType string

const (
	TypeString ArgType = "string"
	TypeInt    ArgType = "int"
	TypeFloat  ArgType = "float"
	TypeBool   ArgType = "bool"
	TypeList   ArgType = "list"
	TypeObject ArgType = "object"
	TypeJSON   ArgType = "json"
)

// ArgSpec declares one named argument of an action.
type ArgSpec struct {
	Name        string  `json:"name"`
	Type        ArgType `json:"type"`
	Description string  `json:"description"`
	Required    bool    `json:"required"`
	Default     any     `json:"default,omitempty"`
}

// Handler executes an action with coerced arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registration is the write-once record describing an action.
type Registration struct {
	Name         string
	Module       string
	Description  string
	Handler      Handler
	NeedsSandbox bool
	Sequential   bool
	Args         []ArgSpec
}

var actionNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Registry maps action names to registrations. It is populated during
// startup, frozen, and read-only thereafter.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Registration
	frozen bool
	logger logging.Logger
}

// NewRegistry returns an empty, unfrozen registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Registration),
		logger: logging.NewComponentLogger("registry"),
	}
}

// Register adds an action. Names are write-once: re-registering an existing
// name or registering after Freeze is an error.
func (r *Registry) Register(reg Registration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", reg.Name)
	}
	if !actionNamePattern.MatchString(reg.Name) {
		return fmt.Errorf("invalid action name %q", reg.Name)
	}
	if reg.Module == "" {
		return fmt.Errorf("action %q must declare a module", reg.Name)
	}
	if reg.Handler == nil {
		return fmt.Errorf("action %q must declare a handler", reg.Name)
	}
	if _, exists := r.byName[reg.Name]; exists {
		return fmt.Errorf("action already registered: %s", reg.Name)
	}

	stored := reg
	r.byName[reg.Name] = &stored
	r.logger.Debug("registered action %s (module=%s, sandbox=%v, sequential=%v)",
		reg.Name, reg.Module, reg.NeedsSandbox, reg.Sequential)
	return nil
}

// MustRegister is Register for startup wiring where a failure is a bug.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only. Called once startup wiring is done.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	if !ok {
		return nil, &strixerrors.ActionNotFoundError{Name: name}
	}
	return reg, nil
}

// List returns all registrations ordered by module then name.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registration, 0, len(r.byName))
	for _, reg := range r.byName {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Module != out[j].Module {
			return out[i].Module < out[j].Module
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ForRole returns the registrations the given role may invoke, ordered by
// module then name. Lifecycle verbs (finish, wait) are part of every role's
// contract with the loop, so they are always included.
func (r *Registry) ForRole(role Role) []*Registration {
	all := r.List()
	if role == RoleFullAccess {
		return all
	}
	allowed := roleProfiles[role]
	out := make([]*Registration, 0, len(all))
	for _, reg := range all {
		if reg.Module == ModuleLifecycle || allowed[reg.Module] || allowed[reg.Name] {
			out = append(out, reg)
		}
	}
	return out
}

// Partition splits invocations into the sequential and parallel buckets per
// each action's declared sequentiality. Unknown actions are treated as
// sequential so their lookup errors surface in parse order.
func (r *Registry) Partition(invs []Invocation) (sequential, parallel []Invocation) {
	for _, inv := range invs {
		reg, err := r.Get(inv.Name)
		if err != nil || reg.Sequential {
			sequential = append(sequential, inv)
			continue
		}
		parallel = append(parallel, inv)
	}
	return sequential, parallel
}
