package actions

import (
	"context"
	"fmt"

	"github.com/TWN-Systems/strix/internal/tools"
)

// agentActions wires the coordination verbs. The invoking agent's id rides
// on the context (set by the dispatch layers), which is how spawn_agent
// knows who the parent is without handlers taking agent state.
func agentActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:        "spawn_agent",
			Module:      "agents",
			Description: "Create a child agent with its own task and role. The child shares your sandbox and reports back via send_to_agent. Returns the child's agent id.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if deps.Coordinator == nil {
					return nil, fmt.Errorf("agent coordination is not available in this run")
				}
				name, err := stringArg(args, "name")
				if err != nil {
					return nil, err
				}
				task, err := stringArg(args, "task")
				if err != nil {
					return nil, err
				}
				role := optionalString(args, "role")
				childID, err := deps.Coordinator.SpawnAgent(ctx, tools.InvokerFrom(ctx), name, task, role)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"agent_id": childID,
					"name":     name,
					"role":     role,
					"message":  fmt.Sprintf("agent %q started; it will message you when it needs input or finishes", name),
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "name", Type: tools.TypeString, Description: "Short display name for the child", Required: true},
				{Name: "task", Type: tools.TypeString, Description: "Complete task description, including scope and constraints", Required: true},
				{Name: "role", Type: tools.TypeString, Description: "Capability role (coordinator, reconnaissance, vulnerability_tester, validator, reporter, fix_generator, full_access)", Required: false},
			},
		},
		{
			Name:        "send_to_agent",
			Module:      "agents",
			Description: "Send a message to another agent by id. Wakes the target if it is waiting. Fails when the target is unknown or already finished.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if deps.Coordinator == nil {
					return nil, fmt.Errorf("agent coordination is not available in this run")
				}
				targetID, err := stringArg(args, "agent_id")
				if err != nil {
					return nil, err
				}
				message, err := stringArg(args, "message")
				if err != nil {
					return nil, err
				}
				if err := deps.Coordinator.SendMessage(tools.InvokerFrom(ctx), targetID, message); err != nil {
					return nil, err
				}
				return map[string]any{
					"delivered": true,
					"agent_id":  targetID,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "agent_id", Type: tools.TypeString, Description: "Target agent id", Required: true},
				{Name: "message", Type: tools.TypeString, Description: "Message content", Required: true},
			},
		},
		{
			Name:        "view_agent_graph",
			Module:      "agents",
			Description: "Show the live agent tree: every agent's id, name, role, status, and iteration progress.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if deps.Coordinator == nil {
					return nil, fmt.Errorf("agent coordination is not available in this run")
				}
				return deps.Coordinator.AgentGraph(), nil
			},
		},
	}
}
