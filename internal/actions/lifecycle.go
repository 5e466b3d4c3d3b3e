package actions

import (
	"context"

	"github.com/TWN-Systems/strix/internal/tools"
)

// lifecycleActions registers finish and wait so role prompts document them.
// The agent loop resolves both by name at parse position, so these handlers
// only run if something dispatches them outside a loop; they return inert
// acknowledgements in that case.
func lifecycleActions() []tools.Registration {
	return []tools.Registration{
		{
			Name:        "finish",
			Module:      tools.ModuleLifecycle,
			Description: "End this agent's run. Set success=true only when the task is genuinely done; put the outcome summary in final_result.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return "finish acknowledged", nil
			},
			Args: []tools.ArgSpec{
				{Name: "success", Type: tools.TypeBool, Description: "Whether the task succeeded", Required: true},
				{Name: "final_result", Type: tools.TypeJSON, Description: "Outcome summary (text or structured)", Required: false},
			},
		},
		{
			Name:        "wait",
			Module:      tools.ModuleLifecycle,
			Description: "Pause until another agent sends you a message. Use after delegating work to children.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return "wait acknowledged", nil
			},
		},
	}
}

// thinkingActions registers the reasoning scratchpad. The thought comes back
// as an observation, which keeps deliberate reasoning inside the visible
// history instead of being dropped as an empty response.
func thinkingActions() []tools.Registration {
	return []tools.Registration{
		{
			Name:        "think",
			Module:      "thinking",
			Description: "Record a reasoning step without side effects. Use to plan multi-step work or weigh evidence before acting.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				thought, err := stringArg(args, "thought")
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"acknowledged": true,
					"thought":      thought,
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "thought", Type: tools.TypeString, Description: "The reasoning to record", Required: true},
			},
		},
	}
}
