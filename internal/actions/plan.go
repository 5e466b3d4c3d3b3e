package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/TWN-Systems/strix/internal/telemetry"
	"github.com/TWN-Systems/strix/internal/tools"
)

// planActions registers the shared run plan verbs. One plan exists per run;
// every planning-capable agent mutates the same task graph, and each
// mutation snapshots run_plan.json so a restarted run picks up where the
// plan left off.
func planActions(deps Deps) []tools.Registration {
	requirePlan := func() (*telemetry.RunPlan, error) {
		if deps.Plan == nil {
			return nil, fmt.Errorf("run plan is not available in this run")
		}
		return deps.Plan, nil
	}

	return []tools.Registration{
		{
			Name:        "add_plan_phase",
			Module:      "planning",
			Description: "Add a phase to the run plan. Phases group tasks; their status derives from the tasks inside them.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				plan, err := requirePlan()
				if err != nil {
					return nil, err
				}
				title, err := stringArg(args, "title")
				if err != nil {
					return nil, err
				}
				id, err := plan.AddPhase(title)
				if err != nil {
					return nil, err
				}
				return map[string]any{"phase_id": id, "title": title}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "title", Type: tools.TypeString, Description: "Phase title", Required: true},
			},
		},
		{
			Name:        "add_plan_task",
			Module:      "planning",
			Description: "Add a task to the run plan. Tasks with depends_on stay blocked until every dependency is completed or skipped.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				plan, err := requirePlan()
				if err != nil {
					return nil, err
				}
				title, err := stringArg(args, "title")
				if err != nil {
					return nil, err
				}
				id, err := plan.AddTask(
					optionalString(args, "phase_id"),
					title,
					optionalString(args, "description"),
					stringList(args, "depends_on"),
					optionalInt(args, "priority", 0),
				)
				if err != nil {
					return nil, err
				}
				return map[string]any{"task_id": id, "title": title}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "title", Type: tools.TypeString, Description: "Task title", Required: true},
				{Name: "description", Type: tools.TypeString, Description: "What doing this task involves", Required: false},
				{Name: "phase_id", Type: tools.TypeString, Description: "Phase to file the task under", Required: false},
				{Name: "depends_on", Type: tools.TypeList, Description: "Task ids that must finish first, as a JSON array", Required: false},
				{Name: "priority", Type: tools.TypeInt, Description: "Higher runs earlier among ready tasks (default 0)", Required: false},
			},
		},
		{
			Name:        "update_plan_task",
			Module:      "planning",
			Description: "Move a plan task to in_progress, completed, failed, or skipped. detail carries the result, the error, or the skip reason.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				plan, err := requirePlan()
				if err != nil {
					return nil, err
				}
				taskID, err := stringArg(args, "task_id")
				if err != nil {
					return nil, err
				}
				status, err := stringArg(args, "status")
				if err != nil {
					return nil, err
				}
				detail := optionalString(args, "detail")
				switch strings.ToLower(strings.TrimSpace(status)) {
				case telemetry.TaskInProgress:
					err = plan.StartTask(taskID, 0)
				case telemetry.TaskCompleted:
					err = plan.CompleteTask(taskID, detail, 0)
				case telemetry.TaskFailed:
					err = plan.FailTask(taskID, detail, 0)
				case telemetry.TaskSkipped:
					err = plan.SkipTask(taskID, detail)
				default:
					return nil, fmt.Errorf("unknown task status %q (use in_progress, completed, failed, or skipped)", status)
				}
				if err != nil {
					return nil, err
				}
				prog := plan.Progress()
				if deps.Tracer != nil {
					deps.Tracer.Emit(telemetry.EventProgressUpdate, tools.InvokerFrom(ctx), map[string]any{
						"task_id": taskID,
						"status":  strings.ToLower(strings.TrimSpace(status)),
						"done":    prog.Completed + prog.Skipped,
						"total":   prog.Total,
						"percent": prog.Percent,
					})
				}
				return map[string]any{
					"task_id":  taskID,
					"status":   strings.ToLower(strings.TrimSpace(status)),
					"progress": fmt.Sprintf("%d/%d tasks done (%.1f%%)", prog.Completed+prog.Skipped, prog.Total, prog.Percent),
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "task_id", Type: tools.TypeString, Description: "Task id to update", Required: true},
				{Name: "status", Type: tools.TypeString, Description: "One of in_progress, completed, failed, skipped", Required: true},
				{Name: "detail", Type: tools.TypeString, Description: "Result, error, or skip reason", Required: false},
			},
		},
		{
			Name:        "view_plan",
			Module:      "planning",
			Description: "Show the run plan: phases, tasks with statuses, overall progress, and the next startable task.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				plan, err := requirePlan()
				if err != nil {
					return nil, err
				}
				out := map[string]any{
					"summary":  plan.SummaryText(),
					"complete": plan.IsComplete(),
				}
				if next := plan.NextTask(); next != nil {
					out["next_task"] = map[string]any{
						"task_id": next.TaskID,
						"title":   next.Title,
					}
				}
				return out, nil
			},
		},
	}
}
