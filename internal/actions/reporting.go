package actions

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/TWN-Systems/strix/internal/tools"
)

// reportingActions registers finding submission. The tracer persists the
// markdown artifact and CSV index before this handler returns, so a crash
// after submission never loses a confirmed vulnerability.
func reportingActions(deps Deps) []tools.Registration {
	return []tools.Registration{
		{
			Name:        "record_finding",
			Module:      "reporting",
			Description: "Record a confirmed vulnerability. Include reproduction steps, evidence, and impact in the body. Severity: critical, high, medium, low, or info.",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if deps.Tracer == nil {
					return nil, fmt.Errorf("finding persistence is not available in this run")
				}
				title, err := stringArg(args, "title")
				if err != nil {
					return nil, err
				}
				body, err := stringArg(args, "body")
				if err != nil {
					return nil, err
				}
				severity, err := stringArg(args, "severity")
				if err != nil {
					return nil, err
				}
				id, err := deps.Tracer.AddFinding(tools.InvokerFrom(ctx), title, body, severity)
				if err != nil {
					return nil, err
				}
				return map[string]any{
					"finding_id": id,
					"severity":   strings.ToLower(strings.TrimSpace(severity)),
					"file_path":  path.Join("vulnerabilities", id+".md"),
					"message":    fmt.Sprintf("finding %q recorded as %s", title, id),
				}, nil
			},
			Args: []tools.ArgSpec{
				{Name: "title", Type: tools.TypeString, Description: "Finding title", Required: true},
				{Name: "body", Type: tools.TypeString, Description: "Full writeup: reproduction, evidence, impact, remediation", Required: true},
				{Name: "severity", Type: tools.TypeString, Description: "One of critical, high, medium, low, info", Required: true},
			},
		},
	}
}
