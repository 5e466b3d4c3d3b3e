package tools

import (
	"fmt"
	"strings"
)

// PromptForRole renders the action catalog a role is permitted to use,
// one <module_tools> section per module, in the same bracketed syntax the
// parser accepts. The result is embedded into the agent's system prompt.
func PromptForRole(r *Registry, role Role) string {
	regs := r.ForRole(role)
	if len(regs) == 0 {
		return ""
	}

	var sections []string
	var b strings.Builder
	current := ""
	flush := func() {
		if current == "" {
			return
		}
		fmt.Fprintf(&b, "</%s_tools>", current)
		sections = append(sections, b.String())
		b.Reset()
	}
	for _, reg := range regs {
		if reg.Module != current {
			flush()
			current = reg.Module
			fmt.Fprintf(&b, "<%s_tools>\n", current)
		}
		writeAction(&b, reg)
	}
	flush()
	return strings.Join(sections, "\n\n")
}

func writeAction(b *strings.Builder, reg *Registration) {
	var body strings.Builder
	fmt.Fprintf(&body, "<action name=%q>\n", reg.Name)
	if reg.Description != "" {
		body.WriteString(reg.Description)
		body.WriteString("\n")
	}
	for _, arg := range reg.Args {
		body.WriteString(describeArg(arg))
		body.WriteString("\n")
	}
	body.WriteString(exampleInvocation(reg))
	body.WriteString("\n</action>")

	for _, line := range strings.Split(body.String(), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func describeArg(arg ArgSpec) string {
	t := arg.Type
	if t == "" {
		t = TypeString
	}
	var qualifier string
	switch {
	case arg.Required:
		qualifier = "required"
	case arg.Default != nil:
		qualifier = fmt.Sprintf("optional, default %v", arg.Default)
	default:
		qualifier = "optional"
	}
	desc := arg.Description
	if desc != "" {
		desc = ": " + desc
	}
	return fmt.Sprintf("- %s (%s, %s)%s", arg.Name, t, qualifier, desc)
}

// exampleInvocation shows the exact syntax for calling the action, using
// required arguments only.
func exampleInvocation(reg *Registration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s>\n", invocationOpen, reg.Name)
	for _, arg := range reg.Args {
		if !arg.Required {
			continue
		}
		fmt.Fprintf(&b, "%s%s>...%s\n", parameterOpen, arg.Name, parameterClose)
	}
	b.WriteString(invocationClose)
	return b.String()
}
