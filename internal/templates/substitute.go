package templates

import (
	"fmt"
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute replaces every {NAME} placeholder in text with the string form
// of variables[NAME]. Unresolved placeholders are left verbatim; the second
// return value lists their names so the caller can log a warning without
// failing the render.
func Substitute(text string, variables map[string]string) (string, []string) {
	var unresolved []string

	rendered := placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := variables[name]
		if !ok {
			unresolved = append(unresolved, name)
			return match
		}
		return value
	})

	return rendered, unresolved
}

// RenderPrompts substitutes variables into all four phase prompts of a
// resolved template.
func RenderPrompts(rt *ResolvedTemplate, variables map[string]string) (TemplatePrompts, []string) {
	var allUnresolved []string

	render := func(text string) string {
		rendered, unresolved := Substitute(text, variables)
		allUnresolved = append(allUnresolved, unresolved...)
		return rendered
	}

	rendered := TemplatePrompts{
		Analysis:     render(rt.Prompts.Analysis),
		TaskPlanning: render(rt.Prompts.TaskPlanning),
		Worker:       render(rt.Prompts.Worker),
		Aggregation:  render(rt.Prompts.Aggregation),
	}
	return rendered, allUnresolved
}

// describeUnresolved formats unresolved placeholder names for a log line.
func describeUnresolved(names []string) string {
	return fmt.Sprintf("%v", names)
}
