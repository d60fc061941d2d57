package orchestrator

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kdlbs/conductor/internal/platform/log"
	"github.com/kdlbs/conductor/internal/templates"
)

// taskBindings returns the per-task substitution variables injected into
// the worker prompt alongside the orchestrator's own variable set.
func taskBindings(t Task) map[string]string {
	return map[string]string{
		"TASK_ID":          t.ID,
		"TASK_TITLE":       t.Title,
		"TASK_DESCRIPTION": t.Description,
		"TASK_SCOPE":       t.Scope,
	}
}

// merge combines variable maps left to right; later maps win on key
// collision, so template defaults are overridden by user overrides and
// those in turn by runtime bindings.
func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// substituteLogged is templates.Substitute with unresolved placeholders
// logged as a warning instead of failing, applied to the dynamic,
// per-call bindings layered on top of a template's already-resolved static
// prompt text (which the engine obtains, and logs separately, via
// templates.Service.ResolveAndRender before calling into this file).
func substituteLogged(logger *log.Logger, phase string, text string, bindings map[string]string) string {
	rendered, unresolved := templates.Substitute(text, bindings)
	if len(unresolved) > 0 && logger != nil {
		logger.Warn("unresolved prompt placeholders",
			zap.String("phase", phase), zap.Strings("placeholders", unresolved))
	}
	return rendered
}

// analysisPrompt renders the analysis-phase prompt with the orchestrator's
// message bound to USER_REQUEST. tmplPrompt is the template's Analysis
// prompt text already rendered against the orchestrator's static variables.
func analysisPrompt(logger *log.Logger, tmplPrompt string, message string) string {
	return substituteLogged(logger, "analysis", tmplPrompt, map[string]string{"USER_REQUEST": message})
}

// workerPrompt renders the worker-phase prompt for one task. tmplPrompt is
// the template's Worker prompt text already rendered against the
// orchestrator's static variables.
func workerPrompt(logger *log.Logger, tmplPrompt string, t Task) string {
	return substituteLogged(logger, "worker", tmplPrompt, taskBindings(t))
}

// taskPlanningPrompt renders the taskPlanning-phase prompt, injected into
// the main session once the analysis phase has been stored. tmplPrompt is
// the template's TaskPlanning prompt text already rendered against the
// orchestrator's static variables.
func taskPlanningPrompt(logger *log.Logger, tmplPrompt string, analysis *AnalysisRecord) string {
	bindings := map[string]string{}
	if analysis != nil {
		bindings["ANALYSIS_SUMMARY"] = analysis.Summary
		bindings["RECOMMENDED_SPLITS"] = fmt.Sprintf("%d", analysis.RecommendedSplits)
	}
	return substituteLogged(logger, "taskPlanning", tmplPrompt, bindings)
}

// aggregationPrompt renders the aggregation-phase prompt, including a
// summary of every worker's output so the main session can merge results.
// tmplPrompt is the template's Aggregation prompt text already rendered
// against the orchestrator's static variables.
func aggregationPrompt(logger *log.Logger, tmplPrompt string, summaries []WorkerSummary) string {
	var b strings.Builder
	for _, s := range summaries {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", s.Status, s.TaskTitle, s.Output)
	}
	return substituteLogged(logger, "aggregation", tmplPrompt, map[string]string{"WORKER_SUMMARIES": b.String()})
}

// WorkerSummary is the condensed form of one worker's outcome fed into the
// aggregation prompt.
type WorkerSummary struct {
	TaskTitle string
	Status    string
	Output    string
}
