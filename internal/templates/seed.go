package templates

import "time"

// systemTemplates returns the bundled, read-only templates seeded
// idempotently on first run. Only `_default` carries full prompt text;
// `_quick` and `_thorough` extend it and override just the worker
// concurrency profile, exercising the extends/deep-merge resolution path
// end to end.
func systemTemplates() []*Template {
	now := time.Now().UTC()

	defaultTemplate := &Template{
		ID:   "_default",
		Name: "Default",
		Config: TemplateConfig{
			MaxWorkers:       5,
			PollIntervalMs:   2000,
			WorkerTimeoutMs:  30 * 60 * 1000,
			AutoSpawnWorkers: boolPtr(false),
			RetryMax:         2,
		},
		Phases:    append([]string(nil), DefaultPhases...),
		Variables: map[string]string{},
		Prompts: TemplatePrompts{
			Analysis: `You are planning how to split a task across several isolated worker sessions.

USER REQUEST:
{USER_REQUEST}

Analyze the request and the repository at the current working directory. Decide whether it should be split into independent sub-tasks, and if so how many (recommended_splits). Identify the key files involved.

Respond with exactly one response block:
<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "analysis", "data": {"summary": "...", "recommended_splits": 1, "key_files": ["..."], "estimated_complexity": "low|medium|high"}}
<<<END_ORCHESTRATOR_RESPONSE>>>`,
			TaskPlanning: `Based on the analysis, produce the concrete list of sub-tasks. Each task must be independently completable by a worker session with no access to any other worker's output until aggregation.

Respond with exactly one response block:
<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "task_list", "data": {"tasks": [{"id": "task-1", "title": "...", "description": "..."}], "total_tasks": 1, "parallelizable_groups": [["task-1"]]}}
<<<END_ORCHESTRATOR_RESPONSE>>>`,
			Worker: `You are a worker session responsible for exactly one sub-task of a larger effort. Work only within your assigned scope; do not attempt to coordinate with other workers.

TASK: {TASK_ID} - {TASK_TITLE}
DESCRIPTION: {TASK_DESCRIPTION}
SCOPE: {TASK_SCOPE}

Report progress periodically and completion exactly once:
<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "progress", "data": {"task_id": "{TASK_ID}", "status": "in_progress", "progress_percent": 50, "current_action": "..."}}
<<<END_ORCHESTRATOR_RESPONSE>>>

<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "completion", "data": {"task_id": "{TASK_ID}", "status": "success", "summary": "...", "output_files": ["..."]}}
<<<END_ORCHESTRATOR_RESPONSE>>>`,
			Aggregation: `All worker sessions have reached a terminal state. Review their outputs below and produce a single consolidated result, resolving any overlapping changes.

Respond with exactly one response block:
<<<ORCHESTRATOR_RESPONSE>>>
{"phase": "aggregation", "data": {"status": "success", "summary": "...", "conflicts": [], "merged_output": "...", "output_files": ["..."]}}
<<<END_ORCHESTRATOR_RESPONSE>>>`,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	quickTemplate := &Template{
		ID:      "_quick",
		Name:    "Quick (fewer, larger workers)",
		Extends: "_default",
		Config: TemplateConfig{
			MaxWorkers:      2,
			PollIntervalMs:  3000,
			WorkerTimeoutMs: 15 * 60 * 1000,
			RetryMax:        1,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	thoroughTemplate := &Template{
		ID:      "_thorough",
		Name:    "Thorough (more, smaller workers)",
		Extends: "_default",
		Config: TemplateConfig{
			MaxWorkers:      10,
			PollIntervalMs:  1500,
			WorkerTimeoutMs: 60 * 60 * 1000,
			RetryMax:        3,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	return []*Template{defaultTemplate, quickTemplate, thoroughTemplate}
}
