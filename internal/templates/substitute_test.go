package templates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstituteReplacesKnownPlaceholders(t *testing.T) {
	out, unresolved := Substitute("Task {TASK_ID}: {TASK_TITLE}", map[string]string{
		"TASK_ID":    "task-1",
		"TASK_TITLE": "Fix the bug",
	})
	assert.Equal(t, "Task task-1: Fix the bug", out)
	assert.Empty(t, unresolved)
}

func TestSubstituteLeavesUnresolvedPlaceholdersVerbatim(t *testing.T) {
	out, unresolved := Substitute("Hello {NAME}, your task is {MISSING}", map[string]string{
		"NAME": "worker",
	})
	assert.Equal(t, "Hello worker, your task is {MISSING}", out)
	assert.Equal(t, []string{"MISSING"}, unresolved)
}
