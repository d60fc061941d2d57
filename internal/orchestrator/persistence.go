package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// loadOrchestrators reads the orchestrator table from disk. A missing file
// is not an error: it means this is the first run. On disk the table is a
// single JSON array of Orchestrator records; in memory it's kept as
// a map keyed by id for O(1) lookup.
func loadOrchestrators(path string) (map[string]*Orchestrator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*Orchestrator), nil
		}
		return nil, fmt.Errorf("orchestrator: read state file: %w", err)
	}

	var list []*Orchestrator
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("orchestrator: decode state file: %w", err)
	}

	table := make(map[string]*Orchestrator, len(list))
	for _, orch := range list {
		table[orch.ID] = orch
	}
	return table, nil
}

// saveOrchestrators writes the orchestrator table to disk atomically: the
// new content lands in a sibling temp file, fsynced, then renamed over the
// target so a crash mid-write never leaves a truncated file behind. The
// table is flattened to a JSON array on the way out.
func saveOrchestrators(path string, table map[string]*Orchestrator) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("orchestrator: create state dir: %w", err)
	}

	list := make([]*Orchestrator, 0, len(table))
	for _, orch := range table {
		list = append(list, orch)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".orchestrators-*.tmp")
	if err != nil {
		return fmt.Errorf("orchestrator: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("orchestrator: write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("orchestrator: fsync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("orchestrator: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("orchestrator: rename state file: %w", err)
	}
	return nil
}
