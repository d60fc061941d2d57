package templates

// resolveChain walks the extends pointers from id up to its root ancestor,
// returning ids ordered root-first, leaf (id itself) last. Detects cycles.
func resolveChain(id string, lookup func(string) (*Template, bool)) ([]string, error) {
	var chain []string
	seen := make(map[string]bool)

	cur := id
	for {
		if seen[cur] {
			return nil, ErrCyclicExtends
		}
		seen[cur] = true

		tmpl, ok := lookup(cur)
		if !ok {
			return nil, ErrNotFound
		}

		chain = append(chain, cur)
		if tmpl.Extends == "" {
			break
		}
		cur = tmpl.Extends
	}

	// chain is currently leaf-first; reverse to root-first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// mergeChain deep-merges the templates named in chain (root-first) into a
// single ResolvedTemplate: scalars are overwritten by descendants, the
// variables map is merged key-by-key, the prompts object is merged
// field-by-field, and phases is overwritten wholesale by each template that
// sets it, so the one nearest the leaf wins.
func mergeChain(chain []string, lookup func(string) (*Template, bool)) (*ResolvedTemplate, error) {
	merged := Template{
		Variables: make(map[string]string),
	}

	for _, id := range chain {
		tmpl, ok := lookup(id)
		if !ok {
			return nil, ErrNotFound
		}

		merged.ID = tmpl.ID
		merged.Name = tmpl.Name
		merged.Extends = tmpl.Extends
		merged.CreatedAt = tmpl.CreatedAt
		merged.UpdatedAt = tmpl.UpdatedAt

		if tmpl.Config.MaxWorkers != 0 {
			merged.Config.MaxWorkers = tmpl.Config.MaxWorkers
		}
		if tmpl.Config.PollIntervalMs != 0 {
			merged.Config.PollIntervalMs = tmpl.Config.PollIntervalMs
		}
		if tmpl.Config.WorkerTimeoutMs != 0 {
			merged.Config.WorkerTimeoutMs = tmpl.Config.WorkerTimeoutMs
		}
		if tmpl.Config.RetryMax != 0 {
			merged.Config.RetryMax = tmpl.Config.RetryMax
		}
		if tmpl.Config.AutoSpawnWorkers != nil {
			merged.Config.AutoSpawnWorkers = tmpl.Config.AutoSpawnWorkers
		}

		if tmpl.Prompts.Analysis != "" {
			merged.Prompts.Analysis = tmpl.Prompts.Analysis
		}
		if tmpl.Prompts.TaskPlanning != "" {
			merged.Prompts.TaskPlanning = tmpl.Prompts.TaskPlanning
		}
		if tmpl.Prompts.Worker != "" {
			merged.Prompts.Worker = tmpl.Prompts.Worker
		}
		if tmpl.Prompts.Aggregation != "" {
			merged.Prompts.Aggregation = tmpl.Prompts.Aggregation
		}

		for k, v := range tmpl.Variables {
			merged.Variables[k] = v
		}

		if len(tmpl.Phases) > 0 {
			merged.Phases = append([]string(nil), tmpl.Phases...)
		}
	}

	if len(merged.Phases) == 0 {
		merged.Phases = append([]string(nil), DefaultPhases...)
	}

	return &ResolvedTemplate{Template: merged, Chain: chain}, nil
}
