package parser

import (
	"encoding/json"
	"fmt"
)

type envelope struct {
	Phase Phase           `json:"phase"`
	Data  json.RawMessage `json:"data"`
}

// decodeBlock unmarshals a recovered {"phase":..., "data":...} envelope and
// dispatches data into the payload type matching phase, validating the
// fields each phase requires. A block without a "data" field is not
// rejected: the whole object is decoded as the payload.
func decodeBlock(fields map[string]interface{}) (Phase, ParsedPayload, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", nil, fmt.Errorf("parser: re-marshal recovered block: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("parser: decode envelope: %w", err)
	}

	if len(env.Data) == 0 {
		env.Data = raw
	}

	switch env.Phase {
	case PhaseAnalysis:
		var p AnalysisPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, err
		}
		if p.Summary == "" {
			return "", nil, fmt.Errorf("%w: analysis missing summary", ErrParseFailed)
		}
		if p.RecommendedSplits == 0 {
			return "", nil, fmt.Errorf("%w: analysis missing recommended_splits", ErrParseFailed)
		}
		return PhaseAnalysis, p, nil

	case PhaseTaskList:
		var p TaskListPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, err
		}
		if len(p.Tasks) == 0 {
			return "", nil, fmt.Errorf("%w: task_list missing tasks", ErrParseFailed)
		}
		for i, task := range p.Tasks {
			if task.ID == "" || task.Title == "" || task.Description == "" {
				return "", nil, fmt.Errorf("%w: task_list entry %d missing id/title/description", ErrParseFailed, i)
			}
		}
		return PhaseTaskList, p, nil

	case PhaseProgress:
		var p ProgressPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, err
		}
		if p.TaskID == "" || p.Status == "" {
			return "", nil, fmt.Errorf("%w: progress missing task_id/status", ErrParseFailed)
		}
		return PhaseProgress, p, nil

	case PhaseCompletion:
		var p CompletionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, err
		}
		if p.TaskID == "" {
			return "", nil, fmt.Errorf("%w: completion missing task_id", ErrParseFailed)
		}
		switch p.Status {
		case "success", "partial", "failed", "timeout":
		default:
			return "", nil, fmt.Errorf("%w: completion has invalid status %q", ErrParseFailed, p.Status)
		}
		return PhaseCompletion, p, nil

	case PhaseAggregation:
		var p AggregationPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return "", nil, err
		}
		if p.Status == "" {
			return "", nil, fmt.Errorf("%w: aggregation missing status", ErrParseFailed)
		}
		return PhaseAggregation, p, nil

	default:
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownPhase, env.Phase)
	}
}
