package parser

import (
	"regexp"
	"strings"
)

// phaseKeywords is an ordered list so the first, strongest match wins when
// a transcript chunk could plausibly hint at more than one phase.
var phaseKeywords = []struct {
	phase      Phase
	confidence float64
	patterns   []*regexp.Regexp
}{
	{
		phase:      PhaseCompletion,
		confidence: 0.6,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\btask\s+(?:is\s+|was\s+)?(complete|completed|finished|done)\b`),
			regexp.MustCompile(`(?i)\bI('|’)ve\s+(finished|completed)\b`),
		},
	},
	{
		phase:      PhaseProgress,
		confidence: 0.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bworking\s+on\b`),
			regexp.MustCompile(`(?i)\bin\s+progress\b`),
			regexp.MustCompile(`(?i)\b\d{1,3}%\s+(done|complete)\b`),
		},
	},
	{
		phase:      PhaseTaskList,
		confidence: 0.5,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bsplit\s+(this|the)\s+into\b`),
			regexp.MustCompile(`(?i)\bsub[- ]?tasks?\b`),
		},
	},
	{
		phase:      PhaseAnalysis,
		confidence: 0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\banalyz(e|ing|ed)\b`),
			regexp.MustCompile(`(?i)\bcomplexity\b`),
		},
	},
	{
		phase:      PhaseAggregation,
		confidence: 0.4,
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\bmerg(e|ing|ed)\b`),
			regexp.MustCompile(`(?i)\baggregat(e|ing|ed)\b`),
		},
	},
}

// Detect runs a keyword heuristic over text that contained no parseable
// response block, as a best-effort signal for callers deciding whether to
// keep polling or treat the worker as having gone silent.
func Detect(text string) DetectionResult {
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return DetectionResult{}
	}

	for _, candidate := range phaseKeywords {
		for _, pattern := range candidate.patterns {
			if pattern.MatchString(text) {
				return DetectionResult{
					Detected:      true,
					ProbablePhase: candidate.phase,
					Confidence:    candidate.confidence,
				}
			}
		}
	}

	return DetectionResult{}
}
