package templates

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// templateSchemaDoc declares the structural and numeric-bound constraints
// on a template document: required id/name/prompts, and config bounds
// (1 <= maxWorkers <= 20, pollIntervalMs >= 100ms, workerTimeoutMs <= 1h).
const templateSchemaDoc = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "name", "prompts"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"name": {"type": "string", "minLength": 1},
		"extends": {"type": "string"},
		"config": {
			"type": "object",
			"properties": {
				"maxWorkers": {"type": "integer", "minimum": 1, "maximum": 20},
				"pollIntervalMs": {"type": "integer", "minimum": 100},
				"workerTimeoutMs": {"type": "integer", "maximum": 3600000},
				"retryMax": {"type": "integer", "minimum": 0}
			}
		},
		"prompts": {
			"type": "object",
			"required": ["analysis", "taskPlanning", "worker", "aggregation"],
			"properties": {
				"analysis": {"type": "string", "minLength": 1},
				"taskPlanning": {"type": "string", "minLength": 1},
				"worker": {"type": "string", "minLength": 1},
				"aggregation": {"type": "string", "minLength": 1}
			}
		}
	}
}`

// sentinelOpen/sentinelClose are the response-block delimiters every
// resolved prompt must mention. Enforced directly in Go
// rather than via JSON Schema's regex patterns: the sentinels can be
// separated by arbitrary multi-line prose, which Go's RE2-flavored "."
// does not span without a dot-all flag the schema library does not expose
// uniformly, so a plain substring check is the more reliable tool here.
const (
	sentinelOpen  = "<<<ORCHESTRATOR_RESPONSE>>>"
	sentinelClose = "<<<END_ORCHESTRATOR_RESPONSE>>>"
)

var compiledSchema *jsonschema.Schema

func init() {
	var schemaDoc any
	if err := json.Unmarshal([]byte(templateSchemaDoc), &schemaDoc); err != nil {
		panic(fmt.Sprintf("templates: invalid embedded schema: %v", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("template.json", schemaDoc); err != nil {
		panic(fmt.Sprintf("templates: failed to register schema resource: %v", err))
	}
	schema, err := c.Compile("template.json")
	if err != nil {
		panic(fmt.Sprintf("templates: failed to compile schema: %v", err))
	}
	compiledSchema = schema
}

// validateTemplate runs schema validation over the raw (pre-merge) document
// a caller is attempting to create or update, then checks that every
// prompt mentions the response-block sentinels.
func validateTemplate(raw map[string]interface{}) error {
	if err := compiledSchema.Validate(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}

	prompts, _ := raw["prompts"].(map[string]interface{})
	for _, field := range []string{"analysis", "taskPlanning", "worker", "aggregation"} {
		text, _ := prompts[field].(string)
		if !strings.Contains(text, sentinelOpen) || !strings.Contains(text, sentinelClose) {
			return fmt.Errorf("%w: prompts.%s must mention %s / %s",
				ErrInvalidTemplate, field, sentinelOpen, sentinelClose)
		}
	}
	return nil
}

// decodeRaw is a small helper so callers can validate a Template value
// (rather than a raw map) by round-tripping it through JSON.
func decodeRaw(t *Template) (map[string]interface{}, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
