package submitter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// requestSchemaJSON constrains the submission envelope: a non-empty
// session_id, an optional priority, and a non-empty list of opaque task
// payloads. It mirrors the shape original_source's submit_tasks.py checks
// before it writes anything to DynamoDB.
const requestSchemaJSON = `{
	"type": "object",
	"required": ["session_id", "tasks"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"priority": {"type": "integer", "minimum": 0},
		"tasks": {
			"type": "array",
			"minItems": 1,
			"items": {}
		}
	}
}`

func compileRequestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(requestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("submitter: unmarshal request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("submit-request.json", doc); err != nil {
		return nil, fmt.Errorf("submitter: add schema resource: %w", err)
	}
	schema, err := c.Compile("submit-request.json")
	if err != nil {
		return nil, fmt.Errorf("submitter: compile request schema: %w", err)
	}
	return schema, nil
}

// validateRequest re-marshals req to a generic map so jsonschema sees plain
// JSON values rather than Go struct types, then checks it against the
// compiled schema.
func validateRequest(schema *jsonschema.Schema, req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("submitter: marshal request for validation: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return fmt.Errorf("submitter: unmarshal request for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("submitter: request failed schema validation: %w", err)
	}
	return nil
}
