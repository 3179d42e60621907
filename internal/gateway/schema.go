package gateway

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies are validated against a JSON Schema before decoding, so
// malformed shapes (wrong types, out-of-range confidence, unknown status
// strings) are rejected with a precise message instead of a zero value.

const changesProperties = `
	"title":           {"type": "string", "minLength": 1},
	"description":     {"type": "string"},
	"status":          {"type": "string", "enum": ["TODO", "IN_PROGRESS", "REVIEW", "DONE", "CANCELLED"]},
	"priority":        {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "URGENT"]},
	"confidenceScore": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
	"requiresReview":  {"type": "boolean"},
	"wasOverridden":   {"type": "boolean"},
	"reviewNotes":     {"type": "string"},
	"reviewedById":    {"type": "string"},
	"errorMessage":    {"type": "string"},
	"agentId":         {"type": "string"},
	"projectId":       {"type": "string"},
	"assigneeId":      {"type": "string"}
`

var createTaskSchemaJSON = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {` + changesProperties + `}
}`

var updateTaskSchemaJSON = `{
	"type": "object",
	"minProperties": 1,
	"additionalProperties": false,
	"properties": {` + changesProperties + `}
}`

var (
	createTaskSchema = mustCompileSchema("create_task.json", createTaskSchemaJSON)
	updateTaskSchema = mustCompileSchema("update_task.json", updateTaskSchemaJSON)
)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires for minimum/maximum checks.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

// validateBody checks raw JSON against the schema. The returned error
// message is safe to surface to the caller.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
