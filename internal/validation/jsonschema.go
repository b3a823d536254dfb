// Package validation checks workflow definitions and step payloads
// against JSON Schema Draft 2020-12.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mcpstudio/engine/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://mcpstudio.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps", "gatewayId"],
  "properties": {
    "id": { "type": "string" },
    "workflowCollectionId": { "type": "string" },
    "gatewayId": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "input": { "type": "object" },
    "createdAtEpochMs": { "type": "integer" },
    "createdBy": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "action"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z_][A-Za-z0-9_-]*$"
        },
        "action": { "$ref": "#/$defs/action" },
        "input": {},
        "outputSchema": { "type": "object" },
        "forEach": { "$ref": "#/$defs/forEach" },
        "config": { "$ref": "#/$defs/stepConfig" }
      },
      "additionalProperties": false
    },
    "action": {
      "type": "object",
      "properties": {
        "toolCall": { "$ref": "#/$defs/toolCall" },
        "code": { "$ref": "#/$defs/code" },
        "waitForSignal": { "$ref": "#/$defs/waitForSignal" }
      },
      "oneOf": [
        { "required": ["toolCall"] },
        { "required": ["code"] },
        { "required": ["waitForSignal"] }
      ],
      "additionalProperties": false
    },
    "toolCall": {
      "type": "object",
      "required": ["toolName"],
      "properties": {
        "connectionId": { "type": "string" },
        "gatewayId": { "type": "string" },
        "toolName": { "type": "string", "minLength": 1 },
        "transformCode": { "type": "string" }
      },
      "additionalProperties": false
    },
    "code": {
      "type": "object",
      "required": ["code"],
      "properties": {
        "code": { "type": "string", "minLength": 1 },
        "language": { "type": "string", "enum": ["expr", "cel", "jq"] }
      },
      "additionalProperties": false
    },
    "waitForSignal": {
      "type": "object",
      "required": ["signalName"],
      "properties": {
        "signalName": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "forEach": {
      "type": "object",
      "required": ["ref"],
      "properties": {
        "ref": { "type": "string", "pattern": "^@" },
        "concurrency": { "type": "integer", "minimum": 1 },
        "onError": { "type": "string", "enum": ["fail", "continue"] }
      },
      "additionalProperties": false
    },
    "stepConfig": {
      "type": "object",
      "properties": {
        "timeoutMs": { "type": "integer", "minimum": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflow definitions and arbitrary values
// against dynamic schemas. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the workflow schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://mcpstudio.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile("https://mcpstudio.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow validates a workflow definition structurally. Graph
// checks (cycles, dangling refs) belong to the dag package and run after
// this.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	for i := range wf.Steps {
		if wf.Steps[i].Action.Type() == schema.StepTypeInvalid {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"step %q must declare exactly one of toolCall, code, waitForSignal", wf.Steps[i].Name)
		}
	}
	return nil
}

// ValidateValue validates an arbitrary value against a JSON Schema given
// as raw bytes. The compiled schema is cached for subsequent calls.
func (v *JSONSchemaValidator) ValidateValue(value any, rawSchema []byte) error {
	if len(rawSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(rawSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize value").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(rawSchema []byte) (*jsonschema.Schema, error) {
	key := string(rawSchema)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler and unique URL per dynamic schema to avoid
	// resource collisions.
	url := fmt.Sprintf("mcpstudio://dynamic-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError flattens a jsonschema.ValidationError tree into a single
// actionable message.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0])
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"validation failed with %d errors: %s", len(violations), strings.Join(violations, "; "))
	}
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
