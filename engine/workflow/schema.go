package workflow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// graphSchema is the ingest schema for graphs arriving as JSON from external
// planners. It enforces document shape and the per-type discriminated fields;
// the relational invariants (cycles, dangling references) are enforced by
// Validate after decoding.
const graphSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["nodes", "entryNodeId"],
  "properties": {
    "entryNodeId": {"type": "string", "minLength": 1},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"enum": ["tool_call", "llm_reason", "approval", "branch", "wait", "merge", "finalize"]},
          "label": {"type": "string"},
          "dependsOn": {"type": "array", "items": {"type": "string"}},
          "policy": {
            "type": "object",
            "properties": {
              "requiresApproval": {"type": "boolean"},
              "maxRetries": {"type": "integer", "minimum": 0},
              "timeoutMs": {"type": "integer", "minimum": 0}
            }
          },
          "toolId": {"type": "string"},
          "endpoint": {"type": "string"},
          "requestTemplate": {"type": "string"},
          "payment": {
            "type": "object",
            "required": ["allowed"],
            "properties": {
              "allowed": {"type": "boolean"},
              "maxAtomic": {"type": "string", "pattern": "^[0-9]+$"}
            }
          },
          "systemPrompt": {"type": "string"},
          "userPromptTemplate": {"type": "string"},
          "outputFormat": {"type": "string"},
          "outputTemplate": {"type": "string"},
          "statusUrl": {"type": "string"},
          "completionField": {"type": "string"},
          "completionValue": {"type": "string"}
        },
        "allOf": [
          {
            "if": {"properties": {"type": {"const": "tool_call"}}},
            "then": {"required": ["toolId"]}
          }
        ]
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "type"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "type": {"enum": ["success", "failure", "conditional"]},
          "condition": {"type": "string"}
        }
      }
    }
  }
}`

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

func compiled() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		var doc any
		if err := json.Unmarshal([]byte(graphSchema), &doc); err != nil {
			compileSchemaError = fmt.Errorf("unmarshal graph schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("graph.json", doc); err != nil {
			compileSchemaError = fmt.Errorf("add graph schema resource: %w", err)
			return
		}
		compiledSchema, compileSchemaError = c.Compile("graph.json")
	})
	return compiledSchema, compileSchemaError
}

// ValidateJSON checks a raw JSON graph document against the ingest schema.
func ValidateJSON(raw []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal graph: %w", err)
	}
	return schema.Validate(doc)
}

// Parse decodes and fully validates a raw JSON graph: ingest schema first,
// then the structural invariants of Validate. It is the single entry point
// for graphs crossing the trust boundary (planner responses, fixtures).
func Parse(raw []byte) (Graph, error) {
	if err := ValidateJSON(raw); err != nil {
		return Graph{}, fmt.Errorf("graph schema: %w", err)
	}
	var g Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return Graph{}, fmt.Errorf("unmarshal graph: %w", err)
	}
	if err := Validate(&g); err != nil {
		return Graph{}, err
	}
	return g, nil
}
