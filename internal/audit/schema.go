package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	recordSchemaBytes = []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["category"],
  "properties": {
    "timestamp": {"type": "string", "format": "date-time"},
    "logger": {"type": "string"},
    "level": {"type": "string"},
    "message": {"type": "string"},
    "category": {"enum": ["search-provider", "model-provider", "agent-step", "task"]},
    "direction": {"enum": ["request", "response", "error"]},
    "research_id": {"type": "string", "maxLength": 255},
    "query": {"type": "string"},
    "max_results": {"type": "integer", "minimum": 0},
    "topic": {"type": "string"},
    "results_count": {"type": "integer", "minimum": 0},
    "first_result": {"type": "string"},
    "request_type": {"type": "string"},
    "model": {"type": "string"},
    "message_count": {"type": "integer", "minimum": 0},
    "max_tokens": {"type": "integer", "minimum": 0},
    "first_message": {"type": "string"},
    "response": {"type": "string"},
    "prompt_tokens": {"type": "integer", "minimum": 0},
    "completion_tokens": {"type": "integer", "minimum": 0},
    "agent": {"type": "string"},
    "iteration": {"type": "integer", "minimum": 0},
    "action": {"type": "string"},
    "error": {"type": "string"}
  },
  "additionalProperties": false,
  "allOf": [
    {
      "if": {"properties": {"category": {"enum": ["search-provider", "model-provider", "task"]}}},
      "then": {"required": ["direction"]}
    },
    {
      "if": {"properties": {"category": {"const": "search-provider"}}},
      "then": {"required": ["query"], "properties": {"query": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"category": {"const": "search-provider"}, "direction": {"const": "request"}}, "required": ["direction"]},
      "then": {"required": ["max_results", "topic"], "properties": {"max_results": {"minimum": 1}, "topic": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"category": {"const": "search-provider"}, "direction": {"const": "response"}}, "required": ["direction"]},
      "then": {"required": ["results_count"]}
    },
    {
      "if": {"properties": {"category": {"const": "model-provider"}}},
      "then": {"required": ["request_type", "model"], "properties": {"request_type": {"minLength": 1}, "model": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"category": {"const": "model-provider"}, "direction": {"const": "request"}}, "required": ["direction"]},
      "then": {"required": ["message_count", "first_message"]}
    },
    {
      "if": {"properties": {"category": {"const": "model-provider"}, "direction": {"const": "response"}}, "required": ["direction"]},
      "then": {"required": ["response"]}
    },
    {
      "if": {"properties": {"direction": {"const": "error"}}, "required": ["direction"]},
      "then": {"required": ["error"], "properties": {"error": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"category": {"const": "agent-step"}}},
      "then": {"required": ["agent", "iteration", "action"], "properties": {"agent": {"minLength": 1}, "action": {"minLength": 1}}}
    },
    {
      "if": {"properties": {"category": {"const": "task"}}},
      "then": {"required": ["research_id"], "properties": {"research_id": {"minLength": 1}}}
    }
  ]
}`)

	recordSchemaOnce     sync.Once
	recordSchemaCompiled *jsonschema.Schema
	recordSchemaErr      error
)

// RecordSchema returns the JSON schema remote engines must follow when posting audit records.
func RecordSchema() []byte {
	return append([]byte(nil), recordSchemaBytes...)
}

// ValidateDocument checks one JSON-encoded record against RecordSchema.
func ValidateDocument(data []byte) error {
	recordSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource("audit_record.json", bytes.NewReader(recordSchemaBytes)); err != nil {
			recordSchemaErr = fmt.Errorf("add audit record schema: %w", err)
			return
		}
		recordSchemaCompiled, recordSchemaErr = compiler.Compile("audit_record.json")
	})
	if recordSchemaErr != nil {
		return recordSchemaErr
	}
	var payload interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal audit record: %w", err)
	}
	return recordSchemaCompiled.Validate(payload)
}
