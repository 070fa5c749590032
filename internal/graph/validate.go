package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks raw scenario JSON against the graph definition schema
// before compilation, so malformed editor exports are rejected with a path
// instead of a compile panic.
type Validator struct {
	schema *jsonschema.Schema
}

// ValidationError is one schema violation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the outcome of a scenario validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewValidator compiles the embedded scenario schema.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("scenario.json", strings.NewReader(scenarioSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add scenario schema: %w", err)
	}
	schema, err := compiler.Compile("scenario.json")
	if err != nil {
		return nil, fmt.Errorf("compile scenario schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// ValidateJSON validates a JSON-encoded scenario graph definition.
func (v *Validator) ValidateJSON(data []byte) *ValidationResult {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.Validate(doc)
}

// Validate validates a decoded scenario graph definition.
func (v *Validator) Validate(doc map[string]interface{}) *ValidationResult {
	err := v.schema.Validate(doc)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{{Path: "$", Message: err.Error()}}
	}
	return result
}

func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errs []ValidationError
	if verr.Message != "" {
		errs = append(errs, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errs = append(errs, extractErrors(cause)...)
	}
	return errs
}

const scenarioSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "scenario.json",
  "title": "Scenario Graph",
  "description": "User-authored scenario graph exported by the visual editor",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {
            "type": "string",
            "minLength": 1,
            "description": "Node identifier, unique within the graph"
          },
          "type": {
            "type": "string",
            "description": "Node category, possibly customNode-prefixed"
          },
          "label": {
            "type": "string",
            "description": "Display label"
          },
          "data": {
            "type": "object",
            "description": "Category-specific configuration"
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["source", "target"],
        "properties": {
          "source": {
            "type": "string",
            "description": "Source node id"
          },
          "target": {
            "type": "string",
            "description": "Target node id"
          },
          "sourceHandle": {
            "type": ["string", "null"],
            "description": "Branch label for edges leaving a condition node"
          }
        }
      }
    }
  }
}`
