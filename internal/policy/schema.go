package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// rulesSchema is the JSON Schema for the role/topic rules file.
const rulesSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "Access Guard Rules",
  "type": "object",
  "required": ["version", "topics", "roles"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "topics": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "keywords"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "pattern": "^[a-z0-9_]+$"},
          "description": {"type": "string"},
          "keywords": {
            "type": "array",
            "minItems": 1,
            "items": {"type": "string", "minLength": 1}
          }
        }
      }
    },
    "roles": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["role", "denied_topics"],
        "additionalProperties": false,
        "properties": {
          "role": {"type": "string", "enum": ["employee", "manager", "founder"]},
          "denied_topics": {
            "type": "array",
            "items": {"type": "string", "pattern": "^[a-z0-9_]+$"}
          },
          "context": {"type": "string"}
        }
      }
    }
  }
}`

// ValidateSchema validates rules YAML bytes against the JSON schema. The YAML
// is converted to JSON first because gojsonschema operates on JSON. Beyond the
// schema, every denied topic must name a defined topic.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}

	jsonBytes, err := json.Marshal(normalizeYAML(raw))
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(rulesSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonBytes)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}

	return validateTopicReferences(jsonBytes)
}

// validateTopicReferences rejects denied_topics entries that do not name a
// defined topic. A typo here would silently grant access.
func validateTopicReferences(jsonBytes []byte) error {
	var doc struct {
		Topics []struct {
			Name string `json:"name"`
		} `json:"topics"`
		Roles []struct {
			Role         string   `json:"role"`
			DeniedTopics []string `json:"denied_topics"`
		} `json:"roles"`
	}
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return fmt.Errorf("parsing rules for reference validation: %w", err)
	}

	defined := make(map[string]bool, len(doc.Topics))
	for _, t := range doc.Topics {
		defined[t.Name] = true
	}
	for _, r := range doc.Roles {
		for _, dt := range r.DeniedTopics {
			if !defined[dt] {
				return fmt.Errorf("role %s denies undefined topic %q", r.Role, dt)
			}
		}
	}
	return nil
}

// normalizeYAML recursively converts map[interface{}]interface{} to
// map[string]interface{} so that json.Marshal can handle it.
func normalizeYAML(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[k] = normalizeYAML(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, v := range val {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(v)
		}
		return out
	case []interface{}:
		for i, item := range val {
			val[i] = normalizeYAML(item)
		}
		return val
	default:
		return v
	}
}
