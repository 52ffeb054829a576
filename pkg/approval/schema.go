package approval

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema validates the persisted approvals document before the store
// trusts it. The file is shared with other processes and hand-editable, so a
// malformed document is an expected failure mode, not a programming error.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["pending", "resolved"],
  "properties": {
    "pending": {
      "type": "array",
      "items": {"$ref": "#/definitions/record"}
    },
    "resolved": {
      "type": "array",
      "items": {
        "allOf": [{"$ref": "#/definitions/record"}],
        "required": ["resolved_at_ms", "decision"],
        "properties": {
          "resolved_at_ms": {"type": "integer"},
          "decision": {"type": "string", "enum": ["approve", "deny", "expired"]},
          "resolved_by": {"type": "string"}
        }
      }
    }
  },
  "definitions": {
    "record": {
      "type": "object",
      "required": ["id", "request", "created_at_ms", "expires_at_ms"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "idempotency_key": {"type": "string"},
        "request": {
          "type": "object",
          "required": ["kind", "summary"],
          "properties": {
            "kind": {"type": "string"},
            "summary": {"type": "string"},
            "details": {"type": "object"},
            "agent_id": {"type": "string"},
            "session_key": {"type": "string"}
          }
        },
        "created_at_ms": {"type": "integer"},
        "expires_at_ms": {"type": "integer"}
      }
    }
  }
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// validateDocument checks raw JSON against the document schema.
func validateDocument(raw []byte) error {
	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("failed to validate approvals document: %w", err)
	}
	if result.Valid() {
		return nil
	}

	issues := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		issues = append(issues, desc.String())
	}
	return fmt.Errorf("invalid approvals document: %s", strings.Join(issues, "; "))
}
