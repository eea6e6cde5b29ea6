package agentconfig

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// metadataSchema constrains the shape of agent configuration carried in job,
// room, or dispatch metadata. Unknown keys are allowed so callers can ship
// extra fields alongside the agent settings.
const metadataSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "phone_number":      {"type": "string", "pattern": "^\\+?[0-9][0-9 \\-]{5,20}$"},
    "outbound_trunk_id": {"type": "string"},
    "krisp_enabled":     {"type": "boolean"},
    "play_dialtone":     {"type": "boolean"},
    "display_name":      {"type": "string", "maxLength": 128},
    "dtmf":              {"type": "string", "pattern": "^[0-9*#w]*$"},
    "instructions":      {"type": "string", "minLength": 1},
    "stt_language":      {"type": "string", "minLength": 2, "maxLength": 16},
    "tts_voice":         {"type": ["string", "null"]},
    "tts_language":      {"type": "string", "minLength": 2, "maxLength": 16}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(metadataSchema)

// ValidationError is a single schema violation in agent metadata.
type ValidationError struct {
	Field       string
	Description string
	Value       any
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Description, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Description)
}

// SchemaError collects every violation found in one document.
type SchemaError struct {
	Errors []ValidationError
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, v := range e.Errors {
		msgs[i] = v.Error()
	}
	return "invalid agent metadata: " + strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidMetadata.
func (e *SchemaError) Unwrap() error { return ErrInvalidMetadata }

// validate checks a decoded metadata document against the schema.
func validate(doc any) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}
	se := &SchemaError{}
	for _, e := range result.Errors() {
		se.Errors = append(se.Errors, ValidationError{
			Field:       e.Field(),
			Description: e.Description(),
			Value:       e.Value(),
		})
	}
	return se
}
