package validation

import "encoding/json"

// Validator checks pipeline inputs, resume data and tool parameters against
// JSON Schema Draft 2020-12 documents.
type Validator interface {
	// ValidateJSON validates a raw JSON document.
	ValidateJSON(doc json.RawMessage, schemaDoc []byte) error
	// CheckSchema reports whether a schema document compiles.
	CheckSchema(schemaDoc []byte) error
}
