package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/finflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// Compiled schemas are cached by their source text. It is safe for concurrent use.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
	seq   int
}

// NewJSONSchemaValidator creates an empty validator.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateJSON validates a raw JSON document. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateJSON(doc json.RawMessage, schemaDoc []byte) error {
	if len(bytes.TrimSpace(schemaDoc)) == 0 {
		return nil
	}
	if len(bytes.TrimSpace(doc)) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "input is empty")
	}

	compiled, err := v.getOrCompile(schemaDoc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}

	val, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "input is not valid JSON").WithCause(err)
	}

	if err := compiled.Validate(val); err != nil {
		return toFlowError(err)
	}
	return nil
}

// CheckSchema compiles schemaDoc (and caches it) without validating anything.
func (v *JSONSchemaValidator) CheckSchema(schemaDoc []byte) error {
	if len(bytes.TrimSpace(schemaDoc)) == 0 {
		return nil
	}
	if _, err := v.getOrCompile(schemaDoc); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid schema").WithCause(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	v.seq++
	url := fmt.Sprintf("finflow://schema/%d.json", v.seq)

	// Fresh compiler per schema so resource URLs never collide.
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

// toFlowError converts a jsonschema.ValidationError into a FlowError listing
// every leaf violation with its instance location.
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
