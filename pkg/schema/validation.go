package schema

import "strings"

// ErrCodeWriteCollision flags two stages declaring the same written field.
const ErrCodeWriteCollision = "WRITE_COLLISION"

// Issue is one problem found in a pipeline definition. Path locates it,
// e.g. "stages[2].resume_schema".
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of a pipeline definition.
// Warnings never block registration.
type ValidationResult struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, Issue{Path: path, Code: code, Message: message})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, Issue{Path: path, Code: code, Message: message})
}

// ToError folds every error into a single VALIDATION_ERROR, or returns nil.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, is := range r.Errors {
		msgs[i] = is.String()
	}
	return NewError(ErrCodeValidation, "invalid pipeline: "+strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"errors": r.Errors, "warnings": r.Warnings})
}
