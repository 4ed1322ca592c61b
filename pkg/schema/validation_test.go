package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
	assert.Nil(t, r.ToError())
}

func TestValidationResult_WarningsDoNotInvalidate(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("stages[2].writes", ErrCodeWriteCollision, "stages \"a\" and \"b\" both write \"x\"")

	assert.True(t, r.Valid())
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, ErrCodeWriteCollision, r.Warnings[0].Code)
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("name", ErrCodeValidation, "pipeline name is empty")
	r.AddError("stages[1]", ErrCodeValidation, "stage name is empty")
	r.AddWarning("stages[1].writes", ErrCodeWriteCollision, "collision")

	err := r.ToError()
	require.Error(t, err)
	fe, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, fe.Code)
	assert.Equal(t, "invalid pipeline: name: pipeline name is empty; stages[1]: stage name is empty", fe.Message)
	assert.Len(t, fe.Details["errors"], 2)
	assert.Len(t, fe.Details["warnings"], 1)
}
