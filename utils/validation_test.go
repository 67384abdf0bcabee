package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginPayload struct {
	Username string `json:"username" validate:"required,username"`
	Password string `json:"password" validate:"required,max=256"`
	TokenID  string `json:"token_id,omitempty" validate:"omitempty,uuid"`
	Internal string `json:"-" validate:"max=3"`
}

func TestValidateStruct(t *testing.T) {
	t.Run("valid struct", func(t *testing.T) {
		err := ValidateStruct(&loginPayload{Username: "trader1", Password: "trader123"})
		assert.NoError(t, err)
	})

	t.Run("missing required fields use json names", func(t *testing.T) {
		err := ValidateStruct(&loginPayload{})
		require.Error(t, err)
		assert.True(t, IsValidationError(err))

		fields := GetValidationFields(err)
		assert.Equal(t, "username is required", fields["username"])
		assert.Equal(t, "password is required", fields["password"])
	})

	t.Run("username characters", func(t *testing.T) {
		err := ValidateStruct(&loginPayload{Username: "bad name;", Password: "x"})
		require.Error(t, err)
		assert.Contains(t, GetValidationFields(err)["username"], "unsupported characters")
	})

	t.Run("uuid", func(t *testing.T) {
		err := ValidateStruct(&loginPayload{Username: "a", Password: "x", TokenID: "nope"})
		require.Error(t, err)
		assert.Equal(t, "token_id must be a valid UUID", GetValidationFields(err)["token_id"])
	})

	t.Run("dash json tag falls back to field name", func(t *testing.T) {
		err := ValidateStruct(&loginPayload{Username: "a", Password: "x", Internal: "toolong"})
		require.Error(t, err)
		assert.Contains(t, GetValidationFields(err), "Internal")
	})
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{
		Message: "Test validation error",
		Fields: map[string]string{
			"field1": "error1",
		},
	}

	assert.Equal(t, "Test validation error", err.Error())
}

func TestIsValidationError(t *testing.T) {
	assert.True(t, IsValidationError(&ValidationError{Message: "test"}))
	assert.False(t, IsValidationError(assert.AnError))
}

func TestGetValidationFields(t *testing.T) {
	fields := map[string]string{"field1": "error1"}
	assert.Equal(t, fields, GetValidationFields(&ValidationError{Message: "test", Fields: fields}))
	assert.Nil(t, GetValidationFields(assert.AnError))
}
