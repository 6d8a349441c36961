package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type downlink struct {
	FPort   uint8   `json:"fPort" validate:"min=1,max=223"`
	Data    string  `json:"data" validate:"required,hex,max=484"`
	Class   string  `json:"class" validate:"oneof=A C"`
	DevEUI  string  `json:"devEUI" validate:"hexlen=8"`
	Comment *string `json:"comment" validate:"max=5"`
	private string  `validate:"required"`
}

func TestValidatePasses(t *testing.T) {
	v := NewValidator()
	require.NoError(t, v.Validate(&downlink{FPort: 10, Data: "0102", Class: "C", DevEUI: "0102030405060708"}))
	require.NoError(t, v.Validate(downlink{FPort: 223, Data: "ff"}))
}

func TestValidateReportsEveryField(t *testing.T) {
	v := NewValidator()
	long := "too long"

	err := v.Validate(&downlink{FPort: 0, Data: "xyz", Class: "B", DevEUI: "0102", Comment: &long})
	require.Error(t, err)

	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	for _, want := range []string{
		"fPort: minimum is 1",
		"data: must be hex encoded",
		"class: must be one of A, C",
		"devEUI: must be 8 bytes",
		"comment: maximum length is 5",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateRequired(t *testing.T) {
	type login struct {
		Username string  `json:"username" validate:"required"`
		Password *string `json:"password" validate:"required,min=8"`
	}
	v := NewValidator()

	err := v.Validate(login{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username: field is required")
	assert.Contains(t, err.Error(), "password: field is required")

	short := "abc"
	assert.ErrorContains(t, v.Validate(login{Username: "a", Password: &short}), "password: minimum length is 8")
}

func TestValidateNonStruct(t *testing.T) {
	assert.Error(t, NewValidator().Validate(42))
}
