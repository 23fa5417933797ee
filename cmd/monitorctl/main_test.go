package main

import (
	"strings"
	"testing"

	"github.com/freekieb7/stockroom/internal/validator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserInput_Validation(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name  string
		input createUserInput
		valid bool
	}{
		{"valid", createUserInput{Name: "Ada", Email: "ada@stockroom.test", Role: "employee"}, true},
		{"name_at_column_limit", createUserInput{Name: strings.Repeat("a", 100), Email: "ada@stockroom.test", Role: "admin"}, true},
		{"name_over_column_limit", createUserInput{Name: strings.Repeat("a", 101), Email: "ada@stockroom.test", Role: "employee"}, false},
		{"bad_email", createUserInput{Name: "Ada", Email: "ada", Role: "employee"}, false},
		{"monitor_role", createUserInput{Name: "Ada", Email: "ada@stockroom.test", Role: "monitor"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.input)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.NotEmpty(t, validator.Messages(err))
		})
	}
}
