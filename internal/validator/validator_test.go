package validator

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type assignRequest struct {
	UserID string    `json:"user_id" validate:"required,uuid,uuid_not_nil"`
	EndsAt time.Time `json:"ends_at" validate:"required,future"`
}

type userRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=employee admin"`
}

func TestValidator_Future(t *testing.T) {
	v := New()

	require.NoError(t, v.Validate(assignRequest{
		UserID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		EndsAt: time.Now().Add(time.Hour),
	}))

	err := v.Validate(assignRequest{
		UserID: "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
		EndsAt: time.Now().Add(-time.Hour),
	})
	require.Error(t, err)
	assert.Equal(t, []string{"ends_at must be in the future"}, Messages(err))
}

func TestValidator_Messages(t *testing.T) {
	v := New()

	err := v.Validate(assignRequest{UserID: "00000000-0000-0000-0000-000000000000"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"user_id must be a valid user id",
		"ends_at is required",
	}, Messages(err))

	err = v.Validate(userRequest{Name: "Ada", Email: "not-an-email", Role: "monitor"})
	require.Error(t, err)
	assert.ElementsMatch(t, []string{
		"email must be a valid email address",
		"role must be one of: employee admin",
	}, Messages(err))

	assert.Equal(t, []string{"boom"}, Messages(errors.New("boom")))
}
