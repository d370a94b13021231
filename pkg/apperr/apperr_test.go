package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type customConflict struct{}

func (customConflict) Error() string { return "custom" }
func (customConflict) Kind() Kind    { return Conflict }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Internal},
		{"plain", errors.New("boom"), Internal},
		{"validation", Validationf("bad %s", "input"), Validation},
		{"wrapped not found", fmt.Errorf("load: %w", NotFoundf("loan %d", 7)), NotFound},
		{"external", Externalf(errors.New("timeout"), "identity"), External},
		{"custom type", fmt.Errorf("close: %w", customConflict{}), Conflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := Externalf(errors.New("connection refused"), "identity lookup for %s", "12345678")
	assert.Equal(t, "identity lookup for 12345678: connection refused", err.Error())
	assert.True(t, Is(err, External))
	assert.False(t, Is(err, Conflict))

	inner := errors.New("connection refused")
	assert.ErrorIs(t, Externalf(inner, "x"), inner)
}
