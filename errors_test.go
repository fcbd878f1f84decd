package isobus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorUnwrapsToKind(t *testing.T) {
	cause := errors.New("boom")
	err := newErr("Endpoint.Bind", ErrNoSuchInterface, cause)

	assert.ErrorIs(t, err, ErrNoSuchInterface)
	assert.Contains(t, err.Error(), "Endpoint.Bind")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorWithoutCause(t *testing.T) {
	err := newErr("Filter.ToRaw", ErrInvalidArgument, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.NotContains(t, err.Error(), "<nil>")
}
