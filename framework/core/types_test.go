package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameworkError_Error(t *testing.T) {
	err := NewError(ErrTransport, "broker unreachable")
	assert.Equal(t, "[TRANSPORT_ERROR] broker unreachable", err.Error())

	wrapped := Wrap(errors.New("dial tcp: refused"), ErrTransport, "publish failed")
	assert.Equal(t, "[TRANSPORT_ERROR] publish failed: dial tcp: refused", wrapped.Error())
}

func TestFrameworkError_Is(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("stage: %w", Wrap(cause, ErrTransport, "publish failed"))

	assert.True(t, errors.Is(err, NewError(ErrTransport, "")))
	assert.False(t, errors.Is(err, NewError(ErrNotFound, "")))
	assert.True(t, errors.Is(err, cause))
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, ErrTransport, "noop"))
}

func TestHasCode(t *testing.T) {
	inner := Wrap(errors.New("x"), ErrNotConfigured, "smtp host is empty")
	outer := Wrap(inner, ErrTransport, "send failed")

	assert.True(t, HasCode(outer, ErrTransport))
	assert.True(t, HasCode(outer, ErrNotConfigured))
	assert.False(t, HasCode(outer, ErrInvalidState))
	assert.False(t, HasCode(errors.New("plain"), ErrTransport))
}

func TestFrameworkError_WithContext(t *testing.T) {
	err := NewError(ErrInvalidConfig, "port must be positive").WithContext("rabbitmq")
	assert.Equal(t, "[INVALID_CONFIG] rabbitmq: port must be positive", err.Error())
}
