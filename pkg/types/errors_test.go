package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationErrorUnwrap(t *testing.T) {
	err := fmt.Errorf("start: %w", NewConfigurationError("http", "bind", ErrNoBindParameters))

	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "http", cfgErr.Component)
	assert.ErrorIs(t, err, ErrNoBindParameters)
	assert.Contains(t, err.Error(), "configuration error in http: bind")
}

func TestRecover(t *testing.T) {
	assert.Nil(t, Recover("onMessage", nil))

	f := Recover("onMessage", "boom")
	require.NotNil(t, f)
	assert.Equal(t, "handler onMessage panicked: boom", f.Error())

	cause := errors.New("db down")
	f = Recover("onOpen", cause)
	assert.ErrorIs(t, f, cause)
}

func TestWatchdogTimeoutMessage(t *testing.T) {
	err := &WatchdogTimeout{Queue: "mail", Timeout: 2 * time.Second}
	assert.Equal(t, "queue mail: job exceeded timeout 2s", err.Error())
}
