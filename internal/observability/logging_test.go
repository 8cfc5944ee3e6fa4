package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/cory-johannsen/realmgate/internal/config"
)

var testServer = config.ServerConfig{Name: "test", ID: 2}

func TestNewLogger_JSON(t *testing.T) {
	logger, _, err := NewLogger(config.LoggingConfig{Level: "info", Format: "json"}, testServer)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_Console(t *testing.T) {
	logger, _, err := NewLogger(config.LoggingConfig{Level: "debug", Format: "console"}, testServer)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Level: "trace", Format: "json"}, testServer)
	assert.Error(t, err)
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, _, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"}, testServer)
	assert.Error(t, err)
}

func TestNewLogger_AtomicLevel(t *testing.T) {
	logger, atom, err := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, testServer)
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	atom.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestServerFields(t *testing.T) {
	assert.Len(t, ServerFields(testServer), 2)
	assert.Len(t, ServerFields(config.ServerConfig{ID: 1}), 1)
}
