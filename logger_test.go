package sqlguard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("chatty"))
	assert.True(t, validLogLevel("error"))
	assert.False(t, validLogLevel("chatty"))
}

func TestSelectWriter(t *testing.T) {
	orig := isTerminalFn
	t.Cleanup(func() { isTerminalFn = orig })

	_, console := selectWriter("console", os.Stderr).(zerolog.ConsoleWriter)
	assert.True(t, console)

	isTerminalFn = func(int) bool { return true }
	_, console = selectWriter("auto", os.Stderr).(zerolog.ConsoleWriter)
	assert.True(t, console)

	isTerminalFn = func(int) bool { return false }
	assert.Equal(t, os.Stderr, selectWriter("auto", os.Stderr))
	assert.Equal(t, os.Stderr, selectWriter("json", os.Stderr))
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sqlguard.log")
	logger, closer, err := NewLogger(LogConfig{Level: "info", Format: "json", Component: "test", FilePath: path})
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Str("principal", "a@example.com").Msg("finding raised")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"message":"finding raised"`)
	assert.NotContains(t, out, "hidden")
}

func TestNewLoggerBadFile(t *testing.T) {
	_, closer, err := NewLogger(LogConfig{FilePath: filepath.Join(t.TempDir(), "missing", "x.log")})
	assert.Error(t, err)
	assert.NotNil(t, closer)
}
