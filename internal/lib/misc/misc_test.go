package misc

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersRespectLevel(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := slog.New(NewJSONHandler(&buf, level))

	Debugf(logger, "hidden %d", 1)
	assert.Empty(t, buf.String())

	Infof(logger, "shown %d", 2)
	assert.Contains(t, buf.String(), `"message":"shown 2"`)
	assert.Contains(t, buf.String(), `"severity":"INFO"`)
	assert.Contains(t, buf.String(), "misc_test.go")

	level.Set(slog.LevelDebug)
	buf.Reset()
	Debugf(logger, "now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestMinimalHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewMinimalHandler(&buf, MinimalHandlerOptions{}))
	logger.Info("position opened", "id", 4)
	assert.Equal(t, "position opened {\"id\":\"4\"}\n", buf.String())
}

func TestSecrets(t *testing.T) {
	t.Setenv("STAKELEDGER_TEST_SECRET", "")
	_, err := RequireSecret("STAKELEDGER_TEST_SECRET")
	assert.Error(t, err)

	SetSecret("STAKELEDGER_TEST_SECRET", "fallback")
	assert.Equal(t, "fallback", GetSecret("STAKELEDGER_TEST_SECRET"))

	t.Setenv("STAKELEDGER_TEST_SECRET", "from-env")
	val, err := RequireSecret("STAKELEDGER_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", val)
}

func TestLoadEnvForNetwork(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.testnet"), []byte("STAKELEDGER_ENV_PROBE=yes\n"), 0o600))
	t.Setenv("STAKELEDGER_ENV_PROBE", "")
	os.Unsetenv("STAKELEDGER_ENV_PROBE")

	logger := slog.New(NewJSONHandler(&bytes.Buffer{}, slog.LevelInfo))
	LoadEnvForNetwork(logger, "testnet")
	assert.Equal(t, "yes", os.Getenv("STAKELEDGER_ENV_PROBE"))

	// missing files are silently skipped
	LoadEnvSettings(logger)
}
