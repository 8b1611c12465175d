package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bluetooth-gateway/internal/config"
)

func TestLoadDotEnvMissingFile(t *testing.T) {
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("BTGW_TEST_ADAPTER=hci1\n"), 0o600))
	t.Setenv("BTGW_TEST_ADAPTER", "")
	require.NoError(t, os.Unsetenv("BTGW_TEST_ADAPTER"))

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "hci1", os.Getenv("BTGW_TEST_ADAPTER"))
}

func TestNewLoggerPlainUsesStderr(t *testing.T) {
	cfg := config.Default()
	cfg.UI = config.UIPlain
	cfg.Log.Level = "debug"

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	defer closeLog()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.Equal(t, os.Stderr, logger.Out)
}

func TestNewLoggerTUIWritesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "gw.log")

	logger, closeLog, err := newLogger(cfg)
	require.NoError(t, err)
	logger.Info("hello")
	closeLog()

	data, err := os.ReadFile(cfg.Log.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestNewLoggerBadLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "loud"
	_, _, err := newLogger(cfg)
	assert.Error(t, err)
}
