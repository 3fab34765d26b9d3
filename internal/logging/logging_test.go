package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "syncd.log")

	log, done, err := New(Config{Level: "debug", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	log.Debug("pulled")
	log.Info("sync finished")
	require.NoError(t, done())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], `"msg":"sync finished"`)
}

func TestNew_LevelFilters(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "syncd.log")

	log, done, err := New(Config{Level: "WARN", File: path})
	require.NoError(t, err)
	log.Info("hidden")
	log.Warn("shown")
	require.NoError(t, done())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(b), "hidden")
	require.Contains(t, string(b), "shown")
}

func TestNew_RejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, _, err := New(Config{Level: "chatty"})
	require.Error(t, err)
	_, _, err = New(Config{Format: "xml"})
	require.Error(t, err)

	log, done, err := New(Config{Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, log)
	_ = done()
}
