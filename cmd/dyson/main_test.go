package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawciobiel/dyson/internal/dirlock"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func createTestDirs(t *testing.T) (string, string) {
	t.Helper()
	root := t.TempDir()
	incoming := filepath.Join(root, "incoming")
	processed := filepath.Join(root, "processed")
	require.NoError(t, os.MkdirAll(filepath.Join(incoming), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(processed, "example.net", "john"), 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(incoming, "1.mail"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(incoming, "2.part"), []byte("b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(processed, "example.net", "john", "3.mail"), []byte("c"), 0o644))
	return incoming, processed
}

func dirArgs(incoming, processed string) []string {
	return []string{"--incoming-dir", incoming, "--processed-dir", processed, "--log-level", "error"}
}

func TestConfigCmd_FlagsOverrideDefaults(t *testing.T) {
	out, err := execute(t, "config", "--incoming-dir", "/srv/in", "--smtp-port", "2626", "--http=false")
	require.NoError(t, err)

	assert.Contains(t, out, "storage.incoming_dir=/srv/in\n")
	assert.Contains(t, out, "smtp.port=2626\n")
	assert.Contains(t, out, "http.enabled=false\n")
	assert.Contains(t, out, "storage.processed_dir=/var/tmp/dyson/processed\n")
}

func TestConfigCmd_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dyson.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  incoming_dir: /from/file\n  processed_dir: /from/file-out\n"), 0o600))
	t.Setenv("DYSON_STORAGE_PROCESSED_DIR", "/from/env")

	out, err := execute(t, "config", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, out, "storage.incoming_dir=/from/file\n")
	assert.Contains(t, out, "storage.processed_dir=/from/env\n")
}

func TestConfigCmd_InvalidOverride(t *testing.T) {
	_, err := execute(t, "config", "--log-format", "xml")
	assert.Error(t, err)
}

func TestClearCmd_Both(t *testing.T) {
	incoming, processed := createTestDirs(t)

	_, err := execute(t, append([]string{"clear"}, dirArgs(incoming, processed)...)...)
	require.NoError(t, err)

	for _, dir := range []string{incoming, processed} {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
}

func TestClearCmd_ProcessedOnly(t *testing.T) {
	incoming, processed := createTestDirs(t)

	_, err := execute(t, append([]string{"clear", "--processed"}, dirArgs(incoming, processed)...)...)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(incoming, "1.mail"))
	assert.FileExists(t, filepath.Join(incoming, "2.part"))
	assert.NoDirExists(t, filepath.Join(processed, "example.net"))
	assert.NoFileExists(t, filepath.Join(processed, dirlock.FileName))
}

func TestClearCmd_RefusesLockedDirectory(t *testing.T) {
	incoming, processed := createTestDirs(t)
	lockPath := filepath.Join(processed, dirlock.FileName)
	require.NoError(t, os.WriteFile(lockPath, []byte("otherhost:4242"), 0o644))

	_, err := execute(t, append([]string{"clear"}, dirArgs(incoming, processed)...)...)
	require.ErrorIs(t, err, dirlock.ErrAlreadyLocked)
	assert.Contains(t, err.Error(), "otherhost:4242")

	// nothing cleared, incoming lock released, foreign lock untouched
	assert.FileExists(t, filepath.Join(incoming, "1.mail"))
	assert.FileExists(t, filepath.Join(processed, "example.net", "john", "3.mail"))
	assert.NoFileExists(t, filepath.Join(incoming, dirlock.FileName))
	assert.FileExists(t, lockPath)
}

func TestClearCmd_MissingDirectory(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, append([]string{"clear"}, dirArgs(filepath.Join(root, "in"), filepath.Join(root, "out"))...)...)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, "in"))
}
