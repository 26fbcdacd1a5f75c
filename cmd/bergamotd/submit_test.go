package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// withStdin temporarily replaces os.Stdin with body's contents for the
// duration of fn, restoring the original afterward.
func withStdin(t *testing.T, body string, fn func()) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	original := os.Stdin
	os.Stdin = r
	defer func() { os.Stdin = original }()

	fn()
}

func TestSubmitCommandRejectsSchemaViolation(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "bergamot.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		`db_path = "`+filepath.Join(dir, "bergamot.db")+`"`+"\n"+
			`content_store_path = "`+filepath.Join(dir, "content")+`"`+"\n"+
			`batch_timeout_ms = 20`+"\n",
	), 0o600))

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	var runErr error
	withStdin(t, `{"content":"x"}`, func() {
		runErr = submitCmd.RunE(submitCmd, nil)
	})

	require.NoError(t, w.Close())
	os.Stdout = origStdout
	out, _ := io.ReadAll(r)

	require.Error(t, runErr)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, "schema", resp["error"])
}

func TestSubmitCommandAcceptsValidPayload(t *testing.T) {
	dir := t.TempDir()
	configPath = filepath.Join(dir, "bergamot.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(
		`db_path = "`+filepath.Join(dir, "bergamot.db")+`"`+"\n"+
			`content_store_path = "`+filepath.Join(dir, "content")+`"`+"\n"+
			`batch_timeout_ms = 20`+"\n",
	), 0o600))

	var runErr error
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	withStdin(t, `{"url":"https://a.com/","page_loaded_at":"2025-01-01T10:00:00Z","content":"hello"}`, func() {
		runErr = submitCmd.RunE(submitCmd, nil)
	})

	require.NoError(t, w.Close())
	os.Stdout = origStdout
	out, _ := io.ReadAll(r)

	require.NoError(t, runErr)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Equal(t, "queued", resp["status"])
}
