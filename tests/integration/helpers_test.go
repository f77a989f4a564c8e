package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

// execInContainer runs a command in the container and returns stdout
func execInContainer(ctx context.Context, container testcontainers.Container, cmd []string) (int, string, error) {
	exitCode, reader, err := container.Exec(ctx, cmd)
	if err != nil {
		return exitCode, "", err
	}

	// Demux the Docker stream (stdout/stderr are multiplexed)
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)

	return exitCode, stdout.String(), nil
}

// assertFileContains checks that a file contains all expected substrings
func assertFileContains(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expected []string) {
	t.Helper()
	exitCode, content, err := execInContainer(ctx, container, []string{"cat", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to read file %s", path)

	for _, substr := range expected {
		assert.Contains(t, content, substr, "file %s should contain %q", path, substr)
	}
}

// assertFileMode checks that a file has the expected permission mode
func assertFileMode(t *testing.T, ctx context.Context, container testcontainers.Container, path string, expectedMode string) {
	t.Helper()
	exitCode, mode, err := execInContainer(ctx, container, []string{"stat", "-c", "%a", path})
	require.NoError(t, err)
	require.Equal(t, 0, exitCode, "failed to stat file %s", path)

	assert.Equal(t, expectedMode, strings.TrimSpace(mode), "file %s should have mode %s", path, expectedMode)
}

// assertIsDirectory checks that a path is a directory
func assertIsDirectory(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	exitCode, _, err := execInContainer(ctx, container, []string{"test", "-d", path})
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode, "%s should be a directory", path)
}

// assertNotExists checks that a path is absent
func assertNotExists(t *testing.T, ctx context.Context, container testcontainers.Container, path string) {
	t.Helper()
	exitCode, _, err := execInContainer(ctx, container, []string{"test", "-e", path})
	require.NoError(t, err)
	assert.NotEqual(t, 0, exitCode, "%s should not exist", path)
}

// result is the subset of a result record the tests inspect.
type result struct {
	Name     string      `json:"name"`
	Host     string      `json:"host"`
	Success  bool        `json:"success"`
	Error    string      `json:"error"`
	Stdout   string      `json:"stdout"`
	Stderr   string      `json:"stderr"`
	ExitCode int         `json:"exit_code"`
	Uploaded []fileEntry `json:"uploaded_files"`
	Failed   []fileEntry `json:"failed_files"`
}

type fileEntry struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Error  string `json:"error"`
}

// runJumpexec runs the binary and decodes the result array from stdout.
func runJumpexec(t *testing.T, args ...string) map[string]result {
	t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(binaryPath, args...)
	cmd.Dir = projectRoot
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Run(), "jumpexec failed: %s", stderr.String())
	t.Logf("jumpexec stderr:\n%s", stderr.String())

	var records []result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &records), "stdout: %s", stdout.String())

	byName := make(map[string]result, len(records))
	for _, r := range records {
		byName[r.Name] = r
	}
	return byName
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
