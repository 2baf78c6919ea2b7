package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestConfig writes a minimal config pointing at a fresh
// database and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
device_id = "test-device"
db_path = %q
key_seed_hex = %q
`, filepath.Join(dir, "node.db"), strings.Repeat("ab", 32))

	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// execute runs the CLI with args and returns stdout.
func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRoot_InvalidFormat(t *testing.T) {
	_, err := execute("status", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStatus_MissingConfig(t *testing.T) {
	_, err := execute("status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestStatus_FreshDatabase(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute("status", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "test-device")
	assert.Contains(t, out, "blocks:          0")
}

func TestStatus_JSON(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute("status", "-c", cfgPath, "--format", "json")
	require.NoError(t, err)

	var result StatusResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "test-device", result.DeviceID)
	assert.Zero(t, result.Blocks)
	assert.Zero(t, result.PendingTotal)
}

func TestVerify_EmptyChain(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute("verify", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "chain OK")
}

func TestVerify_JSON(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute("verify", "-c", cfgPath, "--format", "json")
	require.NoError(t, err)

	var result VerifyResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Valid)
	assert.Zero(t, result.Blocks)
}

func TestCompact_EmptyChain(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute("compact", "-c", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "pruned 0")
}

func TestExitError(t *testing.T) {
	base := NewExitError(ExitFailure, "broken")
	assert.Equal(t, "broken", base.Error())
	assert.Equal(t, ExitFailure, GetExitCode(base))

	wrapped := WrapExitError(ExitCommandError, "context", os.ErrNotExist)
	assert.Contains(t, wrapped.Error(), "context")
	assert.ErrorIs(t, wrapped, os.ErrNotExist)
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))

	// Non-exit errors default to failure.
	assert.Equal(t, ExitFailure, GetExitCode(os.ErrPermission))
}
