package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeStateFile(t *testing.T, home, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(home, "var"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "var", "purchase_states.json"), []byte(content), 0o644))
}

func TestStatus_NoStateYet(t *testing.T) {
	out, err := runCommand(t, "status", "--home", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "no purchase state recorded yet")
}

func TestStatus_Table(t *testing.T) {
	home := t.TempDir()
	writeStateFile(t, home, `{
		"10001": {"product_id": "10001", "status": "purchased", "attempt_count": 1, "order_reference": "ORD-123456-01"},
		"10002": {"product_id": "10002", "status": "failed", "attempt_count": 3, "failure_reason": "payment_failed"}
	}`)

	out, err := runCommand(t, "status", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "PRODUCT")
	assert.Contains(t, out, "purchased")
	assert.Contains(t, out, "order ORD-123456-01")
	assert.Contains(t, out, "payment_failed")
}

func TestStatus_JSON(t *testing.T) {
	home := t.TempDir()
	writeStateFile(t, home, `{"10001": {"product_id": "10001", "status": "ready", "attempt_count": 0}}`)

	out, err := runCommand(t, "status", "--home", home, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "ready"`)
}

func TestStatus_CorruptStateFile(t *testing.T) {
	home := t.TempDir()
	writeStateFile(t, home, `{"10001": {`)

	_, err := runCommand(t, "status", "--home", home)
	assert.Error(t, err)
}

func TestResolveHome(t *testing.T) {
	assert.Equal(t, "/opt/restockd", resolveHome("/opt/restockd"))

	t.Setenv(homeEnv, "/env/home")
	assert.Equal(t, "/env/home", resolveHome(""))

	t.Setenv(homeEnv, "")
	assert.Equal(t, ".restockd", resolveHome(""))
}
