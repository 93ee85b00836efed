package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeNodeConfig writes a config for server a.example with a fresh
// database and a policy granting @alice full power and nobody else a
// bootstrap level. Returns its path.
func writeNodeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	policyPath := filepath.Join(dir, "policy.cue")
	require.NoError(t, os.WriteFile(policyPath, []byte("bootstrap_level: 0\n"+`users: "@alice:a.example": 100`+"\n"), 0o644))

	cfgPath := filepath.Join(dir, "roomstate.yaml")
	cfg := fmt.Sprintf(`server_name: a.example
database: %s
policy_file: %s
log:
  level: error
metrics:
  enabled: false
`, filepath.Join(dir, "a.db"), policyPath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}

// decodeData unmarshals the data of a JSON CLIResponse into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return resp.CLIResponse
}

// writeDefaultPolicyConfig writes a config for server a.example that uses
// the built-in policy. Returns its path.
func writeDefaultPolicyConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "roomstate.yaml")
	cfg := fmt.Sprintf(`server_name: a.example
database: %s
log:
  level: error
metrics:
  enabled: false
`, filepath.Join(dir, "a.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath
}
