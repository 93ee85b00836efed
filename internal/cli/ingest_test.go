package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ingestPDUs = `[
  {"pdu_id": "root", "origin": "b.example", "context": "room-1", "pdu_type": "name",
   "state_key": "", "depth": 1, "content": {"name": "Lobby"}, "user_id": "@carol:b.example"},
  {"pdu_id": "next", "origin": "b.example", "context": "room-1", "pdu_type": "name",
   "state_key": "", "depth": 2, "prev_pdus": [{"pdu_id": "root", "origin": "b.example"}],
   "prev_state": {"pdu_id": "root", "origin": "b.example"},
   "content": {"name": "Hall"}, "user_id": "@carol:b.example"},
  {"pdu_id": "msg", "origin": "b.example", "context": "room-1", "pdu_type": "message",
   "depth": 3, "content": {"body": "hi"}}
]`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestIngest_ResolvesAndDeduplicates(t *testing.T) {
	cfg := writeNodeConfig(t)
	file := writeFile(t, "pdus.json", ingestPDUs)

	out, err := execute(t, "--config", cfg, "--format", "json", "ingest", file)
	require.NoError(t, err, out)

	var res IngestResult
	decodeData(t, out, &res)
	require.Len(t, res.PDUs, 3)
	assert.Equal(t, 3, res.Accepted)
	assert.Zero(t, res.Rejected)
	assert.Zero(t, res.Failed)

	assert.Equal(t, "root@b.example", res.PDUs[0].EventID)
	assert.Equal(t, "no_current", res.PDUs[0].Stage)
	assert.Equal(t, "direct_successor", res.PDUs[1].Stage)
	assert.True(t, res.PDUs[2].Accepted)
	assert.Empty(t, res.PDUs[2].Stage)

	out, err = execute(t, "--config", cfg, "ingest", file)
	require.NoError(t, err, out)
	assert.Equal(t, 3, strings.Count(out, "(already processed)"))
	assert.Contains(t, out, "Ingest Summary: 3 accepted, 0 rejected, 0 failed")

	out, err = execute(t, "--config", cfg, "state", "room-1")
	require.NoError(t, err)
	assert.Contains(t, out, "next@b.example")
}

func TestIngest_Stdin(t *testing.T) {
	cfg := writeNodeConfig(t)

	cmd := NewRootCommand()
	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetErr(&strings.Builder{})
	cmd.SetIn(strings.NewReader(ingestPDUs))
	cmd.SetArgs([]string{"--config", cfg, "ingest", "-"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "✓ root@b.example accepted (no_current)")
	assert.Contains(t, out.String(), "✓ msg@b.example stored")
}

func TestIngest_InvalidInput(t *testing.T) {
	cfg := writeNodeConfig(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"pdu_id":`},
		{"not an array", `{"pdu_id": "x"}`},
		{"null entry", `[null]`},
		{"missing origin", `[{"pdu_id": "x", "context": "room-1", "pdu_type": "name", "depth": 1}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := writeFile(t, "pdus.json", tt.body)
			_, err := execute(t, "--config", cfg, "ingest", file)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestIngest_MissingFile(t *testing.T) {
	cfg := writeNodeConfig(t)

	_, err := execute(t, "--config", cfg, "ingest", filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
