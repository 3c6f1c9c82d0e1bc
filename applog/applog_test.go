package applog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-run/enginehost"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"Warn":    WarnLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"fatal":   FatalLevel,
		"bogus":   InfoLevel,
		"":        InfoLevel,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}

func TestForSession_TagsWorkspaceAndEngine(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: InfoLevel, Output: &buf})

	logger := ForSession(base, enginehost.WorkspaceID("ws-1"), enginehost.EngineCodex)
	logger.Info().Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ws-1", line["workspace_id"])
	assert.Equal(t, "codex", line["engine"])
	assert.Equal(t, "hello", line["message"])
}

func TestForTerminal_TagsWorkspaceAndTerminal(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: InfoLevel, Output: &buf})

	logger := ForTerminal(base, enginehost.WorkspaceID("ws-1"), "term-9")
	logger.Info().Msg("pty opened")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ws-1", line["workspace_id"])
	assert.Equal(t, "term-9", line["terminal_id"])
}
