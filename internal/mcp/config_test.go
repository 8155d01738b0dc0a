package mcp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildConfig(t *testing.T) {
	cfg, err := BuildConfig("/usr/local/bin/memva", "sess-1", "/data/memva.db")
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"mcpServers": {
			"permissions": {
				"command": "/usr/local/bin/memva",
				"args": ["mcp-permissions", "--session-id", "sess-1", "--db", "/data/memva.db"]
			}
		}
	}`, cfg)
}

func TestBuildConfig_ArgsOrderStable(t *testing.T) {
	cfg, err := BuildConfig("memva", "s", "db")
	require.NoError(t, err)

	var parsed ConfigFile
	require.NoError(t, json.Unmarshal([]byte(cfg), &parsed))
	spec, ok := parsed.MCPServers[ServerName]
	require.True(t, ok)
	assert.Equal(t, []string{"mcp-permissions", "--session-id", "s", "--db", "db"}, spec.Args)
}
