package mcp

import (
	"encoding/json"
	"fmt"
)

// ServerSpec is one server entry in the agent CLI's --mcp-config
// document.
type ServerSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ConfigFile is the --mcp-config document shape.
type ConfigFile struct {
	MCPServers map[string]ServerSpec `json:"mcpServers"`
}

// BuildConfig returns the --mcp-config JSON that points the agent at
// this binary's mcp-permissions subcommand for the given session. The
// sidecar shares nothing with the daemon but the database file.
func BuildConfig(executable, sessionID, dbPath string) (string, error) {
	cfg := ConfigFile{
		MCPServers: map[string]ServerSpec{
			ServerName: {
				Command: executable,
				Args:    []string{"mcp-permissions", "--session-id", sessionID, "--db", dbPath},
			},
		},
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling mcp config: %w", err)
	}
	return string(data), nil
}
