package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memva/memva/internal/infrastructure/sqlite"
	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/mcp"
	"github.com/memva/memva/internal/permissions"
)

var mcpCmd = &cobra.Command{
	Use:    "mcp-permissions",
	Short:  "Run the MCP permission sidecar",
	Hidden: true,
	Long: `Run the MCP server the agent CLI calls for tool approvals.

The daemon launches one sidecar per agent run; it speaks JSON-RPC over
stdio and writes permission requests straight to the shared database,
where the daemon's API surfaces them for a decision. Not intended to be
run by hand.`,
	RunE: runMCP,
}

var (
	mcpSessionID string
	mcpDBPath    string
)

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().StringVar(&mcpSessionID, "session-id", "", "Session the sidecar serves")
	mcpCmd.Flags().StringVar(&mcpDBPath, "db", "", "Path to the memva database")
	_ = mcpCmd.MarkFlagRequired("session-id")
	_ = mcpCmd.MarkFlagRequired("db")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// stdout carries JSON-RPC, so logs may only go to a file. Stderr is
	// captured by the agent CLI and shown in its debug output.
	if debugMode || os.Getenv("MEMVA_DEBUG") != "" {
		logPath := os.Getenv("MEMVA_LOG")
		var cleanup func()
		if logPath != "" {
			c, err := log.Init(logPath)
			if err != nil {
				return fmt.Errorf("initializing logging: %w", err)
			}
			cleanup = c
		} else {
			cleanup = log.InitStderr()
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
	}

	db, err := sqlite.NewDB(mcpDBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	broker := permissions.NewBroker(db)
	server := mcp.NewPermissionServer(broker, mcpSessionID, version)

	log.Info(log.CatMCP, "permission sidecar ready", "session_id", mcpSessionID)
	return server.Serve(os.Stdin, os.Stdout)
}
