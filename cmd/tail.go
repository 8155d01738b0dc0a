package cmd

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/memva/memva/internal/log"
	"github.com/memva/memva/internal/pubsub"
	"github.com/memva/memva/internal/tail"
)

var tailCmd = &cobra.Command{
	Use:   "tail <session-id>",
	Short: "Follow a session's conversation in the terminal",
	Long: `Attach to a running daemon and render a session's event stream live:
prompts, assistant replies, tool calls, and run results. History is
replayed first, then new events appear as the agent produces them.

Quit with q; scroll with the arrow keys or mouse wheel. If the daemon
goes away the view shows a disconnect notice rather than reconnecting.

Example:
  memva tail 4f7c2a18-9f6e-4f04-b6d1-83e54edc9a22
  memva tail 4f7c2a18-9f6e-4f04-b6d1-83e54edc9a22 --addr 127.0.0.1:8080`,
	Args: cobra.ExactArgs(1),
	RunE: runTail,
}

var tailAddr string

func init() {
	rootCmd.AddCommand(tailCmd)

	tailCmd.Flags().StringVar(&tailAddr, "addr", "", "Daemon address (overrides config)")
}

func runTail(_ *cobra.Command, args []string) error {
	sessionID := args[0]

	addr := tailAddr
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frames, err := tail.NewClient(addr).Stream(ctx, sessionID)
	if err != nil {
		return err
	}

	model := tail.New(sessionID, frames)

	// The model owns the terminal, so debug logs go to a file and are
	// mirrored into the footer.
	if debugMode || os.Getenv("MEMVA_DEBUG") != "" {
		logPath := os.Getenv("MEMVA_LOG")
		if logPath == "" {
			logPath = "memva-tail.log"
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
		log.SetMinLevel(log.LevelDebug)
		if feed := log.Feed(); feed != nil {
			model = model.WithLogs(pubsub.NewContinuousListener(ctx, feed))
		}
	}

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running tail view: %w", err)
	}
	return nil
}
