package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/selfsession/authcore/internal/mcp"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the authorization core over MCP stdio",
	Long:  "Starts an MCP server exposing the authorization tools: sessions,\ngrants, proposals, the hold-to-arm lifecycle, confirmation challenges,\nand dispatch. Blocks until interrupted.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	server, err := mcp.New(configPath, nil)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}
