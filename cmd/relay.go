// File: cmd/relay.go
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relayforge/agentbus/internal/observability"
	"github.com/relayforge/agentbus/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the always-on relay broker agents and controllers register with",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := relay.NewServer(appCfg.Relay.Addr, appCfg.Relay.QueueSize, observability.GetLogger())
		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(relayCmd)
}
