// File: cmd/serve.go
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relayforge/agentbus/internal/bus"
	"github.com/relayforge/agentbus/internal/bus/framing"
	"github.com/relayforge/agentbus/internal/bus/relayclient"
	"github.com/relayforge/agentbus/internal/httpapi"
	"github.com/relayforge/agentbus/internal/observability"
	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller: session mirror, transport failover, status API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := observability.GetLogger()

		relayCh := relayclient.New(appCfg.Relay.Addr, "controller", appCfg.Relay.ReconnectDelay, logger)
		agentArgv, err := appCfg.Transport.AgentCommand()
		if err != nil {
			return err
		}
		framed, err := framing.NewStdioTransport(agentArgv, logger)
		if err != nil {
			return err
		}
		sel := bus.NewSelector(relayCh, framed, bus.SelectorConfig{
			PollInterval:   appCfg.Transport.PollInterval,
			RequestTimeout: appCfg.Transport.RequestTimeout,
			ResumeInterval: appCfg.Transport.ResumeInterval,
		}, logger)

		sessions := session.NewManager(appCfg.Session, logger)
		sessions.StartSweeper(ctx)
		defer sessions.StopSweeper()

		ctrl := httpapi.NewController(sel, sessions, logger)
		norm := protocol.NewNormalizer(logger)
		sel.OnMessage(func(env protocol.Envelope) {
			if len(env.Batch) > 0 {
				for _, item := range norm.UnpackBatch(env) {
					ctrl.HandleEvent(item)
				}
				return
			}
			ctrl.HandleEvent(env)
		})

		if err := sel.Start(ctx); err != nil {
			return err
		}
		defer sel.Stop()

		api := httpapi.NewServer(ctrl, appCfg.Serve.Addr, appCfg.Session.TraceTail, logger)
		return api.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
