// File: cmd/agent.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chromedp/chromedp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relayforge/agentbus/internal/agent"
	agentcdp "github.com/relayforge/agentbus/internal/agent/cdp"
	"github.com/relayforge/agentbus/internal/bus/framing"
	"github.com/relayforge/agentbus/internal/bus/relayclient"
	"github.com/relayforge/agentbus/internal/llmclient"
	"github.com/relayforge/agentbus/internal/observability"
	"github.com/relayforge/agentbus/internal/protocol"
	"github.com/relayforge/agentbus/internal/registry"
	"github.com/relayforge/agentbus/internal/session"
)

var agentHeadful bool

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the browser agent process",
	Long: `Runs the agent: a browser, the session orchestrator, and both bus
channels. Commands arrive over the relay push channel or the framed stdio
channel; events leave the same way. Stdout belongs to the framed transport,
so all logging goes to stderr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := observability.GetLogger()

		llm, err := llmclient.NewGeminiClient(ctx, appCfg.LLM, logger)
		if err != nil {
			return err
		}

		opts := chromedp.DefaultExecAllocatorOptions[:]
		if agentHeadful {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
		defer allocCancel()

		reg := registry.New(appCfg.Registry, nil, logger)
		tab, err := agentcdp.NewTab(allocCtx, reg, logger)
		if err != nil {
			return err
		}
		defer tab.Close()

		// The registry probes and sweeps against the live tab.
		reg.SetProbe(tab.ProbeNode)
		reg.StartSweeper(ctx)
		defer reg.StopSweeper()

		sessions := session.NewManager(appCfg.Session, logger)
		sessions.StartSweeper(ctx)
		defer sessions.StopSweeper()

		relayCh := relayclient.New(appCfg.Relay.Addr, "agent", appCfg.Relay.ReconnectDelay, logger)
		outbox := agent.NewOutbox(relayCh, appCfg.Relay.QueueSize, logger)

		rt := agent.New(outbox, protocol.NewNormalizer(logger), sessions, reg, llm,
			tab, tab, tab, logger)
		defer rt.Stop()

		relayCh.OnMessage(rt.HandleMessage)
		if err := relayCh.Connect(ctx); err != nil {
			logger.Warn("Relay unavailable, framed channel only for now", zap.Error(err))
		}
		defer relayCh.Disconnect()

		// Framed channel over our own stdio: commands come straight in,
		// polls drain the outbox.
		framed := framing.NewStreamTransport(os.Stdin, os.Stdout, logger)
		framed.OnMessage(func(env protocol.Envelope) {
			if env.Type == protocol.CmdPoll {
				if err := framed.Send(ctx, outbox.PollReply(env)); err != nil {
					logger.Warn("Poll reply failed", zap.Error(err))
				}
				return
			}
			rt.HandleMessage(env)
		})
		if err := framed.Connect(ctx); err != nil {
			return err
		}
		defer framed.Disconnect()

		logger.Info("Agent running",
			zap.String("relay", appCfg.Relay.Addr),
			zap.Bool("headful", agentHeadful))
		<-ctx.Done()
		return nil
	},
}

func init() {
	agentCmd.Flags().BoolVar(&agentHeadful, "headful", false, "run the browser with a visible window")
	rootCmd.AddCommand(agentCmd)
}
