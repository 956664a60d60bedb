package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agent-relay/relay/internal/broker"
	"github.com/agent-relay/relay/internal/events"
	"github.com/agent-relay/relay/internal/logging"
	"github.com/agent-relay/relay/internal/protocol"
)

// newBrokerCmd creates the "relay broker" command group.
func newBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the worker broker as a long-lived process",
	}
	cmd.AddCommand(newBrokerServeCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newBrokerCmd())
}

// newBrokerServeCmd creates the "relay broker serve" command.
func newBrokerServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the protocol-stream broker on stdio",
		Long: `Start the broker's line-delimited protocol stream on stdin/stdout: a
hello/hello_ack handshake gate followed by request/response dispatch for
spawn_agent, release_agent, send_input, send_message, set_model,
list_agents, get_status, get_metrics, get_crash_insights, and shutdown.
Lifecycle events (worker ready, delivery verified, etc.) are pushed to the
same stream as unsolicited event frames.

Intended for a parent process (a companion or a CI orchestrator) to
supervise relay as a subprocess, exchanging JSON frames over its stdio
pipes rather than invoking "relay run" per workflow.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveBroker(cmd)
		},
	}
	return cmd
}

func serveBroker(cmd *cobra.Command) error {
	logger := logging.New("broker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus(events.DefaultRingSize)
	brk := broker.New(ctx, bus)
	server := broker.NewServer(brk, bus)

	conn := protocol.NewConn(os.Stdin, os.Stdout, 0)
	server.Register(conn)

	go server.PublishTo(ctx, conn)

	logger.Info("broker serving on stdio", "protocol_version", protocol.Version)
	if err := conn.Serve(ctx); err != nil {
		return fmt.Errorf("broker serve: %w", err)
	}

	for _, status := range brk.List() {
		_ = brk.ReleaseAgent(status.Name, "broker shutting down")
	}

	return nil
}
