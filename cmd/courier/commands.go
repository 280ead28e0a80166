package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/glimte/courier/messaging"
	p2p "github.com/glimte/courier/transports/grpc"
	"github.com/spf13/cobra"
)

func newWorkerCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "worker [listener...]",
		Short: "Start listeners and serve until interrupted",
		Long: fmt.Sprintf("Start the named listeners in order (%s, %s, %s). With no names all of them are started.",
			listenerOrdersCreated, listenerHealthPing, listenerEcho),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry, err := listenerRegistry(a.client, a.logger)
			if err != nil {
				return err
			}

			refs := make([]any, 0, len(args))
			for _, name := range args {
				refs = append(refs, name)
			}
			if len(refs) == 0 {
				for _, name := range registry.Names() {
					refs = append(refs, name)
				}
			}

			worker, err := messaging.NewWorker(registry, refs, messaging.WithWorkerLogger(a.logger))
			if err != nil {
				return err
			}

			serveMetrics(ctx, a.cfg.MetricsAddr, a.client.Metrics().Registry(), a.logger)

			if err := worker.Start(ctx); err != nil {
				return err
			}

			a.logger.Info("worker running", "listeners", len(worker.Listeners()))
			<-ctx.Done()
			a.logger.Info("worker stopping")
			return nil
		},
	}
}

func newPublishCommand(a *app) *cobra.Command {
	var order Order

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an OrdersCreated event",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RPCTimeout)
			defer cancel()

			event, err := messaging.NewEvent(a.client.Topic(), ordersCreated, order,
				messaging.WithLogger(a.logger), messaging.WithMetrics(a.client.Metrics()))
			if err != nil {
				return err
			}
			if err := messaging.Dispatch(ctx, event); err != nil {
				return fmt.Errorf("publish order %s: %w", order.ID, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published order %s\n", order.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&order.ID, "id", "", "order id")
	cmd.Flags().Float64Var(&order.Amount, "amount", 0, "order amount")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newCallCommand(a *app) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Call HealthPing over the broker and print the reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := messaging.NewCall[Ping, string](a.client.RPC(), healthPing, Ping{From: from},
				messaging.WithLogger(a.logger), messaging.WithMetrics(a.client.Metrics()))
			if err != nil {
				return err
			}

			reply, err := messaging.DispatchCall(cmd.Context(), call)
			if err != nil {
				return fmt.Errorf("call %s: %w", healthPing, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "courier-cli", "caller name sent with the ping")
	return cmd
}

func newP2PCommand(a *app) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "p2p <text>",
		Short: "Send text to the Echo service over gRPC and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.RPCTimeout)
			defer cancel()

			transport := a.client.PointToPoint()
			if target != "" {
				transport = p2p.NewTransport(a.client.Registry(), a.client.Server(),
					p2p.WithTarget(target), p2p.WithLogger(a.logger))
				defer transport.Close()
			}

			call, err := messaging.NewCall[string, string](transport, echo, args[0],
				messaging.WithLogger(a.logger), messaging.WithMetrics(a.client.Metrics()))
			if err != nil {
				return err
			}

			reply, err := messaging.DispatchCall(ctx, call)
			if err != nil {
				return fmt.Errorf("call %s: %w", echo, err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), reply)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "address of the Echo server (default SERVICE_BIND_ADDRESS)")
	return cmd
}
