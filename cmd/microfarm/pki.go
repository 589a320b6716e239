package main

import (
	"context"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
	"github.com/microfarm/microfarm/internal/persistence/repository"
	"github.com/microfarm/microfarm/internal/pki"
	"github.com/microfarm/microfarm/internal/workers/issuance"
)

func newPKICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pki",
		Short: "Serve the pki RPC backend and the certificate issuance worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, "microfarm-pki")
			if err != nil {
				return err
			}
			defer rt.close()

			metricsAddr, _ := cmd.Flags().GetString("metrics-listen")
			return runPKI(cmd.Context(), rt, metricsAddr)
		},
	}
	cmd.Flags().String("metrics-listen", "", "metrics listen address (empty disables)")
	return cmd
}

func runPKI(ctx context.Context, rt *process, metricsAddr string) error {
	authority, err := pki.LoadOrCreateAuthority(rt.cfg.PKI, rt.logger)
	if err != nil {
		return err
	}

	// The RPC backend publishes on its own connection so the engine can
	// drain and close its one independently.
	rpcBroker, err := messaging.NewRabbitMQ(rt.cfg.Broker.URI, 0)
	if err != nil {
		return err
	}
	defer rpcBroker.Close()

	consumerBroker, err := messaging.NewRabbitMQ(rt.cfg.Broker.URI, rt.cfg.Consumer.Prefetch)
	if err != nil {
		return err
	}

	worker := issuance.NewWorker(authority, consumerBroker, rt.logger, rt.cfg.PKI.PasswordLength)
	engine, err := rt.newEngine(consumerBroker, messaging.PKICertificateQueue, worker, repository.NewLogAuditSink(rt.logger))
	if err != nil {
		consumerBroker.Close()
		return err
	}

	lis, err := net.Listen("tcp", rt.cfg.RPC.Listen)
	if err != nil {
		consumerBroker.Close()
		return err
	}
	server := rpc.NewServer("pki", rt.logger)
	issuance.NewBackend(rpcBroker, rt.logger).Register(server)

	rt.serveMetrics(ctx, metricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		rt.logger.Info(logging.RPC, logging.Shutdown, "stopping rpc server", nil)
		server.GracefulStop()
		return nil
	})
	g.Go(func() error {
		return rt.consume(gctx, engine, messaging.PKICertificateQueue)
	})
	return g.Wait()
}
