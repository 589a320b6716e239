package main

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
	"github.com/microfarm/microfarm/internal/infrastructure/rpc"
	"github.com/microfarm/microfarm/internal/persistence/db"
	"github.com/microfarm/microfarm/internal/persistence/repository"
	"github.com/microfarm/microfarm/internal/workers/persistence"
)

func newPersistenceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "persistence",
		Short: "Store issued and revoked certificates and serve certificate reads",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, "microfarm-persistence")
			if err != nil {
				return err
			}
			defer rt.close()

			metricsAddr, _ := cmd.Flags().GetString("metrics-listen")
			rpcAddr, _ := cmd.Flags().GetString("rpc-listen")
			return runPersistence(cmd.Context(), rt, metricsAddr, rpcAddr)
		},
	}
	cmd.Flags().String("metrics-listen", "", "metrics listen address (empty disables)")
	cmd.Flags().String("rpc-listen", "", "certificates RPC listen address (defaults to rpc.services.certificates)")
	return cmd
}

func runPersistence(ctx context.Context, rt *process, metricsAddr, rpcAddr string) error {
	if rpcAddr == "" {
		rpcAddr = rt.cfg.RPC.Services[persistence.ServiceName]
	}
	if rpcAddr == "" {
		return fmt.Errorf("no listen address for the %s rpc service", persistence.ServiceName)
	}

	database, err := db.Open(ctx, rt.cfg.Database, rt.logger)
	if err != nil {
		return err
	}
	defer db.Close(database)

	if err := db.Migrate(ctx, database, rt.logger); err != nil {
		return err
	}

	audit, closeAudit, err := openAudit(ctx, rt)
	if err != nil {
		return err
	}
	defer closeAudit()

	broker, err := messaging.NewRabbitMQ(rt.cfg.Broker.URI, rt.cfg.Consumer.Prefetch)
	if err != nil {
		return err
	}

	repo := repository.NewCertificateRepository(database)
	worker := persistence.NewWorker(repo, broker, audit, rt.logger)
	engine, err := rt.newEngine(broker, messaging.PersistenceCertificateQueue, worker, audit)
	if err != nil {
		broker.Close()
		return err
	}

	lis, err := net.Listen("tcp", rpcAddr)
	if err != nil {
		broker.Close()
		return err
	}
	server := rpc.NewServer(persistence.ServiceName, rt.logger)
	persistence.NewBackend(repo, rt.logger).Register(server)

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
		return rt.consume(gctx, engine, messaging.PersistenceCertificateQueue)
	})
	return g.Wait()
}

// openAudit records to MongoDB when a URI is configured and to the log
// otherwise.
func openAudit(ctx context.Context, rt *process) (domain.AuditSink, func(), error) {
	if rt.cfg.Mongo.URI == "" {
		return repository.NewLogAuditSink(rt.logger), func() {}, nil
	}

	client, err := db.NewMongoClient(ctx, rt.cfg.Mongo, rt.logger)
	if err != nil {
		return nil, nil, err
	}
	audit := repository.NewProcessingAuditRepository(client.Database(db.MongoDatabase(rt.cfg.Mongo)))
	if err := audit.EnsureIndexes(ctx); err != nil {
		rt.logger.Warn(logging.MongoDB, logging.Startup, "failed to create audit indexes", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
	}

	return audit, func() { _ = db.DisconnectMongo(context.Background(), client) }, nil
}
