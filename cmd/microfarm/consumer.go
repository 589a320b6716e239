package main

import (
	"context"

	"github.com/microfarm/microfarm/internal/domain"
	"github.com/microfarm/microfarm/internal/infrastructure/consumer"
	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
)

// newEngine wires a consumer engine for queue with the retry policy from
// config. The engine owns broker and closes it when it stops.
func (rt *process) newEngine(broker consumer.Broker, queue string, dispatcher consumer.Dispatcher, audit domain.AuditSink) (*consumer.Engine, error) {
	cfg := rt.cfg.Consumer
	return consumer.New(broker, dispatcher, consumer.Options{
		Queue:             queue,
		Topology:          messaging.DefaultTopology(cfg.DeadLetter),
		InactivityTimeout: cfg.InactivityTimeout,
		Retry: consumer.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			DeadLetter:  cfg.DeadLetter,
		},
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Audit:   audit,
		OnStateChange: func(s consumer.State) {
			rt.logger.Debug(logging.RabbitMQ, logging.Consume, "consumer state changed", map[logging.ExtraKey]any{
				logging.Queue: queue,
				logging.State: s.String(),
			})
		},
	})
}

// consume runs the engine until ctx is done. A lost connection is returned
// so the process exits and its supervisor restarts it.
func (rt *process) consume(ctx context.Context, engine *consumer.Engine, queue string) error {
	rt.logger.Info(logging.Worker, logging.Startup, "consuming", map[logging.ExtraKey]any{
		logging.Queue: queue,
	})
	if err := engine.Run(ctx); err != nil {
		rt.logger.Error(logging.Worker, logging.Shutdown, "consumer stopped with error", map[logging.ExtraKey]any{
			logging.Queue:        queue,
			logging.ErrorMessage: err.Error(),
		})
		return err
	}
	return nil
}
