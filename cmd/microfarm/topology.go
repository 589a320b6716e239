package main

import (
	"github.com/spf13/cobra"

	"github.com/microfarm/microfarm/internal/infrastructure/logging"
	"github.com/microfarm/microfarm/internal/infrastructure/messaging"
)

func newTopologyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare the exchanges, queues and bindings, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd, "microfarm-topology")
			if err != nil {
				return err
			}
			defer rt.close()

			broker, err := messaging.NewRabbitMQ(rt.cfg.Broker.URI, 0)
			if err != nil {
				return err
			}
			defer broker.Close()

			topology := messaging.DefaultTopology(rt.cfg.Consumer.DeadLetter)
			if err := broker.DeclareTopology(topology); err != nil {
				return err
			}

			rt.logger.Info(logging.RabbitMQ, logging.Topology, "topology declared", map[logging.ExtraKey]any{
				"exchanges":  len(topology.Exchanges),
				"queues":     len(topology.Queues),
				"bindings":   len(topology.Bindings),
				"deadLetter": rt.cfg.Consumer.DeadLetter,
			})
			return nil
		},
	}
}
