package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/potooio/reactor/internal/broker"
)

// dialBroker is overridden in tests.
var dialBroker broker.Dialer = broker.DialAMQP

// PublishResult is printed after a message was published.
type PublishResult struct {
	Publisher string `json:"publisher"`
	Bytes     int    `json:"bytes"`
}

func publishCmd() *cobra.Command {
	var (
		configPath    string
		publisher     string
		correlationID string
		persistent    bool
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish MESSAGE",
		Short: "Publish a JSON message through a broker publisher",
		Long: `Declare the broker topology and publish one JSON message.

Examples:
  # Send a message to the queue behind the toJobs publisher
  reactorctl publish --broker-config broker.yaml --publisher toJobs '{"id":1}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" || publisher == "" {
				return errors.New("--broker-config and --publisher are required")
			}

			var message any
			if err := json.Unmarshal([]byte(args[0]), &message); err != nil {
				return fmt.Errorf("message is not valid JSON: %w", err)
			}

			cfg, err := broker.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if url := os.Getenv("REACTOR_AMQP_URL"); url != "" {
				cfg.URL = url
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			event := broker.Event{
				Message: message,
				Props: broker.Properties{
					CorrelationID: correlationID,
					Persistent:    persistent,
					Timestamp:     time.Now(),
					AppID:         "reactorctl",
				},
			}
			if err := runPublish(ctx, cfg, publisher, event); err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), PublishResult{Publisher: publisher, Bytes: len(args[0])}, outputFmt)
		},
	}

	cmd.Flags().StringVar(&configPath, "broker-config", "", "YAML file describing the broker topology")
	cmd.Flags().StringVar(&publisher, "publisher", "", "Name of the publisher to send through")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "Correlation ID of the message")
	cmd.Flags().BoolVar(&persistent, "persistent", true, "Mark the message persistent")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for connecting and publishing")

	return cmd
}

func runPublish(ctx context.Context, cfg *broker.Config, publisher string, event broker.Event) (err error) {
	engine := broker.NewEngine(broker.Options{Config: *cfg, Dial: dialBroker})
	if err := engine.Declare(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, engine.Shutdown(context.WithoutCancel(ctx)))
	}()

	return engine.Publishers().Publish(ctx, publisher, event)
}
