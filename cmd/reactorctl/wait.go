package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/potooio/reactor/internal/kube"
)

func waitCmd() *cobra.Command {
	var (
		field   string
		value   string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wait DESCRIPTOR",
		Short: "Wait until a resource matches a condition",
		Long: `Watch a resource until one of its events matches, then print the object.

Without --field the first event matches.

Examples:
  # Wait for a Job to succeed
  reactorctl wait batch/v1:Job:default:migrate --field status.succeeded --value 1

  # Wait for a ConfigMap to exist
  reactorctl wait v1:ConfigMap:default:settings --timeout 30s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := kube.ParseDescriptor(args[0])
			if err != nil {
				return err
			}
			if field == "" && value != "" {
				return fmt.Errorf("--value requires --field")
			}

			client, err := getClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			wc := kube.WaitCondition{Descriptor: desc, Predicate: anyObject}
			if field != "" {
				wc.Predicate = kube.FieldEquals(value, strings.Split(field, ".")...)
			}
			result, err := client.WaitCondition(ctx, wc)
			if err != nil {
				return fmt.Errorf("wait for %s failed: %w", desc, err)
			}
			return outputResult(cmd.OutOrStdout(), result, outputFmt)
		},
	}

	cmd.Flags().StringVar(&field, "field", "", "Dot-separated path of the field to compare, e.g. status.phase")
	cmd.Flags().StringVar(&value, "value", "", "Value the field must have")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "How long to wait")

	return cmd
}

func anyObject(_ context.Context, obj *unstructured.Unstructured) (bool, any, error) {
	return true, obj, nil
}
