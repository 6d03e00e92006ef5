package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/potooio/reactor/internal/kube"
	"github.com/potooio/reactor/internal/watcher"
)

// WatchEvent is printed for every event of a watched resource.
type WatchEvent struct {
	Type   string                     `json:"type"`
	Object *unstructured.Unstructured `json:"object,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

func watchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch DESCRIPTOR",
		Short: "Print the events of a resource",
		Long: `Watch a resource and print its events until interrupted.

The watch is restarted whenever the API server ends it.

Examples:
  # Watch every ConfigMap of a namespace
  reactorctl watch v1:ConfigMap:default

  # Watch Jobs for one minute, as JSON
  reactorctl watch batch/v1:Job --timeout 1m -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := kube.ParseDescriptor(args[0])
			if err != nil {
				return err
			}

			client, err := getClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return runWatch(ctx, client, desc, cmd.OutOrStdout(), outputFmt)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop watching after this long. 0 means until interrupted")

	return cmd
}

// runWatch prints the events of desc to w until ctx is done.
func runWatch(ctx context.Context, opener watcher.StreamOpener, desc kube.Descriptor, w io.Writer, format string) error {
	emit := func(eventType string) watcher.ObjectHook {
		return func(_ context.Context, obj *unstructured.Unstructured) error {
			return printEvent(w, WatchEvent{Type: eventType, Object: obj}, format)
		}
	}
	hooks := watcher.Hooks{
		OnAdded:    emit("ADDED"),
		OnModified: emit("MODIFIED"),
		OnDeleted:  emit("DELETED"),
		OnError: func(_ context.Context, err error) {
			_ = printEvent(w, WatchEvent{Type: "ERROR", Error: err.Error()}, format)
		},
	}

	scope, err := watcher.New(desc, hooks, watcher.DefaultOptions()).Watch(ctx, opener)
	if err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return scope.Cancel(stopCtx)
}

func printEvent(w io.Writer, event WatchEvent, format string) error {
	if format != "json" {
		if _, err := io.WriteString(w, "---\n"); err != nil {
			return err
		}
	}
	return outputResult(w, event, format)
}
