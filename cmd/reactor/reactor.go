package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"

	"github.com/potooio/reactor/internal/broker"
	"github.com/potooio/reactor/internal/kube"
	"github.com/potooio/reactor/internal/operator"
	"github.com/potooio/reactor/internal/watcher"
)

var errNotAnObject = errors.New("message is not a Kubernetes object")

// resourceEvent is the message published for every watch event.
type resourceEvent struct {
	Type     string          `json:"type"`
	Resource kube.Descriptor `json:"resource"`
	Object   map[string]any  `json:"object"`
}

// parseWatches parses a comma-separated list of descriptors.
func parseWatches(csv string) ([]kube.Descriptor, error) {
	var descs []kube.Descriptor
	for _, item := range splitCSV(csv) {
		d, err := kube.ParseDescriptor(item)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// loadCRDs reads the CustomResourceDefinitions of a multi-document YAML file.
func loadCRDs(path string) ([]*unstructured.Unstructured, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var crds []*unstructured.Unstructured
	decoder := utilyaml.NewYAMLOrJSONDecoder(f, 4096)
	for {
		obj := &unstructured.Unstructured{}
		if err := decoder.Decode(&obj.Object); err != nil {
			if errors.Is(err, io.EOF) {
				return crds, nil
			}
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if obj.GetKind() != "CustomResourceDefinition" {
			return nil, fmt.Errorf("%s: unexpected kind %q", path, obj.GetKind())
		}
		crds = append(crds, obj)
	}
}

// forwardHooks publishes the events of the watcher on desc through the named
// publisher. Without a publisher the events are only logged.
func forwardHooks(logger *zap.Logger, publishers func() broker.Publishers, publisher string, desc kube.Descriptor) watcher.Hooks {
	forward := func(eventType string) watcher.ObjectHook {
		return func(ctx context.Context, obj *unstructured.Unstructured) error {
			logger.Debug("Resource event",
				zap.String("type", eventType),
				zap.Stringer("resource", kube.DescriptorOf(obj)),
			)
			if publisher == "" {
				return nil
			}
			return publishers().Publish(ctx, publisher, broker.Event{
				Message: resourceEvent{
					Type:     eventType,
					Resource: kube.DescriptorOf(obj),
					Object:   obj.Object,
				},
				Props: broker.Properties{
					Type:       "resource." + strings.ToLower(eventType),
					Persistent: true,
					Timestamp:  time.Now(),
					AppID:      "reactor",
				},
			})
		}
	}

	return watcher.Hooks{
		OnAdded:    forward("ADDED"),
		OnModified: forward("MODIFIED"),
		OnDeleted:  forward("DELETED"),
		OnError: func(_ context.Context, err error) {
			logger.Error("Watch event failed", zap.Stringer("watch", desc), zap.Error(err))
		},
	}
}

// withBroker ties the engine lifecycle to the operator. A Consume failure
// shuts the declared engine down before the error is returned, since
// Terminate does not run when Initialize fails.
func withBroker(opts *operator.Options, engine *broker.Engine) {
	opts.Initialize = func(ctx context.Context, _ *operator.Operator) error {
		if err := engine.Declare(ctx); err != nil {
			return err
		}
		if err := engine.Consume(ctx); err != nil {
			return errors.Join(err, engine.Shutdown(context.WithoutCancel(ctx)))
		}
		return nil
	}
	opts.Terminate = func(ctx context.Context, _ *operator.Operator) error {
		return engine.Shutdown(ctx)
	}
	// Only a dropped connection is unhealthy; a standby replica never declares.
	opts.HealthCheck = func(context.Context) error {
		if err := engine.Ping(); !errors.Is(err, broker.ErrNotDeclared) {
			return err
		}
		return nil
	}
}

// applyHandler creates the objects received on a queue and merge-patches
// the ones that already exist.
func applyHandler(client *kube.Client, logger *zap.Logger) broker.ConsumerHandler {
	return func(ctx context.Context, _ broker.Publishers, event any) error {
		content, ok := event.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %w: got %T", broker.ErrReject, errNotAnObject, event)
		}
		obj := &unstructured.Unstructured{Object: content}
		desc := kube.DescriptorOf(obj)

		_, err := client.Create(ctx, obj)
		switch {
		case err == nil:
			logger.Info("Created object", zap.Stringer("resource", desc))
			return nil
		case !apierrors.IsAlreadyExists(err):
			return permanent(err)
		}

		if _, err := client.Patch(ctx, desc, content, kube.PatchMerge); err != nil {
			return permanent(err)
		}
		logger.Info("Patched object", zap.Stringer("resource", desc))
		return nil
	}
}

// permanent marks errors that no redelivery can fix so the message is
// rejected instead of requeued.
func permanent(err error) error {
	switch {
	case errors.Is(err, kube.ErrUnknownAPI),
		errors.Is(err, kube.ErrInvalidAPIVersion),
		errors.Is(err, kube.ErrInvalidDescriptor),
		apierrors.IsInvalid(err),
		apierrors.IsBadRequest(err):
		return fmt.Errorf("%w: %w", broker.ErrReject, err)
	default:
		return err
	}
}

// splitCSV splits a comma-separated string into trimmed, non-empty items.
func splitCSV(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}
