package kube

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// Predicate decides whether obj satisfies a wait condition. When matched is
// true, result becomes the value returned by WaitCondition. A non-nil error
// aborts the wait.
type Predicate func(ctx context.Context, obj *unstructured.Unstructured) (matched bool, result any, err error)

// WaitCondition describes what to watch and when to stop.
type WaitCondition struct {
	Descriptor Descriptor
	// Predicate defaults to matching the first event with a nil result.
	Predicate Predicate
}

func matchFirst(context.Context, *unstructured.Unstructured) (bool, any, error) {
	return true, nil, nil
}

// FieldEquals matches objects whose field at path renders as value. The
// matching object is the result.
func FieldEquals(value string, path ...string) Predicate {
	return func(_ context.Context, obj *unstructured.Unstructured) (bool, any, error) {
		field, found, err := unstructured.NestedFieldNoCopy(obj.Object, path...)
		if err != nil || !found {
			return false, nil, nil
		}
		if fmt.Sprint(field) != value {
			return false, nil, nil
		}
		return true, obj, nil
	}
}

// WaitCondition watches the resources in wc.Descriptor until the predicate
// matches one of them, and returns the predicate's result. The watch is
// re-opened if the stream ends first. Use ctx to bound the wait.
func (c *Client) WaitCondition(ctx context.Context, wc WaitCondition) (any, error) {
	pred := wc.Predicate
	if pred == nil {
		pred = matchFirst
	}

	logger := c.logger.With(zap.String("watch", wc.Descriptor.String()))
	for {
		stream, err := c.Watch(ctx, wc.Descriptor)
		if err != nil {
			return nil, err
		}

		result, matched, err := awaitMatch(ctx, logger, stream, pred)
		if err != nil {
			return nil, err
		}
		if matched {
			return result, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logger.Debug("Stream ended before the condition matched, re-opening")
	}
}

// awaitMatch evaluates pred on the events of one stream. It returns
// matched=false with a nil error when the stream ends without a match.
func awaitMatch(ctx context.Context, logger *zap.Logger, stream watch.Interface, pred Predicate) (any, bool, error) {
	defer stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case event, ok := <-stream.ResultChan():
			if !ok {
				return nil, false, nil
			}

			switch event.Type {
			case watch.Error:
				logger.Warn("Watch stream error", zap.Error(apierrors.FromObject(event.Object)))
				return nil, false, nil
			case watch.Bookmark:
				continue
			}

			obj, err := AsUnstructured(event.Object)
			if err != nil {
				return nil, false, err
			}

			matched, result, err := pred(ctx, obj)
			if err != nil {
				return nil, false, fmt.Errorf("wait condition failed: %w", err)
			}
			if matched {
				return result, true, nil
			}
		}
	}
}
