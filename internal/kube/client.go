package kube

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/discovery/cached/memory"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/restmapper"
)

// PatchType selects the content type of a PATCH request.
type PatchType string

const (
	PatchJSON      PatchType = "json"
	PatchMerge     PatchType = "merge"
	PatchStrategic PatchType = "strategic"
)

// contentType maps a PatchType to the API server patch type. An empty
// PatchType means merge.
func (p PatchType) contentType() (k8stypes.PatchType, error) {
	switch p {
	case PatchMerge, "":
		return k8stypes.MergePatchType, nil
	case PatchJSON:
		return k8stypes.JSONPatchType, nil
	case PatchStrategic:
		return k8stypes.StrategicMergePatchType, nil
	default:
		return "", fmt.Errorf("unsupported patch type %q", string(p))
	}
}

// Client provides a simplified interface to the Kubernetes API server.
type Client struct {
	logger    *zap.Logger
	dynamic   dynamic.Interface
	mapper    meta.RESTMapper
	clientset kubernetes.Interface
}

// NewClient creates a Client from already built clients.
// clientset may be nil when Logs and access reviews are not used.
func NewClient(logger *zap.Logger, dynamicClient dynamic.Interface, mapper meta.RESTMapper, clientset kubernetes.Interface) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		logger:    logger.Named("kube"),
		dynamic:   dynamicClient,
		mapper:    mapper,
		clientset: clientset,
	}
}

// NewForConfig builds a Client for cfg, resolving kinds through cached
// discovery.
func NewForConfig(cfg *rest.Config, logger *zap.Logger) (*Client, error) {
	dynamicClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	cached := memory.NewMemCacheClient(clientset.Discovery())
	mapper := restmapper.NewDeferredDiscoveryRESTMapper(cached)

	return NewClient(logger, dynamicClient, mapper, clientset), nil
}

// Dynamic returns the underlying dynamic client.
func (c *Client) Dynamic() dynamic.Interface {
	return c.dynamic
}

// Mapping resolves apiVersion and kind to their REST mapping.
func (c *Client) Mapping(apiVersion, kind string) (*meta.RESTMapping, error) {
	gv, err := ParseAPIVersion(apiVersion)
	if err != nil {
		return nil, err
	}

	gk := schema.GroupKind{Group: gv.Group, Kind: kind}
	mapping, err := c.mapper.RESTMapping(gk, gv.Version)
	if err != nil && meta.IsNoMatchError(err) {
		// The kind may have been installed after discovery was cached.
		if resettable, ok := c.mapper.(meta.ResettableRESTMapper); ok {
			resettable.Reset()
			mapping, err = c.mapper.RESTMapping(gk, gv.Version)
		}
	}
	if err != nil {
		return nil, newError(ErrUnknownAPI, map[string]any{"apiVersion": apiVersion, "kind": kind}, err)
	}
	return mapping, nil
}

// resource returns the dynamic endpoint for the given kind, scoped to
// namespace when the kind is namespaced and namespace is set.
func (c *Client) resource(apiVersion, kind, namespace string) (dynamic.ResourceInterface, error) {
	mapping, err := c.Mapping(apiVersion, kind)
	if err != nil {
		return nil, err
	}

	nri := c.dynamic.Resource(mapping.Resource)
	if namespace != "" && mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		return nri.Namespace(namespace), nil
	}
	return nri, nil
}

// named returns the endpoint for a descriptor that must carry a name.
func (c *Client) named(d Descriptor) (dynamic.ResourceInterface, error) {
	if d.Name == "" {
		return nil, newError(ErrInvalidDescriptor, map[string]any{"descriptor": d.String()}, fmt.Errorf("name is required"))
	}
	return c.resource(d.APIVersion, d.Kind, d.Namespace)
}

// Get fetches a single resource.
func (c *Client) Get(ctx context.Context, d Descriptor) (*unstructured.Unstructured, error) {
	ri, err := c.named(d)
	if err != nil {
		return nil, err
	}
	return ri.Get(ctx, d.Name, metav1.GetOptions{})
}

// List fetches the resources matching d and an optional label selector.
func (c *Client) List(ctx context.Context, d Descriptor, labelSelector string) ([]unstructured.Unstructured, error) {
	ri, err := c.resource(d.APIVersion, d.Kind, d.Namespace)
	if err != nil {
		return nil, err
	}

	opts := metav1.ListOptions{LabelSelector: labelSelector}
	if d.Name != "" {
		opts.FieldSelector = nameSelector(d.Name)
	}

	list, err := ri.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	return list.Items, nil
}

// Watch opens one stream of ADDED, MODIFIED and DELETED events for the
// resources matching d. It satisfies watcher.StreamOpener.
func (c *Client) Watch(ctx context.Context, d Descriptor) (watch.Interface, error) {
	ri, err := c.resource(d.APIVersion, d.Kind, d.Namespace)
	if err != nil {
		return nil, err
	}

	opts := metav1.ListOptions{}
	if d.Name != "" {
		opts.FieldSelector = nameSelector(d.Name)
	}

	c.logger.Debug("Opening watch", zap.String("watch", d.String()))
	return ri.Watch(ctx, opts)
}

// Create creates every object concurrently and returns them in order.
// The first failure cancels the remaining requests.
func (c *Client) Create(ctx context.Context, objs ...*unstructured.Unstructured) ([]*unstructured.Unstructured, error) {
	created := make([]*unstructured.Unstructured, len(objs))

	g, gctx := errgroup.WithContext(ctx)
	for i, obj := range objs {
		g.Go(func() error {
			ri, err := c.resource(obj.GetAPIVersion(), obj.GetKind(), obj.GetNamespace())
			if err != nil {
				return err
			}
			out, err := ri.Create(gctx, obj, metav1.CreateOptions{})
			if err != nil {
				return fmt.Errorf("failed to create %s %s: %w", obj.GetKind(), obj.GetName(), err)
			}
			created[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return created, nil
}

// Patch applies patch to the resource named by d. patch is either raw bytes
// or a value marshalled to JSON.
func (c *Client) Patch(ctx context.Context, d Descriptor, patch any, pt PatchType) (*unstructured.Unstructured, error) {
	contentType, err := pt.contentType()
	if err != nil {
		return nil, err
	}

	ri, err := c.named(d)
	if err != nil {
		return nil, err
	}

	data, ok := patch.([]byte)
	if !ok {
		data, err = json.Marshal(patch)
		if err != nil {
			return nil, fmt.Errorf("failed to encode patch: %w", err)
		}
	}

	return ri.Patch(ctx, d.Name, contentType, data, metav1.PatchOptions{})
}

// Replace updates obj as a whole.
func (c *Client) Replace(ctx context.Context, obj *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	ri, err := c.named(DescriptorOf(obj))
	if err != nil {
		return nil, err
	}
	return ri.Update(ctx, obj, metav1.UpdateOptions{})
}

// Delete deletes the resource named by d and returns its last known state.
func (c *Client) Delete(ctx context.Context, d Descriptor) (*unstructured.Unstructured, error) {
	ri, err := c.named(d)
	if err != nil {
		return nil, err
	}

	current, err := ri.Get(ctx, d.Name, metav1.GetOptions{})
	if err != nil {
		return nil, err
	}

	uid := current.GetUID()
	opts := metav1.DeleteOptions{}
	if uid != "" {
		opts.Preconditions = &metav1.Preconditions{UID: &uid}
	}
	if err := ri.Delete(ctx, d.Name, opts); err != nil {
		return nil, err
	}
	return current, nil
}

// DescriptorOf returns the descriptor addressing obj.
func DescriptorOf(obj *unstructured.Unstructured) Descriptor {
	return Descriptor{
		APIVersion: obj.GetAPIVersion(),
		Kind:       obj.GetKind(),
		Namespace:  obj.GetNamespace(),
		Name:       obj.GetName(),
	}
}

// AsUnstructured returns obj as an Unstructured, converting typed objects.
func AsUnstructured(obj runtime.Object) (*unstructured.Unstructured, error) {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u, nil
	}
	if obj == nil {
		return nil, fmt.Errorf("no object to convert")
	}
	content, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %T to unstructured: %w", obj, err)
	}
	return &unstructured.Unstructured{Object: content}, nil
}

func nameSelector(name string) string {
	return fields.OneTermEqualSelector("metadata.name", name).String()
}
