// Package kube is a thin resource API over the Kubernetes dynamic client.
//
// Resources are addressed by apiVersion and kind, as they appear in
// manifests, rather than by GroupVersionResource. The client resolves them
// through a RESTMapper before every call.
//
// # Operations
//
//	Get(ctx, Descriptor)                          single resource
//	List(ctx, Descriptor, labelSelector)          collection, optionally filtered
//	Watch(ctx, Descriptor)                        one change stream
//	Create(ctx, objs...)                          concurrent creation
//	Patch(ctx, Descriptor, patch, PatchType)      json, merge (default) or strategic
//	Replace(ctx, obj)                             full update
//	Delete(ctx, Descriptor)                       returns the last known state
//	WaitCondition(ctx, WaitCondition)             block until a predicate matches
//	Logs(ctx, namespace, pod, container)          container logs
//	CanI / CanThey(ctx, ReviewAction)             access reviews
//	Load(ctx, crds, create)                       ensure CustomResourceDefinitions exist
//
// Errors caused by a bad descriptor are *Error values wrapping
// ErrInvalidAPIVersion or ErrUnknownAPI. Errors returned by the API server
// are passed through unchanged and can be inspected with apierrors.
package kube
