package kube

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// CRDResource is the resource of CustomResourceDefinitions.
var CRDResource = schema.GroupVersionResource{
	Group:    "apiextensions.k8s.io",
	Version:  "v1",
	Resource: "customresourcedefinitions",
}

// Load makes the given CustomResourceDefinitions known to the client. CRDs
// missing from the cluster are created when create is true. It returns the
// remote CRDs followed by the missing ones.
func (c *Client) Load(ctx context.Context, crds []*unstructured.Unstructured, create bool) ([]*unstructured.Unstructured, error) {
	api := c.dynamic.Resource(CRDResource)

	remote, err := api.List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list CustomResourceDefinitions: %w", err)
	}

	known := make(map[string]struct{}, len(remote.Items))
	all := make([]*unstructured.Unstructured, 0, len(remote.Items)+len(crds))
	for i := range remote.Items {
		known[remote.Items[i].GetName()] = struct{}{}
		all = append(all, &remote.Items[i])
	}

	var missing []*unstructured.Unstructured
	for _, crd := range crds {
		if _, ok := known[crd.GetName()]; !ok {
			missing = append(missing, crd)
		}
	}

	if create && len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, crd := range missing {
			g.Go(func() error {
				if _, err := api.Create(gctx, crd, metav1.CreateOptions{}); err != nil {
					return fmt.Errorf("failed to create CustomResourceDefinition %s: %w", crd.GetName(), err)
				}
				c.logger.Info("Created CustomResourceDefinition", zap.String("name", crd.GetName()))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if resettable, ok := c.mapper.(meta.ResettableRESTMapper); ok {
		resettable.Reset()
	}

	return append(all, missing...), nil
}
