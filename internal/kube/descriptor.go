package kube

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Descriptor identifies the resources an operation applies to.
// Namespace and Name are optional; an empty Namespace means all namespaces
// for namespaced kinds.
type Descriptor struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name,omitempty"`
}

// String renders the descriptor as apiVersion:Kind[:namespace[:name]].
func (d Descriptor) String() string {
	parts := []string{d.APIVersion, d.Kind}
	if d.Namespace != "" || d.Name != "" {
		parts = append(parts, d.Namespace)
	}
	if d.Name != "" {
		parts = append(parts, d.Name)
	}
	return strings.Join(parts, ":")
}

// ParseDescriptor parses the apiVersion:Kind[:namespace[:name]] form produced
// by Descriptor.String.
func ParseDescriptor(s string) (Descriptor, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 4 || parts[0] == "" || parts[1] == "" {
		return Descriptor{}, newError(ErrInvalidDescriptor, map[string]any{"descriptor": s}, nil)
	}

	d := Descriptor{APIVersion: parts[0], Kind: parts[1]}
	if len(parts) > 2 {
		d.Namespace = parts[2]
	}
	if len(parts) > 3 {
		d.Name = parts[3]
	}
	if _, err := ParseAPIVersion(d.APIVersion); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// ParseAPIVersion splits an apiVersion such as "batch/v1" or "v1" into its
// group and version.
func ParseAPIVersion(apiVersion string) (schema.GroupVersion, error) {
	gv, err := schema.ParseGroupVersion(apiVersion)
	if err != nil || gv.Version == "" {
		return schema.GroupVersion{}, newError(ErrInvalidAPIVersion, map[string]any{"apiVersion": apiVersion}, err)
	}
	return gv, nil
}
