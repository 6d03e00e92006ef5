package kube

import (
	"testing"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes/fake"
)

var (
	jobGVR       = schema.GroupVersionResource{Group: "batch", Version: "v1", Resource: "jobs"}
	configMapGVR = schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}
	namespaceGVR = schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}
)

func newTestMapper() meta.RESTMapper {
	mapper := meta.NewDefaultRESTMapper(nil)
	mapper.Add(schema.GroupVersionKind{Group: "batch", Version: "v1", Kind: "Job"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "ConfigMap"}, meta.RESTScopeNamespace)
	mapper.Add(schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}, meta.RESTScopeRoot)
	return mapper
}

func newFakeDynamic(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(),
		map[schema.GroupVersionResource]string{
			jobGVR:       "JobList",
			configMapGVR: "ConfigMapList",
			namespaceGVR: "NamespaceList",
			CRDResource:  "CustomResourceDefinitionList",
		},
		objects...,
	)
}

func newTestClient(t *testing.T, objects ...runtime.Object) (*Client, *dynamicfake.FakeDynamicClient, *fake.Clientset) {
	t.Helper()
	dyn := newFakeDynamic(objects...)
	clientset := fake.NewSimpleClientset()
	return NewClient(zap.NewNop(), dyn, newTestMapper(), clientset), dyn, clientset
}

func newJob(namespace, name string, labels map[string]string) *unstructured.Unstructured {
	job := &unstructured.Unstructured{}
	job.SetAPIVersion("batch/v1")
	job.SetKind("Job")
	job.SetNamespace(namespace)
	job.SetName(name)
	if labels != nil {
		job.SetLabels(labels)
	}
	return job
}

func newCRD(name string) *unstructured.Unstructured {
	crd := &unstructured.Unstructured{}
	crd.SetAPIVersion("apiextensions.k8s.io/v1")
	crd.SetKind("CustomResourceDefinition")
	crd.SetName(name)
	return crd
}

func jobDescriptor(namespace, name string) Descriptor {
	return Descriptor{APIVersion: "batch/v1", Kind: "Job", Namespace: namespace, Name: name}
}
