package main

import (
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"github.com/potooio/reactor/internal/kube"
)

// getClientFunc is the function used to create the kube client.
// It can be overridden in tests to inject a fake client.
var getClientFunc = defaultGetClient

func getClient() (*kube.Client, error) {
	return getClientFunc()
}

func defaultGetClient() (*kube.Client, error) {
	// Use in-cluster config or kubeconfig
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, err
	}
	return kube.NewForConfig(config, zap.NewNop())
}

// outputResult writes result to w in the given format.
func outputResult(w io.Writer, result any, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	case "yaml", "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}
