// reactorctl is a CLI tool for watching and waiting on Kubernetes resources
// and for talking to the reactor broker.
//
// Usage:
//
//	reactorctl wait batch/v1:Job:default:migrate --field status.succeeded --value 1
//	reactorctl watch v1:ConfigMap:default
//	reactorctl publish --broker-config broker.yaml --publisher toJobs '{"id":1}'
//	reactorctl can-i create batch/v1:Job:default
//	reactorctl logs -n default my-pod
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	outputFmt string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "reactorctl",
		Short: "Watch, wait on and react to Kubernetes resources",
		Long: `reactorctl talks to the Kubernetes API server and to the reactor broker.

Resources are addressed as apiVersion:Kind[:namespace[:name]].`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "yaml", "Output format: json, yaml")

	rootCmd.AddCommand(waitCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(canICmd())
	rootCmd.AddCommand(logsCmd())
	return rootCmd
}
