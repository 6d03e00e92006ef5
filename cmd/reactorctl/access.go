package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/potooio/reactor/internal/kube"
)

// AccessResult is the result of a can-i command.
type AccessResult struct {
	Verb     string          `json:"verb"`
	Resource kube.Descriptor `json:"resource"`
	User     string          `json:"user,omitempty"`
	Groups   []string        `json:"groups,omitempty"`
	Allowed  bool            `json:"allowed"`
}

func canICmd() *cobra.Command {
	var (
		as       string
		asGroups []string
		list     bool
	)

	cmd := &cobra.Command{
		Use:   "can-i VERB DESCRIPTOR",
		Short: "Check whether an action is allowed",
		Long: `Ask the API server whether you, or another subject, may perform an action.

With --list, print every rule you have in the namespace of DESCRIPTOR.

Examples:
  # Can I create Jobs in default?
  reactorctl can-i create batch/v1:Job:default

  # Can the ci service account delete ConfigMaps?
  reactorctl can-i delete v1:ConfigMap:default --as system:serviceaccount:ci:runner

  # What may I do in default?
  reactorctl can-i --list v1:Pod:default`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			if list {
				desc, err := kube.ParseDescriptor(args[len(args)-1])
				if err != nil {
					return err
				}
				rules, err := client.MyAccessRules(cmd.Context(), desc.Namespace)
				if err != nil {
					return err
				}
				return outputResult(cmd.OutOrStdout(), rules, outputFmt)
			}

			if len(args) != 2 {
				return fmt.Errorf("expected VERB and DESCRIPTOR")
			}
			desc, err := kube.ParseDescriptor(args[1])
			if err != nil {
				return err
			}
			action := kube.ReviewAction{
				APIVersion: desc.APIVersion,
				Kind:       desc.Kind,
				Namespace:  desc.Namespace,
				Verb:       args[0],
				User:       as,
				Groups:     asGroups,
			}

			var allowed bool
			if as != "" || len(asGroups) > 0 {
				allowed, err = client.CanThey(cmd.Context(), action)
			} else {
				allowed, err = client.CanI(cmd.Context(), action)
			}
			if err != nil {
				return err
			}
			return outputResult(cmd.OutOrStdout(), AccessResult{
				Verb:     action.Verb,
				Resource: desc,
				User:     as,
				Groups:   asGroups,
				Allowed:  allowed,
			}, outputFmt)
		},
	}

	cmd.Flags().StringVar(&as, "as", "", "User to check the action for")
	cmd.Flags().StringSliceVar(&asGroups, "as-group", nil, "Group to check the action for (repeatable)")
	cmd.Flags().BoolVar(&list, "list", false, "List your rules in the namespace instead")

	return cmd
}

func logsCmd() *cobra.Command {
	var (
		namespace string
		container string
	)

	cmd := &cobra.Command{
		Use:   "logs POD",
		Short: "Print the logs of a pod container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := getClient()
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}
			logs, err := client.Logs(cmd.Context(), namespace, args[0], container)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), logs)
			return err
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "Namespace of the pod")
	cmd.Flags().StringVarP(&container, "container", "c", "", "Container name. Defaults to the only container")

	return cmd
}
