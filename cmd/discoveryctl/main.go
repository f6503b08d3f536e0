// discoveryctl is a small operational CLI for the discovery library:
// resolve an instance the way an embedding application would, dump a
// service's route rules, or validate a configuration file.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	discovery "github.com/flowmesh/discovery"
)

func configureLogger(json bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	var (
		configPath string
		jsonLogs   bool
	)

	root := &cobra.Command{
		Use:           "discoveryctl",
		Short:         "Inspect and exercise a discovery configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			configureLogger(jsonLogs)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "discovery.yaml", "path to the configuration document")
	root.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit JSON log lines")

	root.AddCommand(newValidateCmd(&configPath))
	root.AddCommand(newResolveCmd(&configPath))
	root.AddCommand(newRouteRuleCmd(&configPath))

	if err := root.Execute(); err != nil {
		slog.Error("discoveryctl failed", "error", err)
		os.Exit(1)
	}
}

func newConsumer(configPath string) (*discovery.Consumer, error) {
	cfg, err := discovery.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return discovery.New(discovery.Options{Configuration: cfg})
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Parse the configuration document and report problems",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := discovery.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if len(cfg.Global.ServerConnector.Addresses) == 0 {
				return fmt.Errorf("global.serverConnector.addresses is empty")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d control-plane endpoints, router chain %v)\n",
				*configPath, len(cfg.Global.ServerConnector.Addresses), cfg.Consumer.ServiceRouter.Chain)
			return nil
		},
	}
}

func newResolveCmd(configPath *string) *cobra.Command {
	var (
		timeout time.Duration
		hashKey string
		backups int
	)
	cmd := &cobra.Command{
		Use:   "resolve <namespace> <service>",
		Short: "Resolve instances of a service through the route chain and balancer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			key := discovery.ServiceKey{Namespace: args[0], Name: args[1]}
			resp, err := c.GetInstances(discovery.GetInstancesRequest{
				Service:           key,
				HashKey:           hashKey,
				BackupInstanceNum: backups,
				Timeout:           timeout,
			})
			if err != nil {
				return err
			}
			for i, inst := range resp.Instances {
				role := "candidate"
				if backups > 0 {
					role = "backup"
					if i == 0 {
						role = "primary"
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-9s %s %s:%d weight=%d\n", role, inst.ID, inst.Host, inst.Port, inst.Weight)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "how long to wait for service data")
	cmd.Flags().StringVar(&hashKey, "hash-key", "", "hash key for consistent-hash balancers")
	cmd.Flags().IntVar(&backups, "backups", 0, "select a primary plus this many backups instead of the full list")
	return cmd
}

func newRouteRuleCmd(configPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "route-rule <namespace> <service>",
		Short: "Print a service's current route rules as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newConsumer(*configPath)
			if err != nil {
				return err
			}
			defer c.Close()

			out, err := c.GetServiceRouteRule(discovery.ServiceKey{Namespace: args[0], Name: args[1]}, timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "how long to wait for route-rule data")
	return cmd
}
