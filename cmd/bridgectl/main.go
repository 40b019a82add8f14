// Command bridgectl is the short-lived CLI client: it sends one REQUEST (or
// LIST_INSTANCES/SET_DEFAULT) to a running relay broker and exits with a
// code describing the outcome
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/client"
	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/logging"
)

var (
	relayAddr string
	instance  string
	logLevel  string
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(client.ExitUsageError)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "bridgectl sends commands to a Unity editor instance through the relay broker",
	}

	root.PersistentFlags().StringVar(&relayAddr, "relay-addr", config.EnvOrDefault("RELAY_ADDR", fmt.Sprintf("127.0.0.1:%d", config.DefaultRelayPort)), "relay broker TCP address")
	root.PersistentFlags().StringVar(&instance, "instance", "", "target instance_id (empty targets the current default)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", config.EnvOrDefault("RELAY_LOG_LEVEL", "warn"), "log level (debug, info, warn, error)")

	root.AddCommand(newCallCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newSetDefaultCmd())
	return root
}

func newEngine() (*client.Engine, *zap.Logger, error) {
	logger, err := logging.New(logLevel, true)
	if err != nil {
		return nil, nil, err
	}
	return client.New(relayAddr, logger), logger, nil
}

func newCallCmd() *cobra.Command {
	var paramsJSON string
	var timeoutMs int64

	cmd := &cobra.Command{
		Use:   "call <command>",
		Short: "Send a command and print its result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					fmt.Fprintf(os.Stderr, "bridgectl: invalid --params JSON: %v\n", err)
					os.Exit(client.ExitUsageError)
				}
			}

			engine, logger, err := newEngine()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			result := engine.Call(context.Background(), instance, args[0], params, timeoutMs)
			printResult(result)
			os.Exit(result.ExitCode())
			return nil
		},
	}
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON object of command parameters")
	cmd.Flags().Int64Var(&timeoutMs, "timeout-ms", 0, "per-command timeout override in milliseconds (0 = broker default)")
	return cmd
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List instances currently registered with the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := newEngine()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			instances, err := engine.ListInstances(context.Background())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(client.ExitBrokerUnreachable)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(instances)
			return nil
		},
	}
}

func newSetDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-default <instance_id>",
		Short: "Set the default instance a bare call targets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := newEngine()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if err := engine.SetDefault(context.Background(), args[0]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(client.ExitBrokerUnreachable)
			}
			return nil
		},
	}
}

func printResult(result client.Result) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if result.Success {
		_ = enc.Encode(map[string]any{"success": true, "data": result.Data, "attempts": result.Attempts})
		return
	}
	_ = enc.Encode(map[string]any{"success": false, "error": result.Error, "attempts": result.Attempts})
}
