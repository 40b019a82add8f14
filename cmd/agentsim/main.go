// Command agentsim is a standalone stand-in for the in-editor bridge: it
// registers with a relay broker, answers the demo command set, and treats
// SIGHUP as a Unity domain reload trigger, exercising Agent.Reload.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unity-bridge/relay/internal/agent"
	"github.com/unity-bridge/relay/internal/config"
	"github.com/unity-bridge/relay/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		relayAddr    string
		instanceID   string
		projectName  string
		unityVersion string
		capsCSV      string
		secret       string
		logLevel     string
		development  bool
	)

	root := &cobra.Command{
		Use:   "agentsim",
		Short: "agentsim is a simulated Unity editor agent for exercising the relay broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, development)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			var caps []string
			for _, c := range strings.Split(capsCSV, ",") {
				if c = strings.TrimSpace(c); c != "" {
					caps = append(caps, c)
				}
			}

			a := agent.New(agent.Options{
				RelayAddr:      relayAddr,
				InstanceID:     instanceID,
				ProjectName:    projectName,
				UnityVersion:   unityVersion,
				Capabilities:   caps,
				ProtocolSecret: secret,
				Handlers:       agent.DemoHandlers(),
				Logger:         logger,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			reload := make(chan os.Signal, 1)
			signal.Notify(reload, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-reload:
						logger.Info("received SIGHUP, simulating domain reload")
						if err := a.Reload(); err != nil {
							logger.Warn("reload failed", zap.Error(err))
						}
					}
				}
			}()

			a.Run(ctx)
			a.Shutdown()
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&relayAddr, "relay-addr", config.EnvOrDefault("RELAY_ADDR", fmt.Sprintf("127.0.0.1:%d", config.DefaultRelayPort)), "relay broker TCP address")
	flags.StringVar(&instanceID, "instance-id", config.EnvOrDefault("AGENTSIM_INSTANCE_ID", "agentsim-1"), "instance_id to register as")
	flags.StringVar(&projectName, "project-name", config.EnvOrDefault("AGENTSIM_PROJECT_NAME", "DemoProject"), "project_name to report")
	flags.StringVar(&unityVersion, "unity-version", config.EnvOrDefault("AGENTSIM_UNITY_VERSION", "2022.3.0f1"), "unity_version to report")
	flags.StringVar(&capsCSV, "capabilities", config.EnvOrDefault("AGENTSIM_CAPABILITIES", "ping,echo,sleep"), "comma-separated command capabilities to advertise")
	flags.StringVar(&secret, "secret", config.EnvOrDefault("AGENTSIM_SECRET", ""), "reserved shared-secret field for REGISTER")
	flags.StringVar(&logLevel, "log-level", config.EnvOrDefault("RELAY_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.BoolVar(&development, "development", config.EnvOrDefault("RELAY_DEV", "true") == "true", "use a human-readable console log encoder instead of JSON")

	return root
}
