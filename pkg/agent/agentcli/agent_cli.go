package agentcli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/neuroplastio/keysync/internal/configsvc"
	"github.com/neuroplastio/keysync/pkg/agent"
	"github.com/spf13/cobra"
)

func Main(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	dir, err := os.UserConfigDir()
	if err != nil {
		return err
	}
	cmd := NewRootCmd(filepath.Join(dir, "keysync"))
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}

type agentProvider func() *agent.Agent

func NewRootCmd(configDir string, opts ...agent.Option) *cobra.Command {
	cfg := agent.Config{
		DataDir:    filepath.Join(configDir, "data"),
		ConfigPath: filepath.Join(configDir, "config.yaml"),
		Backend:    agent.DefaultBackend,
		LogLevel:   "info",
		QueueSize:  agent.DefaultQueueSize,
	}
	rootCmd := &cobra.Command{
		Use:           "keysync",
		Short:         "Keyboard synchronization",
		Long:          `keysync shares key presses between machines through a central hub.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var a *agent.Agent
	agentProvider := func() *agent.Agent {
		return a
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "data directory")
	rootCmd.PersistentFlags().StringVar(&cfg.ConfigPath, "config", cfg.ConfigPath, "key mapping config file")
	rootCmd.PersistentFlags().StringVar(&cfg.Backend, "backend", cfg.Backend, "input device backend (evdev, hidraw)")
	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "per-connection event queue size")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		a, err = agent.NewAgent(cfg, opts...)
		return err
	}
	rootCmd.PersistentPostRunE = func(cmd *cobra.Command, args []string) error {
		if a == nil {
			return nil
		}
		return a.Close()
	}
	rootCmd.AddCommand(NewServer(agentProvider))
	rootCmd.AddCommand(NewClient(agentProvider))
	rootCmd.AddCommand(NewListDevices(agentProvider))
	rootCmd.AddCommand(NewConfig(agentProvider))
	return rootCmd
}

func NewServer(agent agentProvider) *cobra.Command {
	var bindAddress string
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the hub",
		Long:  `Accept client connections and relay every key event to all connected clients.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().RunServer(cmd.Context(), bindAddress)
		},
	}
	cmd.Flags().StringVar(&bindAddress, "bind-address", defaultServerAddress, "address to listen on")
	return cmd
}

func NewClient(agent agentProvider) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Synchronize this machine's keyboards",
		Long:  `Send local key events to the hub and type the events received from it on a virtual keyboard.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return agent().RunClient(cmd.Context(), server)
		},
	}
	cmd.Flags().StringVar(&server, "server", defaultClientAddress, "hub address")
	return cmd
}

func NewListDevices(agent agentProvider) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "list-devices",
		Short: "List input devices",
		Long:  `List the input devices the selected backend can see.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := agent().ListDevices(cmd.Context(), history)
			if err != nil {
				return err
			}
			jsonB, err := json.MarshalIndent(devices, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonB))
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include devices seen in earlier runs")
	return cmd
}

func NewConfig(agent agentProvider) *cobra.Command {
	var effective bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the configuration",
		Long:  `Print the default config template, or the parsed config file with --effective.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !effective {
				fmt.Fprint(cmd.OutOrStdout(), defaultTemplate)
				return nil
			}
			cfg, err := agent().LoadSyncConfig()
			if err != nil {
				return err
			}
			yamlB, err := configsvc.Dump(cfg)
			if err != nil {
				return err
			}
			cmd.OutOrStdout().Write(yamlB)
			return nil
		},
	}
	cmd.Flags().BoolVar(&effective, "effective", false, "print the parsed config file")
	return cmd
}

const (
	defaultServerAddress = agent.DefaultServerAddress
	defaultClientAddress = agent.DefaultClientAddress
	defaultTemplate      = agent.DefaultTemplate
)
