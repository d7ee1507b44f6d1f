package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zenvor/remote-upgrader/internal/agent"
	"github.com/zenvor/remote-upgrader/internal/config"
	"github.com/zenvor/remote-upgrader/pkg/logger"
)

// CLI is the command-line surface of the upgrade agent: start the
// connect/reconnect loop, print build info, or validate a config file
// without starting anything.
type CLI struct {
	configPath string
}

// NewCLI builds the CLI's cobra command tree.
func NewCLI() *CLI {
	return &CLI{}
}

// GetRootCommand returns the root "agent" command with its subcommands attached.
func (c *CLI) GetRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agent",
		Short: "Device-side upgrade agent",
		Long:  "Maintains a persistent connection to the control plane and applies upgrade/rollback commands to local project deployments.",
	}

	rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "path to the agent's YAML config file")

	rootCmd.AddCommand(
		c.startCommand(),
		c.versionCommand(),
		c.validateConfigCommand(),
	)

	return rootCmd
}

func (c *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *CLI) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Connect to the control plane and run until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			log := logger.NewLogger(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				Output:     cfg.Log.Output,
				Filename:   cfg.Log.Filename,
				MaxSize:    cfg.Log.MaxSize,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAge:     cfg.Log.MaxAge,
				Compress:   cfg.Log.Compress,
			})

			a, err := agent.New(cfg, log)
			if err != nil {
				return fmt.Errorf("build agent: %w", err)
			}

			log.Info("starting upgrade agent", "deviceId", a.DeviceID(), "version", agent.AgentVersion)
			return a.Run(cmd.Context())
		},
	}
}

func (c *CLI) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent's build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(agent.AgentVersion)
			return nil
		},
	}
}

func (c *CLI) validateConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the config file without starting the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "config OK: server=%s frontend=%s backend=%s\n",
				cfg.Server.URL, cfg.Paths.FrontendDeploy, cfg.Paths.BackendDeploy)
			return nil
		},
	}
}
