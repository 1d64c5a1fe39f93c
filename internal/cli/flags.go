// Package cli binds command-line flags onto the hub and client
// configuration. Flags override the file and environment only when given.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/relayhub/internal/config"
)

// Version is set via ldflags.
var Version = "dev"

// HubFlags are the hub's command-line overrides.
type HubFlags struct {
	ConfigPath string
	Addr       string
	LogLevel   string
	DBPath     string
}

// BindHubFlags registers the hub flags on cmd.
func BindHubFlags(cmd *cobra.Command) *HubFlags {
	f := &HubFlags{}
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", "", "YAML config file (or HUB_CONFIG env var)")
	cmd.Flags().StringVar(&f.Addr, "addr", "", "listen address (or HUB_ADDR env var)")
	cmd.Flags().StringVar(&f.LogLevel, "log-level", "", "log level (or LOG_LEVEL env var)")
	cmd.Flags().StringVar(&f.DBPath, "db", "", "presence audit database path (or HUB_DB_PATH env var)")
	return f
}

// Load resolves the hub configuration and applies the flags that were set.
func (f *HubFlags) Load(cmd *cobra.Command) (*config.HubConfig, error) {
	path := os.Getenv("HUB_CONFIG")
	if cmd.Flags().Changed("config") {
		path = f.ConfigPath
	}
	cfg, err := config.LoadHubFile(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("addr") {
		cfg.Addr = f.Addr
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if cmd.Flags().Changed("db") {
		cfg.DBPath = f.DBPath
	}
	return cfg, nil
}

// ClientFlags are the agent and dashboard command-line overrides.
type ClientFlags struct {
	ConfigPath string
	HubURL     string
	Token      string
	LogLevel   string

	// Agent identity. Only bound for agents.
	DeviceID string
	Name     string
}

// BindClientFlags registers the client flags on cmd's persistent flag set so
// subcommands share them. Identity flags are added when agent is true.
func BindClientFlags(cmd *cobra.Command, agent bool) *ClientFlags {
	f := &ClientFlags{}
	flags := cmd.PersistentFlags()
	flags.StringVarP(&f.ConfigPath, "config", "c", "", "YAML config file (or CLIENT_CONFIG env var)")
	flags.StringVar(&f.HubURL, "hub", "", "hub URL (or HUB_URL env var)")
	flags.StringVar(&f.Token, "token", "", "handshake token (or HUB_TOKEN env var)")
	flags.StringVar(&f.LogLevel, "log-level", "", "log level (or LOG_LEVEL env var)")
	if agent {
		flags.StringVar(&f.DeviceID, "device-id", "", "stable device id (or AGENT_DEVICE_ID env var)")
		flags.StringVar(&f.Name, "name", "", "display name (or AGENT_NAME env var)")
	}
	return f
}

// Load resolves the client configuration, applies the flags that were set
// and validates the result.
func (f *ClientFlags) Load(cmd *cobra.Command) (*config.ClientConfig, error) {
	flags := cmd.Flags()

	path := os.Getenv("CLIENT_CONFIG")
	if flags.Changed("config") {
		path = f.ConfigPath
	}
	cfg, err := config.ReadClientFile(path)
	if err != nil {
		return nil, err
	}

	if flags.Changed("hub") {
		cfg.HubURL = f.HubURL
	}
	if flags.Changed("token") {
		cfg.Token = f.Token
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.LogLevel
	}
	if flags.Changed("device-id") {
		cfg.DeviceID = f.DeviceID
	}
	if flags.Changed("name") {
		cfg.Name = f.Name
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
