package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mediagate/pkg/config"
	"mediagate/pkg/credentials"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage mediagate configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables
  - Configuration file
  - Default values (lowest priority)`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example configuration file",
	Long: `Create an example configuration file with all available options.

The file is created as 'mediagate.yaml' in the current directory unless a
different path is given with --config.`,
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the configuration after merging every source.

Bearer tokens and the control password are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

const exampleConfig = `# mediagate configuration
#
# Every value can also be set through MEDIAGATE_* environment variables.
# MAIN_URL and MAIN_CDN are accepted for the two upstream hosts.

server:
  port: 8000
  # "*" allows any origin
  allowed_origins: ["*"]
  read_header_timeout: 10s
  shutdown_timeout: 10s

upstream:
  main_url: "https://site.example/"
  cdn_url: "https://cdn.example/"
  api_timeout: 15s
  # 0 disables pacing of site API calls
  api_requests_per_minute: 60

cache:
  # RAM budget; one entry larger than the budget is still kept
  max: "1g"
  single_flight: false
  disk:
    # Leave empty to disable the leveldb spill tier
    path: ""
    max: "4g"

egress:
  enabled: false
  settle_delay: 1.5s
  dial_timeout: 10s
  # control_password: ""   # or: mediagate auth control-password
  identities:
    - name: tor-a
      proxy: "socks5h://127.0.0.1:9050"
      control: "127.0.0.1:9051"

fetch:
  max_retries: 6
  image_timeout: 10s
  # bounds the wait for response headers only
  video_timeout: 60s

credentials:
  bearers: []
  # merge tokens stored with 'mediagate auth add-token'
  use_store: true

prefetch:
  workers: 3
  queue_size: 256
  requests_per_minute: 120

metrics:
  enabled: true
  namespace: "mediagate"

logging:
  level: "info"
  file: ""
  stats_interval: 0s
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configPath := configFile
	if configPath == "" {
		configPath = "mediagate.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		printer.Error("Configuration file already exists", configPath)
		printer.Plain("\nTo overwrite, first remove the existing file:\n  rm %s\n", configPath)
		return fmt.Errorf("%s exists", configPath)
	}

	if dir := filepath.Dir(configPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0600); err != nil {
		printer.Error("Failed to create configuration file", err)
		return err
	}

	printer.Success("Configuration file created: " + configPath)
	printer.Plain("\nNext steps:\n")
	printer.Plain("1. Set upstream.main_url and upstream.cdn_url\n")
	printer.Plain("2. Run 'mediagate config validate' to check the configuration\n")
	printer.Plain("3. Start the gateway with 'mediagate serve'\n")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, globalFlags())
	if err != nil {
		printer.Error("Failed to load configuration", err)
		return err
	}

	display := maskSecrets(cfg)
	data, err := yaml.Marshal(display)
	if err != nil {
		printer.Error("Failed to format configuration", err)
		return err
	}

	printer.Highlight("Current Configuration")
	printer.Plain("\n%s", data)

	printer.Plain("\nConfiguration sources (in order of priority):\n")
	printer.Plain("1. Command line flags\n")
	printer.Plain("2. Environment variables (MEDIAGATE_*)\n")
	if configFile != "" {
		printer.Plain("3. Configuration file: %s\n", configFile)
	} else {
		printer.Plain("3. Configuration file: (searched default locations)\n")
	}
	printer.Plain("4. Default values\n")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, globalFlags())
	if err != nil {
		printer.Error("Configuration validation failed", err)
		return err
	}

	var warnings []string
	if len(cfg.Credentials.Bearers) == 0 && !cfg.Credentials.UseStore {
		warnings = append(warnings, "no bearer tokens configured; /preflight and /suggestion calls will be unauthenticated")
	}
	if !cfg.Egress.Enabled {
		warnings = append(warnings, "egress disabled; all fetches use the direct route")
	} else {
		renewable := 0
		for _, id := range cfg.Egress.Identities {
			if id.Control != "" {
				renewable++
			}
		}
		if renewable == 0 {
			warnings = append(warnings, "no identity has a control endpoint; circuits will never be renewed")
		}
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			printer.Error("Cannot create log directory", err)
			return err
		}
	}

	if len(warnings) > 0 {
		printer.Warning("Configuration warnings")
		printer.List(warnings)
		printer.Plain("\n")
	}

	printer.Success("Configuration is valid")
	printer.Plain("\nConfiguration summary:\n")
	printer.Plain("  Listen port: %d\n", cfg.Server.Port)
	printer.Plain("  Site: %s\n", cfg.Upstream.MainURL)
	printer.Plain("  CDN: %s\n", cfg.Upstream.CDNURL)
	printer.Plain("  Cache budget: %s\n", config.FormatBytes(uint64(cfg.CacheMaxBytes())))
	if cfg.Cache.Disk.Path != "" {
		printer.Plain("  Disk tier: %s (%s)\n", cfg.Cache.Disk.Path, config.FormatBytes(uint64(cfg.DiskMaxBytes())))
	}
	printer.Plain("  Egress identities: %d\n", len(cfg.Egress.Identities))
	printer.Plain("  Max retries: %d\n", cfg.Fetch.MaxRetries)
	printer.Plain("  Log level: %s\n", cfg.Logging.Level)
	return nil
}

// maskSecrets returns a copy of cfg safe for display
func maskSecrets(cfg *config.Config) *config.Config {
	display := *cfg
	display.Credentials.Bearers = make([]string, len(cfg.Credentials.Bearers))
	for i, b := range cfg.Credentials.Bearers {
		display.Credentials.Bearers[i] = credentials.Mask(b)
	}
	if cfg.Egress.ControlPassword != "" {
		display.Egress.ControlPassword = credentials.Mask(cfg.Egress.ControlPassword)
	}
	return &display
}
