package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediagate/pkg/config"
	"mediagate/pkg/credentials"
	"mediagate/pkg/logger"
)

var (
	servePort         int
	serveMainURL      string
	serveCDNURL       string
	serveCacheMax     string
	serveSingleFlight bool
	serveMaxRetries   int
	serveEgress       bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	Long: `Run the HTTP gateway until interrupted.

Endpoints:
  GET  /image/preview/{id}   GET  /image/full/{id}
  GET  /video/preview/{id}   GET  /video/full/{id}
  POST /preflight            GET  /suggestion/{id}
  POST /prefetch             GET  /stats
  GET  /metrics              GET  /healthz`,
	Example: `  # Serve with upstream hosts from the environment
  MAIN_URL=https://site.example/ MAIN_CDN=https://cdn.example/ mediagate serve

  # Rotate through two proxies and renew their circuits on resets
  MEDIAGATE_EGRESS_IDENTITIES="socks5h://127.0.0.1:9050|127.0.0.1:9051,socks5h://127.0.0.1:9060|127.0.0.1:9061" \
    mediagate serve --egress --cache-max 512m`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "listen port (default 8000)")
	serveCmd.Flags().StringVar(&serveMainURL, "main-url", "", "site root URL")
	serveCmd.Flags().StringVar(&serveCDNURL, "cdn-url", "", "media CDN root URL")
	serveCmd.Flags().StringVar(&serveCacheMax, "cache-max", "", "RAM cache budget, e.g. 1g or 512m")
	serveCmd.Flags().BoolVar(&serveSingleFlight, "single-flight", false, "collapse concurrent misses for the same image")
	serveCmd.Flags().IntVar(&serveMaxRetries, "max-retries", 0, "fetch attempts per locator")
	serveCmd.Flags().BoolVar(&serveEgress, "egress", false, "route fetches through the configured egress identities")
}

func runServe(cmd *cobra.Command, args []string) error {
	flags := globalFlags()
	if servePort > 0 {
		flags["port"] = servePort
	}
	if serveMainURL != "" {
		flags["main-url"] = serveMainURL
	}
	if serveCDNURL != "" {
		flags["cdn-url"] = serveCDNURL
	}
	if serveCacheMax != "" {
		flags["cache-max"] = serveCacheMax
	}
	if cmd.Flags().Changed("single-flight") {
		flags["single-flight"] = serveSingleFlight
	}
	if serveMaxRetries > 0 {
		flags["max-retries"] = serveMaxRetries
	}
	if cmd.Flags().Changed("egress") {
		flags["egress"] = serveEgress
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		printer.Error("Failed to load configuration", err)
		return err
	}

	if err := logger.Initialize(&cfg.Logging); err != nil {
		printer.Error("Failed to initialize logger", err)
		return err
	}
	log := logger.GetLogger()

	var secrets secretSource
	if cfg.Credentials.UseStore {
		manager, err := credentials.NewManager()
		if err != nil {
			log.WithError(err).Warn("credential store unavailable, using configured secrets only")
		} else {
			secrets = manager
		}
	}

	a, err := buildApp(cfg, secrets, log)
	if err != nil {
		printer.Error("Failed to start gateway", err)
		return err
	}

	printer.Logo()
	printer.Info("Listening", a.server.Addr)
	printer.Info("Upstream", cfg.Upstream.CDNURL)
	printer.Info("Cache", cfg.Cache.Max)
	if a.transports.Len() > 0 {
		printer.Info("Egress", formatCount(a.transports.Len(), "identity", "identities"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("gateway stopped with error")
		return err
	}
	printer.Success("Gateway stopped")
	return nil
}
