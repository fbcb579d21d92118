package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/recall-proxy/recall/internal/config"
)

// defaultConfigPath is consulted when --config is not given; a missing
// file is fine and falls back to built-in defaults.
const defaultConfigPath = "configs/recall.yaml"

func newStartCmd() *cobra.Command {
	var (
		configPath      string
		upstreamURL     string
		upstreamTimeout time.Duration
		host            string
		port            int
		cacheDir        string
		freshCache      bool
		usageDSN        string
		quiet           bool
		verbose         bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				if _, err := os.Stat(defaultConfigPath); err == nil {
					path = defaultConfigPath
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			// Flags override the config file when set explicitly.
			flags := cmd.Flags()
			if flags.Changed("upstream-url") {
				cfg.Upstream.URL = upstreamURL
			}
			if flags.Changed("upstream-timeout") {
				cfg.Upstream.Timeout = upstreamTimeout
			}
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("cache-dir") {
				cfg.Cache.Dir = cacheDir
			}
			if flags.Changed("fresh-cache") {
				cfg.Cache.Fresh = freshCache
			}
			if flags.Changed("usage-dsn") {
				cfg.Usage.DSN = usageDSN
			}
			if flags.Changed("verbose") {
				cfg.Verbose = verbose
			}

			if cfg.Upstream.URL == "" {
				return fmt.Errorf("upstream URL required: pass --upstream-url or set upstream.url in the config file")
			}
			return run(cfg, quiet)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&upstreamURL, "upstream-url", "", "base URL of the upstream generation server")
	cmd.Flags().DurationVar(&upstreamTimeout, "upstream-timeout", 300*time.Second, "timeout for upstream generation calls")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	cmd.Flags().IntVar(&port, "port", 30001, "listen port")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory for the on-disk cache (default ~/.recall_cache)")
	cmd.Flags().BoolVar(&freshCache, "fresh-cache", false, "discard any existing cache on startup")
	cmd.Flags().StringVar(&usageDSN, "usage-dsn", "", "SQLite path for the usage log; empty disables")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "log warnings and errors only")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log at debug level")
	return cmd
}
