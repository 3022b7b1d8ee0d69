// Copyright 2026 The Lodestar Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lodestarcmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lodestar-proxy/lodestar/admin"
	"github.com/lodestar-proxy/lodestar/config"
	"github.com/lodestar-proxy/lodestar/proxy"
	"github.com/lodestar-proxy/lodestar/ratelimit"
)

func rootCommand(logger *zap.Logger) *cobra.Command {
	var configFile string
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:   "lodestar",
		Short: "HTTP/1.x reverse-proxy load balancer",
		Long: `Lodestar is an HTTP/1.x reverse-proxy load balancer.

It accepts client connections on a bound address, forwards each request to
one of the configured upstream origin servers, and streams the response
back. Upstreams that fail to answer are evicted from rotation; a background
health checker probes every configured upstream on an interval and restores
the ones that answer 200. An optional per-client rate limiter rejects
requests over quota with 429 without closing the connection.

Upstreams are given with repeated --upstream flags:

	$ lodestar --bind 0.0.0.0:1100 --upstream 10.0.0.2:8080 --upstream 10.0.0.3:8080

All flags can also be set in a TOML file passed with --config; explicit
flags win over file values. Log verbosity is controlled with the ` + LogLevelEnv + `
environment variable (debug, info, warn, error).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				applyFlagOverrides(cmd.Flags(), &cfg, &loaded)
				cfg = loaded
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cfg, logger)
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&cfg.Bind, "bind", "b", cfg.Bind, "IP/port to bind to")
	fs.StringArrayVarP(&cfg.Upstreams, "upstream", "u", nil, "upstream host to forward requests to (repeatable)")
	fs.IntVar(&cfg.HealthCheckInterval, "active-health-check-interval", cfg.HealthCheckInterval, "perform active health checks on this interval (in seconds)")
	fs.StringVar(&cfg.HealthCheckPath, "active-health-check-path", cfg.HealthCheckPath, "path to send request to for active health checks")
	fs.IntVar(&cfg.MaxRequestsPerMinute, "max-requests-per-minute", cfg.MaxRequestsPerMinute, "maximum number of requests to accept per IP per minute (0 = unlimited)")
	fs.StringVar(&cfg.Policy, "policy", cfg.Policy, "upstream selection policy (random, round_robin, first)")
	fs.StringVar(&cfg.Admin, "admin", cfg.Admin, "address for the admin/metrics endpoint (empty = disabled)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "also write logs to this file, size-rotated (empty = stderr only)")
	fs.StringVar(&configFile, "config", "", "TOML config file to load before applying flags")

	return cmd
}

// applyFlagOverrides copies explicitly-set flag values over the file-loaded
// configuration, so the precedence is flags > file > defaults.
func applyFlagOverrides(fs *pflag.FlagSet, flagCfg, fileCfg *config.Config) {
	if fs.Changed("bind") {
		fileCfg.Bind = flagCfg.Bind
	}
	if fs.Changed("upstream") {
		fileCfg.Upstreams = flagCfg.Upstreams
	}
	if fs.Changed("active-health-check-interval") {
		fileCfg.HealthCheckInterval = flagCfg.HealthCheckInterval
	}
	if fs.Changed("active-health-check-path") {
		fileCfg.HealthCheckPath = flagCfg.HealthCheckPath
	}
	if fs.Changed("max-requests-per-minute") {
		fileCfg.MaxRequestsPerMinute = flagCfg.MaxRequestsPerMinute
	}
	if fs.Changed("policy") {
		fileCfg.Policy = flagCfg.Policy
	}
	if fs.Changed("admin") {
		fileCfg.Admin = flagCfg.Admin
	}
	if fs.Changed("log-file") {
		fileCfg.LogFile = flagCfg.LogFile
	}
}

// run assembles the proxy from cfg and serves until a listener fails.
// Termination in steady state is by signal; there is no graceful shutdown.
func run(cfg config.Config, logger *zap.Logger) error {
	if cfg.LogFile != "" {
		logger = withFileLogging(logger, cfg.LogFile)
	}

	policy, err := proxy.PolicyByName(cfg.Policy)
	if err != nil {
		return err
	}

	pool := proxy.NewUpstreamPool(cfg.Upstreams, policy, logger.Named("pool"))
	checker := proxy.NewHealthChecker(
		pool,
		time.Duration(cfg.HealthCheckInterval)*time.Second,
		cfg.HealthCheckPath,
		logger.Named("health"),
	)
	limiter := ratelimit.New(cfg.MaxRequestsPerMinute)
	srv := proxy.NewServer(pool, limiter, checker, logger.Named("proxy"))

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return srv.ListenAndServe(cfg.Bind)
	})
	if cfg.Admin != "" {
		adm := admin.NewServer(pool, logger.Named("admin"))
		g.Go(func() error {
			return adm.ListenAndServe(cfg.Admin)
		})
	}
	// The first listener failure ends the run, even while the other
	// listener is still serving.
	<-ctx.Done()
	return context.Cause(ctx)
}
