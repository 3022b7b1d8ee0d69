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

// Package config defines the process configuration, read once at startup
// from flags and optionally a TOML file. It is immutable afterwards.
package config

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

// Defaults mirrored by the command-line flags.
const (
	DefaultBind                = "0.0.0.0:1100"
	DefaultHealthCheckInterval = 10
	DefaultHealthCheckPath     = "/"
	DefaultPolicy              = "random"
)

// Config carries everything the proxy needs for its process lifetime.
type Config struct {
	// Bind is the address the proxy listens on.
	Bind string `toml:"bind"`

	// Upstreams are the origin servers requests are forwarded to. At least
	// one is required.
	Upstreams []string `toml:"upstreams"`

	// HealthCheckInterval is the number of seconds between active health
	// check cycles.
	HealthCheckInterval int `toml:"active_health_check_interval"`

	// HealthCheckPath is the request path probed on each upstream.
	HealthCheckPath string `toml:"active_health_check_path"`

	// MaxRequestsPerMinute limits requests per client IP; 0 disables it.
	MaxRequestsPerMinute int `toml:"max_requests_per_minute"`

	// Policy names the upstream selection policy.
	Policy string `toml:"policy"`

	// Admin, when non-empty, is the address of the admin/metrics endpoint.
	Admin string `toml:"admin"`

	// LogFile, when non-empty, is a path that logs are also written to,
	// size-rotated. Logs always go to stderr.
	LogFile string `toml:"log_file"`
}

// Default returns the configuration used when no flags or file override it.
func Default() Config {
	return Config{
		Bind:                DefaultBind,
		HealthCheckInterval: DefaultHealthCheckInterval,
		HealthCheckPath:     DefaultHealthCheckPath,
		Policy:              DefaultPolicy,
	}
}

// Load reads a TOML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("loading config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unrecognized config key '%s' in %s", undecoded[0], path)
	}
	return cfg, nil
}

// Validate rejects configurations the proxy cannot start with.
func (c Config) Validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New("at least one upstream server must be specified")
	}
	if c.Bind == "" {
		return errors.New("bind address must not be empty")
	}
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive, got %d", c.HealthCheckInterval)
	}
	if c.MaxRequestsPerMinute < 0 {
		return fmt.Errorf("max requests per minute must not be negative, got %d", c.MaxRequestsPerMinute)
	}
	return nil
}
