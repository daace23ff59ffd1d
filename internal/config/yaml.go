// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"pitchtoy/internal/log"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PITCHTOY_"

var logger = log.Component("config")

// candidatePaths lists the locations searched when no path is given.
func candidatePaths() []string {
	paths := []string{"config.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "pitchtoy", "config.yaml"))
	}
	return paths
}

// LoadConfig loads configuration from a YAML file specified by path. If path
// is empty it searches the default locations, and if no file is found it
// uses built-in defaults. Environment overrides are applied last, then the
// result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	if path == "" {
		for _, candidate := range candidatePaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logger.Debugf("loaded %s", path)
	}

	// Apply environment variable overrides AFTER loading from file.
	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides reads PITCHTOY_* variables. A variable that is set but
// cannot be parsed is a *FieldError.
func (cfg *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if val, ok := lookup(EnvPrefix + name); ok {
			*dst = val
			logger.Infof("overriding %s from env: %s", name, val)
		}
	}
	var err error
	parse := func(name string, apply func(string) error) {
		val, ok := lookup(EnvPrefix + name)
		if !ok || err != nil {
			return
		}
		if perr := apply(val); perr != nil {
			err = &FieldError{Field: EnvPrefix + name, Value: val, Reason: perr.Error()}
			return
		}
		logger.Infof("overriding %s from env: %s", name, val)
	}
	boolean := func(dst *bool) func(string) error {
		return func(s string) error {
			b, perr := strconv.ParseBool(s)
			*dst = b
			return perr
		}
	}
	integer := func(dst *int) func(string) error {
		return func(s string) error {
			n, perr := strconv.Atoi(s)
			*dst = n
			return perr
		}
	}
	duration := func(dst *time.Duration) func(string) error {
		return func(s string) error {
			d, perr := time.ParseDuration(s)
			*dst = d
			return perr
		}
	}

	parse("DEBUG", boolean(&cfg.Debug))
	str("LOG_LEVEL", &cfg.LogLevel)

	parse("INPUT_DEVICE", integer(&cfg.Audio.InputDevice))
	parse("OUTPUT_DEVICE", integer(&cfg.Audio.OutputDevice))
	parse("SAMPLE_RATE", func(s string) error {
		f, perr := strconv.ParseFloat(s, 64)
		cfg.Audio.SampleRate = f
		return perr
	})
	parse("SYNTHETIC", boolean(&cfg.Audio.Synthetic))

	str("TUNING", &cfg.Analysis.Tuning)
	str("ROOT", &cfg.Analysis.Root)

	parse("HTTP_ENABLED", boolean(&cfg.Transport.HTTPEnabled))
	str("HTTP_ADDRESS", &cfg.Transport.HTTPAddress)
	parse("UDP_ENABLED", boolean(&cfg.Transport.UDPEnabled))
	str("UDP_TARGET_ADDRESS", &cfg.Transport.UDPTargetAddress)
	parse("UDP_SEND_INTERVAL", duration(&cfg.Transport.UDPSendInterval))
	parse("METRICS_ENABLED", boolean(&cfg.Observe.MetricsEnabled))

	return err
}
