// Package config loads the channel configuration: compiled-in defaults,
// then an optional YAML file, then CHANNEL_* environment variables.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"channel/internal/client"
	"channel/internal/logging"
	"channel/internal/monitor"
	"channel/internal/server"

	"gopkg.in/yaml.v3"
)

// EnvPath names the variable consulted when no --config flag is given.
const EnvPath = "CHANNEL_CONFIG"

// Config is the whole configuration file.
type Config struct {
	Server  server.Config  `yaml:"server"`
	Client  client.Config  `yaml:"client"`
	Log     logging.Config `yaml:"log"`
	Monitor monitor.Config `yaml:"monitor"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server:  server.DefaultConfig(),
		Client:  client.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
	}
}

// Load reads the file at path over the defaults and applies environment
// overrides. An empty path skips the file. The result is not validated;
// callers apply flags first and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("apply environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("CHANNEL_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("CHANNEL_ADDRESS"); v != "" {
		cfg.Client.Address = v
	}
	if v := os.Getenv("CHANNEL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("CHANNEL_DROP"); v != "" {
		drop, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CHANNEL_DROP: %w", err)
		}
		cfg.Server.Drop = drop
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is empty"))
	}
	if c.Server.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("server.queue_capacity must be positive, got %d", c.Server.QueueCapacity))
	}
	if c.Server.MaxFrameSize < 1 {
		errs = append(errs, fmt.Errorf("server.max_frame_size must be positive, got %d", c.Server.MaxFrameSize))
	}
	if c.Server.AcceptPoll <= 0 {
		errs = append(errs, errors.New("server.accept_poll must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if c.Server.DrainTimeout < 0 {
		errs = append(errs, errors.New("server.drain_timeout must not be negative"))
	}
	if c.Client.Address == "" {
		errs = append(errs, errors.New("client.address is empty"))
	}
	if c.Client.MaxPayload < 1 {
		errs = append(errs, fmt.Errorf("client.max_payload must be positive, got %d", c.Client.MaxPayload))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Monitor.Addr != "" && c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor.interval must be positive"))
	}
	return errors.Join(errs...)
}
