// Package config provides configuration parsing and validation for echotun.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete responder configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Echo     EchoConfig     `yaml:"echo"`
	Logging  LoggingConfig  `yaml:"logging"`
	Health   HealthConfig   `yaml:"health"`
}

// DeviceConfig describes the tun interface and the routing installed for it.
type DeviceConfig struct {
	Name            string `yaml:"name"`              // requested interface name
	Path            string `yaml:"path"`              // tun control device
	Address         string `yaml:"address"`           // local address in CIDR form
	Configure       bool   `yaml:"configure"`         // run ip/sysctl on start and stop
	RouteTable      int    `yaml:"route_table"`       // dedicated routing table
	IngressRulePref int    `yaml:"ingress_rule_pref"` // rule for traffic arriving on the interface
	TableRulePref   int    `yaml:"table_rule_pref"`   // rule sending traffic into route_table
	FwMark          uint32 `yaml:"fwmark"`            // 0 = unmarked rule
}

// DispatchConfig selects the loop topology and sizes.
type DispatchConfig struct {
	Topology   string `yaml:"topology"`    // single, pipelined
	QueueDepth int    `yaml:"queue_depth"` // per hand-off queue
	BufferSize int    `yaml:"buffer_size"` // raised to the device MTU when smaller
}

// EchoConfig controls the echo rewriter.
type EchoConfig struct {
	VerifyChecksums bool    `yaml:"verify_checksums"`
	RateLimit       float64 `yaml:"rate_limit"` // replies per second, 0 = unlimited
	RateBurst       int     `yaml:"rate_burst"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level       string        `yaml:"level"`  // debug, info, warn, error
	Format      string        `yaml:"format"` // text, json, auto
	PacketTrace bool          `yaml:"packet_trace"`
	File        LogFileConfig `yaml:"file"`
}

// LogFileConfig enables a rotating log file when Path is set.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:            "tun0",
			Path:            "/dev/net/tun",
			Address:         "172.32.0.1/24",
			Configure:       true,
			RouteTable:      100,
			IngressRulePref: 10,
			TableRulePref:   100,
		},
		Dispatch: DispatchConfig{
			Topology:   "single",
			QueueDepth: 64,
			BufferSize: 0,
		},
		Echo: EchoConfig{
			VerifyChecksums: true,
			RateLimit:       0,
			RateBurst:       16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9310",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown plain
// references are left as they are.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Device
	if c.Device.Name == "" {
		errs = append(errs, "device.name is required")
	} else if len(c.Device.Name) >= 16 {
		errs = append(errs, fmt.Sprintf("device.name %q is longer than 15 bytes", c.Device.Name))
	}
	if c.Device.Path == "" {
		errs = append(errs, "device.path is required")
	}
	if _, err := c.Device.Prefix(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Device.Configure {
		if c.Device.RouteTable < 1 || c.Device.RouteTable > 252 {
			errs = append(errs, "device.route_table must be between 1 and 252")
		}
		if c.Device.IngressRulePref < 1 || c.Device.TableRulePref < 1 {
			errs = append(errs, "device rule preferences must be positive")
		} else if c.Device.IngressRulePref == c.Device.TableRulePref {
			errs = append(errs, "device.ingress_rule_pref and device.table_rule_pref must differ")
		}
	}

	// Dispatch
	switch c.Dispatch.Topology {
	case "single", "pipelined":
	default:
		errs = append(errs, fmt.Sprintf("invalid dispatch.topology: %s (must be single or pipelined)", c.Dispatch.Topology))
	}
	if c.Dispatch.QueueDepth < 1 {
		errs = append(errs, "dispatch.queue_depth must be positive")
	}
	if c.Dispatch.BufferSize != 0 && (c.Dispatch.BufferSize < 68 || c.Dispatch.BufferSize > 65535) {
		errs = append(errs, "dispatch.buffer_size must be 0 or between 68 and 65535")
	}

	// Echo
	if c.Echo.RateLimit < 0 {
		errs = append(errs, "echo.rate_limit must not be negative")
	}
	if c.Echo.RateLimit > 0 && c.Echo.RateBurst < 1 {
		errs = append(errs, "echo.rate_burst must be positive when rate_limit is set")
	}

	// Logging
	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("invalid logging.format: %s (must be text, json, or auto)", c.Logging.Format))
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB < 1 {
		errs = append(errs, "logging.file.max_size_mb must be positive")
	}

	// Health
	if c.Health.Enabled {
		if _, _, err := net.SplitHostPort(c.Health.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid health.address: %s", c.Health.Address))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Prefix parses Address as an IPv4 prefix.
func (d DeviceConfig) Prefix() (netip.Prefix, error) {
	p, err := netip.ParsePrefix(d.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid device.address: %s", d.Address)
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("device.address must be IPv4: %s", d.Address)
	}
	return p, nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json", "auto":
		return true
	default:
		return false
	}
}

// String returns the configuration as YAML.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
