package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultDeviceType is the printer model assumed when BAMBULAB_TYPES has no entry.
const DefaultDeviceType = "X1C"

// Config is the root configuration structure for the Bambu LAN bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Printers   PrintersConfig   `yaml:"printers"`
	Connection ConnectionConfig `yaml:"connection"`
	Cloud      CloudConfig      `yaml:"cloud"`
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`

	// Warnings collects non-fatal problems found while loading (invalid
	// segments, ignored origins, defaulted types). They are logged by the
	// caller once a logger is available.
	Warnings []string `yaml:"-"`
}

// PrintersConfig holds the per-printer attribute maps, keyed by printer name.
// Hosts, Serials and AccessCodes must cover the same name set.
type PrintersConfig struct {
	Hosts       map[string]string `yaml:"hosts"`
	Serials     map[string]string `yaml:"serials"`
	AccessCodes map[string]string `yaml:"access_codes"`
	Types       map[string]string `yaml:"types"`

	// AutoConnect connects every printer at startup instead of on first use.
	AutoConnect bool `yaml:"auto_connect"`

	// ReconnectSchedule is an optional cron spec (e.g. "@every 1m") that
	// re-runs the startup warm-up. Only used when AutoConnect is set.
	ReconnectSchedule string `yaml:"reconnect_schedule"`
}

// ConnectionConfig controls the connect-and-wait phase of a printer connection.
// Values are seconds.
type ConnectionConfig struct {
	Interval float64 `yaml:"interval"`
	Timeout  float64 `yaml:"timeout"`
}

// CloudConfig carries the account fields accepted by the device backend.
// LAN-only deployments leave everything but Region blank.
type CloudConfig struct {
	Region    string `yaml:"region"`
	Email     string `yaml:"email"`
	Username  string `yaml:"username"`
	AuthToken string `yaml:"auth_token"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	APIKey   string           `yaml:"api_key"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// DatabaseConfig contains SQLite settings for the audit trail.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// MetricsConfig contains Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// DefaultAllowedOrigins are used when no valid CORS origin is configured.
var DefaultAllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("configuration errors")

// printerNamePattern restricts names to characters that are safe in URL paths.
var printerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Load reads configuration from an optional YAML file and applies environment
// variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (skipped when path is empty)
//  3. Environment variables (override file values)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If the file cannot be read or parsed, an environment value is
//     malformed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("printer configuration invalid: %w", err)
	}

	cfg.API.CORS.AllowedOrigins = cfg.filterOrigins(cfg.API.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Printers: PrintersConfig{
			Hosts:       map[string]string{},
			Serials:     map[string]string{},
			AccessCodes: map[string]string{},
			Types:       map[string]string{},
		},
		Connection: ConnectionConfig{
			Interval: 0.1,
			Timeout:  5,
		},
		Cloud: CloudConfig{
			Region: "US",
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/bambubridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "bambubridge",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies BAMBULAB_* environment variables to the configuration.
// A printer map variable that is set replaces the file's map entirely.
func applyEnvOverrides(cfg *Config) error {
	maps := []struct {
		env    string
		sep    string
		target *map[string]string
	}{
		{EnvPrinters, "@", &cfg.Printers.Hosts},
		{EnvSerials, "=", &cfg.Printers.Serials},
		{EnvLANKeys, "=", &cfg.Printers.AccessCodes},
		{EnvTypes, "=", &cfg.Printers.Types},
	}
	for _, m := range maps {
		raw, ok := os.LookupEnv(m.env)
		if !ok {
			continue
		}
		values, invalid, err := parseSegments(m.env, raw, m.sep, DefaultSegmentDelimiter)
		if err != nil {
			return err
		}
		for _, seg := range invalid {
			cfg.warnf("invalid %s segment '%s'", m.env, seg)
		}
		*m.target = values
	}

	if v, ok := os.LookupEnv("BAMBULAB_AUTOCONNECT"); ok {
		cfg.Printers.AutoConnect = isTruthy(v)
	}
	if v := os.Getenv("BAMBULAB_RECONNECT_SCHEDULE"); v != "" {
		cfg.Printers.ReconnectSchedule = v
	}

	cfg.Connection.Interval = cfg.envFloat("BAMBULAB_CONNECT_INTERVAL", cfg.Connection.Interval)
	cfg.Connection.Timeout = cfg.envFloat("BAMBULAB_CONNECT_TIMEOUT", cfg.Connection.Timeout)

	if v, ok := os.LookupEnv("BAMBULAB_REGION"); ok {
		cfg.Cloud.Region = v
	}
	if v := os.Getenv("BAMBULAB_EMAIL"); v != "" {
		cfg.Cloud.Email = v
	}
	if v := os.Getenv("BAMBULAB_USERNAME"); v != "" {
		cfg.Cloud.Username = v
	}
	if v := os.Getenv("BAMBULAB_AUTH_TOKEN"); v != "" {
		cfg.Cloud.AuthToken = v
	}

	if v := os.Getenv("BAMBULAB_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("BAMBULAB_ALLOW_ORIGINS"); v != "" {
		cfg.API.CORS.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("BAMBULAB_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := parsePort(v)
		if err != nil {
			return err
		}
		cfg.API.Port = port
	}

	if v := os.Getenv("BAMBULAB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BAMBULAB_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BAMBULAB_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return nil
}

// Validate checks the configuration for errors. Missing device types are
// defaulted and recorded as warnings rather than errors.
//
// Returns:
//   - error: Description of validation failure (wrapping ErrInvalidConfig), or nil if valid
func (c *Config) Validate() error {
	var errs []string

	p := &c.Printers
	if p.Types == nil {
		p.Types = map[string]string{}
	}

	for _, name := range c.allNames() {
		if !printerNamePattern.MatchString(name) {
			errs = append(errs, fmt.Sprintf("invalid printer name '%s'", name))
			continue
		}
		if _, ok := p.Hosts[name]; !ok {
			errs = append(errs, fmt.Sprintf("missing %s for %s", EnvPrinters, name))
		}
		if _, ok := p.Serials[name]; !ok {
			errs = append(errs, fmt.Sprintf("missing %s for %s", EnvSerials, name))
		}
		if _, ok := p.AccessCodes[name]; !ok {
			errs = append(errs, fmt.Sprintf("missing %s for %s", EnvLANKeys, name))
		}
		if t := p.Types[name]; t == "" {
			c.warnf("missing %s for '%s'; defaulting to %s", EnvTypes, name, DefaultDeviceType)
		}
	}

	if c.Connection.Interval <= 0 {
		errs = append(errs, "connection.interval must be positive")
	}
	if c.Connection.Timeout <= 0 {
		errs = append(errs, "connection.timeout must be positive")
	}
	if c.Connection.Interval > c.Connection.Timeout && c.Connection.Timeout > 0 {
		errs = append(errs, "connection.interval must not exceed connection.timeout")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the audit database is enabled")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}

	return nil
}

// DeviceType returns the configured model for name, or DefaultDeviceType.
func (c *Config) DeviceType(name string) string {
	if t := c.Printers.Types[name]; t != "" {
		return t
	}
	return DefaultDeviceType
}

// PrinterNames returns every configured printer name in sorted order.
func (c *Config) PrinterNames() []string {
	names := make([]string, 0, len(c.Printers.Hosts))
	for name := range c.Printers.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// allNames returns the union of names across all four printer maps, sorted.
func (c *Config) allNames() []string {
	seen := make(map[string]struct{})
	for _, m := range []map[string]string{c.Printers.Hosts, c.Printers.Serials, c.Printers.AccessCodes, c.Printers.Types} {
		for name := range m {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectInterval returns the poll interval used while waiting for a printer.
func (c *Config) ConnectInterval() time.Duration {
	return secondsToDuration(c.Connection.Interval)
}

// ConnectTimeout returns the deadline for a single connection attempt.
func (c *Config) ConnectTimeout() time.Duration {
	return secondsToDuration(c.Connection.Timeout)
}

// GetReadTimeout returns the HTTP read timeout, also used for headers.
func (a APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(a.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout. Camera streams lift it
// per request.
func (a APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(a.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the keep-alive idle timeout.
func (a APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(a.Timeouts.Idle) * time.Second
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
