package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Environment variables carrying the per-printer maps.
const (
	EnvPrinters = "BAMBULAB_PRINTERS"
	EnvSerials  = "BAMBULAB_SERIALS"
	EnvLANKeys  = "BAMBULAB_LAN_KEYS"
	EnvTypes    = "BAMBULAB_TYPES"
)

// DefaultSegmentDelimiter separates entries in the printer map variables.
const DefaultSegmentDelimiter = ";"

// parseSegments splits raw into key/value entries.
//
// Empty segments are skipped. Segments without sep are returned in invalid so
// the caller can warn about them. Keys and values are trimmed. A key that
// appears twice is an error.
func parseSegments(env, raw, sep, delim string) (map[string]string, []string, error) {
	values := make(map[string]string)
	var invalid []string

	for _, seg := range strings.Split(raw, delim) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		key, value, ok := strings.Cut(seg, sep)
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if !ok || key == "" {
			invalid = append(invalid, seg)
			continue
		}
		if _, dup := values[key]; dup {
			return nil, invalid, fmt.Errorf("%w: Duplicate %s entry for '%s'", ErrInvalidConfig, env, key)
		}
		values[key] = value
	}

	return values, invalid, nil
}

// isTruthy reports whether v is one of 1, true, yes or on (case-insensitive).
func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// envFloat reads a float from env, keeping def (and recording a warning) when
// the value does not parse.
func (c *Config) envFloat(env string, def float64) float64 {
	raw, ok := os.LookupEnv(env)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		c.warnf("invalid %s value '%s'; using default %g", env, raw, def)
		return def
	}
	return v
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: invalid PORT '%s'", ErrInvalidConfig, raw)
	}
	return port, nil
}

// filterOrigins validates CORS origins, dropping invalid entries with a
// warning and removing duplicates while preserving order. An empty result
// falls back to DefaultAllowedOrigins.
func (c *Config) filterOrigins(origins []string) []string {
	seen := make(map[string]struct{}, len(origins))
	out := make([]string, 0, len(origins))

	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if o != "*" && !validOrigin(o) {
			c.warnf("ignoring invalid CORS origin '%s'", o)
			continue
		}
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}

	if len(out) == 0 {
		return append([]string(nil), DefaultAllowedOrigins...)
	}
	return out
}

// validOrigin accepts http and https origins with a host and nothing beyond
// an optional trailing slash.
func validOrigin(o string) bool {
	u, err := url.Parse(o)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.User != nil {
		return false
	}
	if u.RawQuery != "" || u.Fragment != "" || u.ForceQuery || strings.Contains(o, "#") {
		return false
	}
	if strings.Contains(u.Path, ";") || (u.Path != "" && u.Path != "/") {
		return false
	}
	return true
}

// EnvConfigPath names the YAML file to load. When unset, DefaultConfigPath
// is used if it exists.
const EnvConfigPath = "BAMBULAB_CONFIG"

// DefaultConfigPath is the YAML file read when EnvConfigPath is not set.
const DefaultConfigPath = "configs/config.yaml"

// ResolvePath returns the config file Load should read. An explicitly set
// path is returned as-is so a missing file is reported by Load. The default
// path is returned only when the file exists; otherwise "" (environment only).
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}
