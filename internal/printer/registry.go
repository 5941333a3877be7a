package printer

import (
	"fmt"
	"sort"

	"github.com/nerrad567/bambubridge/internal/infrastructure/config"
)

// Config holds the connection parameters for one printer. It is immutable
// once the Registry has been built.
type Config struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Serial     string `json:"serial"`
	AccessCode string `json:"-"`
	DeviceType string `json:"device_type"`

	// Cloud account fields passed through to the backend. Blank for LAN-only.
	Region    string `json:"-"`
	Email     string `json:"-"`
	Username  string `json:"-"`
	AuthToken string `json:"-"`
}

// Registry maps printer names to their Config. It is read-only after
// construction and therefore safe for concurrent use without locking.
type Registry struct {
	printers map[string]Config
	names    []string
}

// NewRegistry builds a Registry from printers. A repeated name is an error.
// A blank DeviceType is replaced with config.DefaultDeviceType.
func NewRegistry(printers []Config) (*Registry, error) {
	r := &Registry{
		printers: make(map[string]Config, len(printers)),
		names:    make([]string, 0, len(printers)),
	}

	for _, p := range printers {
		if p.Name == "" {
			return nil, fmt.Errorf("%w: empty printer name", ErrIncompleteConfig)
		}
		if _, dup := r.printers[p.Name]; dup {
			return nil, fmt.Errorf("%w: '%s'", ErrDuplicatePrinter, p.Name)
		}
		if p.DeviceType == "" {
			p.DeviceType = config.DefaultDeviceType
		}
		r.printers[p.Name] = p
		r.names = append(r.names, p.Name)
	}

	sort.Strings(r.names)
	return r, nil
}

// RegistryFromConfig builds the Registry from validated configuration.
// Printer names come from the hosts map.
func RegistryFromConfig(cfg *config.Config) (*Registry, error) {
	names := cfg.PrinterNames()
	printers := make([]Config, 0, len(names))

	for _, name := range names {
		printers = append(printers, Config{
			Name:       name,
			Host:       cfg.Printers.Hosts[name],
			Serial:     cfg.Printers.Serials[name],
			AccessCode: cfg.Printers.AccessCodes[name],
			DeviceType: cfg.DeviceType(name),
			Region:     cfg.Cloud.Region,
			Email:      cfg.Cloud.Email,
			Username:   cfg.Cloud.Username,
			AuthToken:  cfg.Cloud.AuthToken,
		})
	}

	return NewRegistry(printers)
}

// Lookup returns the Config for name.
//
// Returns ErrUnknownPrinter when the name is not registered and
// ErrIncompleteConfig when a required field is blank.
func (r *Registry) Lookup(name string) (Config, error) {
	p, ok := r.printers[name]
	if !ok {
		return Config{}, fmt.Errorf("%w '%s'", ErrUnknownPrinter, name)
	}

	switch {
	case p.Host == "":
		return Config{}, fmt.Errorf("%w: missing host for '%s' (set %s)", ErrIncompleteConfig, name, config.EnvPrinters)
	case p.Serial == "":
		return Config{}, fmt.Errorf("%w: missing serial for '%s' (set %s)", ErrIncompleteConfig, name, config.EnvSerials)
	case p.AccessCode == "":
		return Config{}, fmt.Errorf("%w: missing access code for '%s' (set %s)", ErrIncompleteConfig, name, config.EnvLANKeys)
	}

	return p, nil
}

// Has reports whether name is registered, regardless of completeness.
func (r *Registry) Has(name string) bool {
	_, ok := r.printers[name]
	return ok
}

// Get returns the raw Config for name without completeness checks.
func (r *Registry) Get(name string) (Config, bool) {
	p, ok := r.printers[name]
	return p, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len returns the number of registered printers.
func (r *Registry) Len() int {
	return len(r.names)
}
