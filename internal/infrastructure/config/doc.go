// Package config handles loading and validating bridge configuration.
//
// This package manages:
//   - Loading configuration from an optional YAML file
//   - Overriding with BAMBULAB_* environment variables
//   - Cross-checking the per-printer maps (hosts, serials, access codes, types)
//   - Watching the YAML file and re-validating it on change
//
// Security Considerations:
//   - Access codes and the API key should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.ResolvePath())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, name := range cfg.PrinterNames() {
//	    fmt.Println(name, cfg.Printers.Hosts[name])
//	}
package config
