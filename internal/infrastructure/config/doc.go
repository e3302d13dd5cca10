// Package config handles loading and validating the bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files (optional)
//   - Overriding with HAIKU_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// The defaults are enough to run against a fan at 192.168.1.100 with the
// bus disabled, so a container can be configured purely through the
// environment.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Fan.Address)
package config
