// Package config handles loading and validating the process runner configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with PROCESSRUNNER_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Runner definitions themselves (executable, restart policy) are not part of
// this file; they live in the settings store rooted at settings.root.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/processrunner.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Settings.Root)
package config
