// Package config handles loading and validating the CAN bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// A missing config file is not an error: the defaults (SocketCAN on can0,
// command server on port 5000, encoders 3 and 4) apply, and Config.Path is
// left empty so the caller can warn about it.
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load(config.PathFromEnv())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.CAN.Channel)
package config
