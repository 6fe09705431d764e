// Package config reads sparkplugd's YAML configuration.
//
// Load applies defaults, then the file, then SPARKPLUG_* environment
// variables, and validates the result. Every validation problem is
// reported in one error so an operator can fix the file in a single pass.
//
//	cfg, err := config.Load("configs/sparkplug.yaml")
//	if err != nil {
//	    return err
//	}
//
// Keep broker passwords and the InfluxDB token in the environment rather
// than in the file.
package config
