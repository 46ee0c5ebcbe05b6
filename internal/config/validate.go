package config

import "fmt"

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if c.SamplingInterval <= 0 {
		return fmt.Errorf("config: GPUSIGHT_SAMPLING_INTERVAL must be > 0, got %v", c.SamplingInterval)
	}

	if c.MaxRuntime < 0 {
		return fmt.Errorf("config: GPUSIGHT_MAX_RUNTIME must be >= 0, got %v", c.MaxRuntime)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: GPUSIGHT_LOCK_TIMEOUT must be > 0, got %v", c.LockTimeout)
	}

	if c.StorePath == "" {
		return fmt.Errorf("config: GPUSIGHT_STORE must not be empty")
	}

	switch c.DetectOutliers {
	case "leading", "trailing", "all", "none":
	default:
		return fmt.Errorf("config: GPUSIGHT_DETECT_OUTLIERS must be one of leading|trailing|all|none, got %q", c.DetectOutliers)
	}

	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("config: GPUSIGHT_HEALTH_PORT must be 0-65535, got %d", c.HealthPort)
	}

	return nil
}
