package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all gpusight configuration values.
type Config struct {
	Label            string        // GPUSIGHT_LABEL, default: "unlabeled_job_<jobid>" (resolved by topology)
	OutputDir        string        // GPUSIGHT_OUTPUT_DIR, default: "gpusight_job_<jobid>" (resolved by topology)
	SamplingInterval time.Duration // GPUSIGHT_SAMPLING_INTERVAL, default: 500ms
	MaxRuntime       time.Duration // GPUSIGHT_MAX_RUNTIME, default: 0 (no timeout)
	ForceOverwrite   bool          // GPUSIGHT_FORCE_OVERWRITE, default: false
	CompressRecords  bool          // GPUSIGHT_COMPRESS_RECORDS, default: false (zstd per-rank records)

	// Consolidation
	StorePath   string        // GPUSIGHT_STORE, default: "gpusight.db"
	SharedStore bool          // GPUSIGHT_SHARED_STORE, default: false (ranks append directly to StorePath)
	LockTimeout time.Duration // GPUSIGHT_LOCK_TIMEOUT, default: 900s

	// Telemetry source
	DCGMEndpoints []string // GPUSIGHT_DCGM_ENDPOINTS, default: http://localhost:9400

	// Analysis
	DetectOutliers string // GPUSIGHT_DETECT_OUTLIERS, default: "leading" (leading|trailing|all|none)

	// Observability
	HealthPort     int  // GPUSIGHT_HEALTH_PORT, default: 0 (disabled)
	DebugEndpoints bool // GPUSIGHT_DEBUG_ENDPOINTS, default: false (enables pprof on health port)
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		Label:            os.Getenv("GPUSIGHT_LABEL"),
		OutputDir:        os.Getenv("GPUSIGHT_OUTPUT_DIR"),
		SamplingInterval: parseDuration("GPUSIGHT_SAMPLING_INTERVAL", 500*time.Millisecond),
		MaxRuntime:       parseDuration("GPUSIGHT_MAX_RUNTIME", 0),
		ForceOverwrite:   parseBool("GPUSIGHT_FORCE_OVERWRITE", false),
		CompressRecords:  parseBool("GPUSIGHT_COMPRESS_RECORDS", false),
		StorePath:        envOrDefault("GPUSIGHT_STORE", "gpusight.db"),
		SharedStore:      parseBool("GPUSIGHT_SHARED_STORE", false),
		LockTimeout:      parseDuration("GPUSIGHT_LOCK_TIMEOUT", 900*time.Second),
		DCGMEndpoints:    parseStringSlice("GPUSIGHT_DCGM_ENDPOINTS"),
		DetectOutliers:   envOrDefault("GPUSIGHT_DETECT_OUTLIERS", "leading"),
		HealthPort:       parseInt("GPUSIGHT_HEALTH_PORT", 0),
		DebugEndpoints:   parseBool("GPUSIGHT_DEBUG_ENDPOINTS", false),
	}

	if len(cfg.DCGMEndpoints) == 0 {
		cfg.DCGMEndpoints = []string{"http://localhost:9400"}
	}

	return cfg
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer milliseconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer milliseconds
	ms, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(ms) * time.Millisecond
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}
