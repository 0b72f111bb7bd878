package config

import (
	"os"
	"strconv"
	"time"
)

// Timeouts holds all configurable timeout values.
// These values can be customized via environment variables.
type Timeouts struct {
	ProbeTimeout      time.Duration // Timeout for a single device probe
	ScanBudget        time.Duration // Overall budget for a network scan
	SettleDelay       time.Duration // Wait after an artifact install before licensing
	LicenseRetryDelay time.Duration // Delay between license activation retries
	PropagationPoll   time.Duration // Interval between IAM propagation probes
	PropagationWait   time.Duration // Overall budget for IAM propagation
	RetryMaxAttempts  int           // Maximum number of retry attempts
	RetryInitialDelay time.Duration // Initial delay between retries
}

// LoadTimeouts loads timeout configuration from environment variables.
// If an environment variable is not set or invalid, a default value is used.
//
// Environment Variables:
//   - CAMFORGE_TIMEOUT_PROBE (default: 1s)
//   - CAMFORGE_TIMEOUT_SCAN (default: 2m)
//   - CAMFORGE_TIMEOUT_SETTLE (default: 10s)
//   - CAMFORGE_TIMEOUT_LICENSE_RETRY (default: 10s)
//   - CAMFORGE_TIMEOUT_PROPAGATION_POLL (default: 2s)
//   - CAMFORGE_TIMEOUT_PROPAGATION (default: 60s)
//   - CAMFORGE_RETRY_MAX_ATTEMPTS (default: 5)
//   - CAMFORGE_RETRY_INITIAL_DELAY (default: 1s)
func LoadTimeouts() *Timeouts {
	return &Timeouts{
		ProbeTimeout:      parseDuration("CAMFORGE_TIMEOUT_PROBE", 1*time.Second),
		ScanBudget:        parseDuration("CAMFORGE_TIMEOUT_SCAN", 2*time.Minute),
		SettleDelay:       parseDuration("CAMFORGE_TIMEOUT_SETTLE", 10*time.Second),
		LicenseRetryDelay: parseDuration("CAMFORGE_TIMEOUT_LICENSE_RETRY", 10*time.Second),
		PropagationPoll:   parseDuration("CAMFORGE_TIMEOUT_PROPAGATION_POLL", 2*time.Second),
		PropagationWait:   parseDuration("CAMFORGE_TIMEOUT_PROPAGATION", 60*time.Second),
		RetryMaxAttempts:  parseInt("CAMFORGE_RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelay: parseDuration("CAMFORGE_RETRY_INITIAL_DELAY", 1*time.Second),
	}
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}
