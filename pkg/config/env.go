package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the environment variable value for key, or def if unset or empty.
func GetEnv(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

// envReader collects parse failures so Load can report every bad key at once
// instead of silently falling back to defaults.
type envReader struct {
	errs []string
}

// Int returns key parsed as int, or def if unset. Malformed values are recorded.
func (r *envReader) Int(key string, def int) int {
	val := GetEnv(key, "")
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not an integer", key, val))
		return def
	}
	return i
}

// Float returns key parsed as float64, or def if unset.
func (r *envReader) Float(key string, def float64) float64 {
	val := GetEnv(key, "")
	if val == "" {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a number", key, val))
		return def
	}
	return f
}

// Duration returns key parsed as time.Duration, or def if unset.
func (r *envReader) Duration(key string, def time.Duration) time.Duration {
	val := GetEnv(key, "")
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s=%q is not a duration", key, val))
		return def
	}
	return d
}

func (r *envReader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(r.errs, "; "))
}
