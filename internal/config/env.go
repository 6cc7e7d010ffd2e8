package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envReader reads typed environment variables and records every malformed
// value instead of silently falling back, so startup can fail loudly on the
// full set of problems at once.
type envReader struct {
	problems []string
}

func (r *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *envReader) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not an integer", key, v))
		return def
	}
	return i
}

func (r *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a number", key, v))
		return def
	}
	return f
}

func (r *envReader) boolean(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a boolean", key, v))
		return def
	}
}

// durationMS reads a millisecond count and returns it as a duration.
func (r *envReader) durationMS(key string, defMS int) time.Duration {
	ms := r.integer(key, defMS)
	if ms <= 0 {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a positive millisecond count", key))
		return time.Duration(defMS) * time.Millisecond
	}
	return time.Duration(ms) * time.Millisecond
}

func (r *envReader) err() error {
	if len(r.problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(r.problems, "; "))
}
