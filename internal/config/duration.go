package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errNegative = errors.New("must not be negative")

// FieldError points at the config key holding a bad value.
type FieldError struct {
	Path  string
	Value string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: invalid value %q: %v", e.Path, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, &FieldError{Path: path, Value: raw, Err: err}
	case d < 0:
		return 0, &FieldError{Path: path, Value: raw, Err: errNegative}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def in place of zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
