package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envSource overlays TIDE_* variables onto config fields. Unset or blank
// variables leave the field alone; malformed ones are collected and reported by Err.
type envSource struct {
	lookup func(string) (string, bool)
	errs   []error
}

func newEnvSource() *envSource {
	return &envSource{lookup: os.LookupEnv}
}

func (e *envSource) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envSource) String(key string, dst *string) {
	if v, ok := e.raw(key); ok {
		*dst = v
	}
}

func (e *envSource) Bool(key string, dst *bool) {
	parseInto(e, key, dst, strconv.ParseBool)
}

// Int accepts positive values only.
func (e *envSource) Int(key string, dst *int) {
	parseInto(e, key, dst, func(s string) (int, error) {
		n, err := strconv.Atoi(s)
		if err == nil && n <= 0 {
			err = errors.New("must be positive")
		}
		return n, err
	})
}

// Int32 accepts zero, which pgxpool reads as "use the driver default".
func (e *envSource) Int32(key string, dst *int32) {
	parseInto(e, key, dst, func(s string) (int32, error) {
		n, err := strconv.ParseInt(s, 10, 32)
		if err == nil && n < 0 {
			err = errors.New("must not be negative")
		}
		return int32(n), err
	})
}

func (e *envSource) Duration(key string, dst *time.Duration) {
	parseInto(e, key, dst, func(s string) (time.Duration, error) {
		d, err := time.ParseDuration(s)
		if err == nil && d <= 0 {
			err = errors.New("must be positive")
		}
		return d, err
	})
}

// Err joins every malformed variable seen so far.
func (e *envSource) Err() error {
	return errors.Join(e.errs...)
}

func parseInto[T any](e *envSource, key string, dst *T, parse func(string) (T, error)) {
	v, ok := e.raw(key)
	if !ok {
		return
	}
	got, err := parse(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", key, v, err))
		return
	}
	*dst = got
}
