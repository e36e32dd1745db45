// Package environment provides helpers for loading configuration from
// environment variables.
//
// Values are layered on top of a configuration that was already populated
// from a file: an Overlay only touches a destination when the corresponding
// variable is set. Parse failures are collected instead of silently falling
// back, so a typo in KIOKU_INGEST_BATCH_SIZE fails the run at startup.
package environment

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultValue
}

// Overlay applies prefixed environment variables onto existing values.
type Overlay struct {
	prefix string
	errs   []error
}

// NewOverlay returns an Overlay that reads variables named prefix+name.
func NewOverlay(prefix string) *Overlay {
	return &Overlay{prefix: prefix}
}

func (o *Overlay) lookup(name string) (string, string, bool) {
	key := o.prefix + name
	v, ok := os.LookupEnv(key)
	if !ok {
		return key, "", false
	}
	v = strings.TrimSpace(v)
	return key, v, v != ""
}

// String overwrites dst when the variable is set and non-empty.
func (o *Overlay) String(dst *string, name string) {
	if _, v, ok := o.lookup(name); ok {
		*dst = v
	}
}

// Int overwrites dst with the decimal value of the variable.
func (o *Overlay) Int(dst *int, name string) {
	key, v, ok := o.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: expected integer, got %q", key, v))
		return
	}
	*dst = n
}

// Bool overwrites dst with the value of the variable as parsed by
// strconv.ParseBool ("1", "t", "true", "0", "f", "false", etc.).
func (o *Overlay) Bool(dst *bool, name string) {
	key, v, ok := o.lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: expected bool, got %q", key, v))
		return
	}
	*dst = b
}

// Duration overwrites dst with the variable parsed as a time.Duration
// (e.g. "30s", "5m", "1h").
func (o *Overlay) Duration(dst *time.Duration, name string) {
	key, v, ok := o.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: expected duration, got %q", key, v))
		return
	}
	*dst = d
}

// Err returns every parse failure seen so far, or nil.
func (o *Overlay) Err() error {
	return errors.Join(o.errs...)
}
