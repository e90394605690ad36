package config

import (
	"time"

	"github.com/pingcap/errors"
)

// Duration wraps time.Duration so it can be written as "500ms" in TOML files.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText returns the duration as a string such as "1s".
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses a duration string such as "1s".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}
