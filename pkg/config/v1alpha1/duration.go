package v1alpha1

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so the YAML encoding is a plain number
// of seconds (fractions allowed), matching every "Seconds between..." field in the
// config schema, while keeping Duration arithmetic on the Go side.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var seconds float64
	if err := unmarshal(&seconds); err != nil {
		return fmt.Errorf("duration must be a number of seconds: %w", err)
	}
	*d = Duration(time.Duration(seconds * float64(time.Second)))
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).Seconds(), nil
}
