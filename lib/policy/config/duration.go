package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrBadDuration = errors.New("config: durations must be strings like \"5m\" or a number of seconds")

// Duration is a time.Duration that reads "90s" style strings or plain
// numbers of seconds from policy files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrBadDuration, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return fmt.Errorf("%w: got %s", ErrBadDuration, data)
	}

	*d = Duration(seconds * float64(time.Second))
	return nil
}
