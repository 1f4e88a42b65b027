// Package estimate models the expected duration of a maintenance activity.
package estimate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default is used when an activity author does not supply an estimate.
const Default = Estimate(10 * time.Minute)

// Estimate is a non-negative duration with whole-second precision. It
// parses and formats compact literals such as "30m", "1h 30m" or "90s";
// bare integers are interpreted as seconds.
type Estimate time.Duration

var units = []struct {
	suffix string
	size   time.Duration
}{
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

// Parse converts a literal into an Estimate.
func Parse(value string) (Estimate, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("estimate must not be empty")
	}
	if secs, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("estimate %q must not be negative", value)
		}
		return Estimate(time.Duration(secs) * time.Second), nil
	}

	var total time.Duration
	rest := strings.ReplaceAll(trimmed, " ", "")
	for rest != "" {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("estimate %q: expected number at %q", value, rest)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("estimate %q: %w", value, err)
		}
		rest = rest[i:]
		matched := false
		for _, u := range units {
			if strings.HasPrefix(rest, u.suffix) {
				total += time.Duration(n) * u.size
				rest = rest[len(u.suffix):]
				matched = true
				break
			}
		}
		if !matched {
			return 0, fmt.Errorf("estimate %q: unknown unit at %q", value, rest)
		}
	}
	return Estimate(total), nil
}

// MustParse is like Parse but panics on malformed literals.
func MustParse(value string) Estimate {
	e, err := Parse(value)
	if err != nil {
		panic(err)
	}
	return e
}

// FromDuration truncates d to whole seconds.
func FromDuration(d time.Duration) Estimate {
	if d < 0 {
		d = 0
	}
	return Estimate(d.Truncate(time.Second))
}

// Duration returns the estimate as a time.Duration.
func (e Estimate) Duration() time.Duration { return time.Duration(e) }

// Seconds returns the estimate in whole seconds, the unit the directory
// service expects.
func (e Estimate) Seconds() int64 { return int64(time.Duration(e) / time.Second) }

func (e Estimate) String() string {
	d := time.Duration(e).Truncate(time.Second)
	if d <= 0 {
		return "0s"
	}
	parts := make([]string, 0, len(units))
	for _, u := range units {
		if d >= u.size {
			n := d / u.size
			d -= n * u.size
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
		}
	}
	return strings.Join(parts, " ")
}

// MarshalYAML implements yaml.Marshaler.
func (e Estimate) MarshalYAML() (interface{}, error) {
	return e.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Estimate) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := Parse(node.Value)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
