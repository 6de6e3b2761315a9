package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)\s*([a-zA-Z]*)$`)

var durationUnits = map[string]time.Duration{
	"ms":           time.Millisecond,
	"msec":         time.Millisecond,
	"msecs":        time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"secs":         time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"mins":         time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
	"w":            7 * 24 * time.Hour,
	"week":         7 * 24 * time.Hour,
	"weeks":        7 * 24 * time.Hour,
}

// ParseDuration accepts Go durations ("1m30s") and an integer followed by
// an optional unit word ("2day", "500 ms"). A bare integer is read in
// defaultUnit.
func ParseDuration(raw string, defaultUnit time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration %q must not be negative", raw)
		}
		return d, nil
	}

	match := durationPattern.FindStringSubmatch(value)
	if match == nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	amount, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	unit := defaultUnit
	if match[2] != "" {
		var ok bool
		unit, ok = durationUnits[strings.ToLower(match[2])]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", raw, match[2])
		}
	}
	return scale(raw, amount, unit)
}

// scale multiplies amount by unit, rejecting results past time.Duration's range.
func scale(raw string, amount int64, unit time.Duration) (time.Duration, error) {
	if unit > 0 && amount > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("duration %q overflows", raw)
	}
	return time.Duration(amount) * unit, nil
}

// Milliseconds is a duration whose bare integers are milliseconds.
type Milliseconds time.Duration

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Milliseconds) UnmarshalTOML(v any) error {
	parsed, err := decodeDuration(v, time.Millisecond)
	*d = Milliseconds(parsed)
	return err
}

// Seconds is a duration whose bare integers are seconds.
type Seconds time.Duration

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Seconds) UnmarshalTOML(v any) error {
	parsed, err := decodeDuration(v, time.Second)
	*d = Seconds(parsed)
	return err
}

func decodeDuration(v any, unit time.Duration) (time.Duration, error) {
	switch value := v.(type) {
	case int64:
		if value < 0 {
			return 0, fmt.Errorf("duration %d must not be negative", value)
		}
		return scale(strconv.FormatInt(value, 10), value, unit)
	case string:
		return ParseDuration(value, unit)
	default:
		return 0, fmt.Errorf("duration must be an integer or a string, got %T", v)
	}
}
