package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration wraps time.Duration with an UnmarshalText that accepts the
// {ms,s,m,h,d,w} suffix grammar, plus bare-number milliseconds.
type Duration time.Duration

var suffixUnits = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
}

// UnmarshalText implements encoding.TextUnmarshaler so viper/yaml/toml can
// populate Duration fields directly.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}

	for _, suffix := range []string{"ms", "s", "m", "h", "d", "w"} {
		if strings.HasSuffix(s, suffix) {
			numPart := strings.TrimSuffix(s, suffix)
			n, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			*d = Duration(n * float64(suffixUnits[suffix]))
			return nil
		}
	}

	// Bare number: milliseconds.
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(n * float64(time.Millisecond))
	return nil
}

// MarshalText round-trips Duration back to its canonical suffixed form: the
// largest suffix unit that divides it exactly, else fractional milliseconds.
func (d Duration) MarshalText() ([]byte, error) {
	for _, suffix := range []string{"w", "d", "h", "m", "s", "ms"} {
		unit := suffixUnits[suffix]
		if d != 0 && time.Duration(d)%unit == 0 {
			return []byte(strconv.FormatInt(int64(time.Duration(d)/unit), 10) + suffix), nil
		}
	}
	return []byte(strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64) + "ms"), nil
}

// Std returns the stdlib time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }
