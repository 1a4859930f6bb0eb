// Package timeframe maps timestamps to UTC aligned candle boundaries.
package timeframe

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrInvalidTimeframe is returned for identifiers outside the supported set.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// Timeframe is a fixed bucket identifier such as "15s" or "4h".
type Timeframe string

const (
	TF15s Timeframe = "15s"
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF24h Timeframe = "24h"
)

var durations = map[Timeframe]time.Duration{
	TF15s: 15 * time.Second,
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF24h: 24 * time.Hour,
}

var aliases = map[string]Timeframe{
	"1d":  TF24h,
	"60m": TF1h,
	"60s": TF1m,
}

// Parse validates an identifier. Matching is case insensitive and a few
// common aliases ("1d", "60m") are accepted.
func Parse(s string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if tf, ok := aliases[key]; ok {
		return tf, nil
	}
	tf := Timeframe(key)
	if _, ok := durations[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTimeframe, s)
	}
	return tf, nil
}

// ParseAll parses every identifier and returns them ordered fastest first.
// Duplicates are removed.
func ParseAll(values []string) ([]Timeframe, error) {
	seen := make(map[Timeframe]struct{}, len(values))
	out := make([]Timeframe, 0, len(values))
	for _, v := range values {
		tf, err := Parse(v)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[tf]; ok {
			continue
		}
		seen[tf] = struct{}{}
		out = append(out, tf)
	}
	sort.Slice(out, func(i, j int) bool { return durations[out[i]] < durations[out[j]] })
	return out, nil
}

// Supported lists all timeframes, fastest first.
func Supported() []Timeframe {
	return []Timeframe{TF15s, TF1m, TF5m, TF15m, TF1h, TF4h, TF24h}
}

func (tf Timeframe) String() string { return string(tf) }

// Valid reports whether tf is in the supported set.
func (tf Timeframe) Valid() bool {
	_, ok := durations[tf]
	return ok
}

// Duration returns the bucket width, or an error for unknown identifiers.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := durations[tf]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, string(tf))
	}
	return d, nil
}

// Seconds is the bucket width in whole seconds. Unknown identifiers yield 0.
func (tf Timeframe) Seconds() int64 {
	return int64(durations[tf] / time.Second)
}

// Align returns the start of the bucket containing t. The bucket grid restarts
// at every UTC midnight.
func Align(t time.Time, tf Timeframe) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return align(t, d), nil
}

func align(t time.Time, d time.Duration) time.Time {
	t = t.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := t.Sub(midnight)
	return midnight.Add(elapsed / d * d)
}

// Crossed reports whether t falls outside the bucket that starts at prev.
func Crossed(prev time.Time, t time.Time, tf Timeframe) (bool, error) {
	b, err := Align(t, tf)
	if err != nil {
		return false, err
	}
	return !b.Equal(prev), nil
}

// NextBoundary returns the start of the bucket following the one containing t.
func NextBoundary(t time.Time, tf Timeframe) (time.Time, error) {
	d, err := tf.Duration()
	if err != nil {
		return time.Time{}, err
	}
	return align(t, d).Add(d), nil
}

// MustAlign is Align for timeframes already validated at configuration time.
func MustAlign(t time.Time, tf Timeframe) time.Time {
	b, err := Align(t, tf)
	if err != nil {
		panic(err)
	}
	return b
}
