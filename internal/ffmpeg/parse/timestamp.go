// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package parse

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTimestamp is returned for values not in HH:MM:SS[.frac] form.
var ErrInvalidTimestamp = errors.New("invalid timestamp")

// ParseTimestamp converts an FFmpeg HH:MM:SS[.frac] value to seconds.
// A leading minus sign is accepted, FFmpeg prints one for the first frames
// of some streams.
func ParseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	sign := 1.0
	if strings.HasPrefix(s, "-") {
		sign = -1
		s = s[1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}

	h, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: hours %q", ErrInvalidTimestamp, parts[0])
	}
	m, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || m >= 60 {
		return 0, fmt.Errorf("%w: minutes %q", ErrInvalidTimestamp, parts[1])
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || sec < 0 || sec >= 60 || math.IsNaN(sec) {
		return 0, fmt.Errorf("%w: seconds %q", ErrInvalidTimestamp, parts[2])
	}

	return sign * (float64(h*3600+m*60) + sec), nil
}

// Percent returns elapsed/total*100 clamped to [0,100]. An unknown (zero or
// negative) total yields 0.
func Percent(elapsed, total float64) float64 {
	if total <= 0 || elapsed <= 0 || math.IsNaN(elapsed) || math.IsNaN(total) {
		return 0
	}
	p := elapsed / total * 100
	if p > 100 {
		return 100
	}
	return p
}

// ETAMinutes extrapolates the remaining time from the average rate so far.
// It returns 0 ("unknown") until wall exceeds warmup, and when the percentage
// gives nothing to extrapolate from. Otherwise the result is whole minutes
// rounded down plus one, so a running job never reports 0.
func ETAMinutes(percent float64, wall, warmup time.Duration) int {
	if wall <= warmup || percent <= 0 || percent >= 100 {
		return 0
	}
	rate := percent / wall.Seconds()
	remaining := (100 - percent) / rate
	minutes := math.Floor(remaining / 60)
	if minutes >= maxETAMinutes {
		return maxETAMinutes
	}
	return int(minutes) + 1
}

// maxETAMinutes caps estimates from absurd durations
const maxETAMinutes = math.MaxInt32
