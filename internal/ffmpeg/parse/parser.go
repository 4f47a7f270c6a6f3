// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package parse

import (
	"container/ring"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ZSC714725/convertqueue/internal/process"
)

// DefaultWarmup is how long a job runs before an ETA is extrapolated.
const DefaultWarmup = 5 * time.Second

// Sample is one progress reading derived from a "frame=" line
type Sample struct {
	Percent    float64 `json:"percent"`
	ETAMinutes int     `json:"eta_minutes"`
	Elapsed    float64 `json:"elapsed_seconds"`
}

// ETAText formats the ETA for display. "0" means unknown.
func (s Sample) ETAText() string {
	return strconv.Itoa(s.ETAMinutes)
}

// Progress holds the latest FFmpeg progress parsed from stderr
type Progress struct {
	Sample
	Frame    uint64  `json:"frame"`
	Size     uint64  `json:"size_bytes"`
	Speed    float64 `json:"speed"`
	Duration float64 `json:"duration_seconds"`
}

// Parser consumes FFmpeg stderr one line at a time
type Parser interface {
	// Parse returns a sample for progress lines carrying a valid time= token.
	// Every line is kept in the log regardless.
	Parse(line string) (Sample, bool)
	// Reset prepares the parser for a new run of the given total duration
	// in seconds, started at start. A duration of 0 means unknown.
	Reset(duration float64, start time.Time)
	Progress() Progress
	Log() []process.Line
}

// Config for the parser
type Config struct {
	LogLines int
	Warmup   time.Duration
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

type parser struct {
	re struct {
		frame *regexp.Regexp
		size  *regexp.Regexp
		speed *regexp.Regexp
	}

	log      *ring.Ring
	logLines int
	warmup   time.Duration
	now      func() time.Time

	duration float64
	start    time.Time
	progress Progress
	lock     sync.RWMutex
}

// New creates a Parser
func New(config Config) Parser {
	p := &parser{
		logLines: config.LogLines,
		warmup:   config.Warmup,
		now:      config.Now,
	}
	if p.logLines <= 0 {
		p.logLines = 100
	}
	if p.warmup <= 0 {
		p.warmup = DefaultWarmup
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.re.frame = regexp.MustCompile(`frame=\s*([0-9]+)`)
	p.re.size = regexp.MustCompile(`size=\s*([0-9]+)(k|Ki)B`)
	p.re.speed = regexp.MustCompile(`speed=\s*([0-9\.]+)x`)

	p.log = ring.New(p.logLines)
	p.start = p.now()
	return p
}

func (p *parser) Parse(line string) (Sample, bool) {
	now := p.now()

	p.lock.Lock()
	defer p.lock.Unlock()

	p.log.Value = process.Line{Timestamp: now, Data: line}
	p.log = p.log.Next()

	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "frame=") {
		return Sample{}, false
	}

	p.stats(trimmed)

	value, ok := timeToken(trimmed)
	if !ok {
		return Sample{}, false
	}
	elapsed, err := ParseTimestamp(value)
	if err != nil {
		return Sample{}, false
	}

	percent := Percent(elapsed, p.duration)
	s := Sample{
		Percent:    percent,
		ETAMinutes: ETAMinutes(percent, now.Sub(p.start), p.warmup),
		Elapsed:    elapsed,
	}
	p.progress.Sample = s
	return s, true
}

// timeToken finds the value of the time= token. FFmpeg pads some values
// with spaces, so "time= 00:00:01.00" is accepted as well.
func timeToken(line string) (string, bool) {
	fields := strings.Fields(line)
	for i, f := range fields {
		if !strings.HasPrefix(f, "time=") {
			continue
		}
		v := strings.TrimPrefix(f, "time=")
		if v == "" && i+1 < len(fields) {
			v = fields[i+1]
		}
		return v, v != ""
	}
	return "", false
}

func (p *parser) stats(line string) {
	if m := p.re.frame.FindStringSubmatch(line); m != nil {
		if x, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			p.progress.Frame = x
		}
	}
	if m := p.re.size.FindStringSubmatch(line); m != nil {
		if x, err := strconv.ParseUint(m[1], 10, 64); err == nil {
			p.progress.Size = x * 1024
		}
	}
	if m := p.re.speed.FindStringSubmatch(line); m != nil {
		if x, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.progress.Speed = x
		}
	}
}

func (p *parser) Reset(duration float64, start time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.duration = duration
	p.start = start
	p.progress = Progress{Duration: duration}
	p.log = ring.New(p.logLines)
}

func (p *parser) Log() []process.Line {
	var out []process.Line
	p.lock.RLock()
	p.log.Do(func(v interface{}) {
		if v != nil {
			out = append(out, v.(process.Line))
		}
	})
	p.lock.RUnlock()
	return out
}

func (p *parser) Progress() Progress {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.progress
}
