// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具
//
// Package probe finds the total duration of a source file, either with
// ffprobe or, for Matroska containers, from the header FFmpeg prints.

package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ZSC714725/convertqueue/internal/ffmpeg/parse"
	"github.com/ZSC714725/convertqueue/internal/logger"
	"github.com/ZSC714725/convertqueue/internal/process"
)

// ErrMalformedDuration is returned when a duration was reported but can't be parsed.
var ErrMalformedDuration = errors.New("malformed duration")

// MatroskaExtensions are probed through FFmpeg, ffprobe reports no stream
// duration for them.
var MatroskaExtensions = []string{".mkv", ".mk3d", ".mka", ".mks", ".webm"}

// Config for a Prober
type Config struct {
	FFmpeg string
	// FFprobe may be empty, every file is then probed through FFmpeg.
	FFprobe string
	Logger  logger.Logger
}

// Prober runs the external probe process
type Prober struct {
	ffmpeg  string
	ffprobe string
	logger  logger.Logger
}

// New creates a Prober
func New(config Config) *Prober {
	p := &Prober{
		ffmpeg:  config.FFmpeg,
		ffprobe: config.FFprobe,
		logger:  config.Logger,
	}
	if p.logger == nil {
		p.logger = logger.Nop()
	}
	return p
}

// Duration returns the duration of path in seconds. It returns 0 without an
// error when the tool reported nothing.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	if p.ffprobe == "" || isMatroska(path) {
		return p.fromHeader(ctx, path)
	}
	return p.fromProbe(ctx, path)
}

// DurationOrZero is Duration with every failure logged and mapped to 0,
// meaning unknown.
func (p *Prober) DurationOrZero(ctx context.Context, path string) float64 {
	d, err := p.Duration(ctx, path)
	if err != nil {
		p.logger.Warn("probe %s: %v, duration unknown", path, err)
		return 0
	}
	return d
}

func isMatroska(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range MatroskaExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func (p *Prober) fromProbe(ctx context.Context, path string) (float64, error) {
	proc, stop, err := p.start(ctx, p.ffprobe, process.Stdout,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}

	for {
		line, err := proc.ReadLine()
		if errors.Is(err, io.EOF) {
			// nothing printed: a failed probe is an error, a silent one is unknown
			if err := stop(); err != nil {
				return 0, firstErr(ctx.Err(), err)
			}
			return 0, nil
		}
		if err != nil {
			proc.Kill()
			stop()
			return 0, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		proc.Kill()
		stop()
		d, err := strconv.ParseFloat(line, 64)
		if err != nil || d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return 0, fmt.Errorf("%w: %q", ErrMalformedDuration, line)
		}
		return d, nil
	}
}

func (p *Prober) fromHeader(ctx context.Context, path string) (float64, error) {
	proc, stop, err := p.start(ctx, p.ffmpeg, process.Stderr, "-hide_banner", "-i", path, "-f", "null", "-")
	if err != nil {
		return 0, err
	}

	for {
		line, err := proc.ReadLine()
		if errors.Is(err, io.EOF) {
			// no header, FFmpeg could not open the file
			stop()
			return 0, ctx.Err()
		}
		if err != nil {
			proc.Kill()
			stop()
			return 0, err
		}

		value, ok := durationToken(line)
		if !ok {
			continue
		}

		// the header is all we need, skip the decode
		proc.Kill()
		stop()
		d, err := parse.ParseTimestamp(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedDuration, value)
		}
		return d, nil
	}
}

// durationToken finds "Duration: HH:MM:SS.ff" in a comma separated header line
func durationToken(line string) (string, bool) {
	for _, part := range strings.Split(line, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "Duration:") {
			return strings.TrimSpace(strings.TrimPrefix(part, "Duration:")), true
		}
	}
	return "", false
}

// start spawns binary and kills it when ctx is done. The returned stop
// function reaps the process and must be called once reading is over.
func (p *Prober) start(ctx context.Context, binary string, stream process.Stream, args ...string) (*process.Process, func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	proc, err := process.Start(process.Config{
		Binary: binary,
		Args:   args,
		Stream: stream,
		Logger: p.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			proc.Kill()
		case <-done:
		}
	}()

	stop := func() error {
		close(done)
		return proc.Wait()
	}
	return proc, stop, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
