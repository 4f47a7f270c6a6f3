// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/ZSC714725/convertqueue/internal/ffmpeg/parse"
	"github.com/ZSC714725/convertqueue/internal/logger"
)

// FFmpeg manages the FFmpeg and FFprobe binaries
type FFmpeg interface {
	Binary() string
	// ProbeBinary is empty when no ffprobe was found.
	ProbeBinary() string
	NewParser() parse.Parser
	// Command returns the arguments converting source into destination.
	Command(source, destination string) []string
	// IsCopy reports whether source is remuxed with stream copy.
	IsCopy(source string) bool
	// Version is detected on first use.
	Version() (Info, error)
	ReloadVersion(ctx context.Context) error
}

// Config for FFmpeg
type Config struct {
	Binary      string
	ProbeBinary string
	MaxLogLines int
	Warmup      time.Duration
	Templates   Templates
	Logger      logger.Logger
}

type ffmpeg struct {
	binary      string
	probeBinary string
	templates   Templates
	logLines    int
	warmup      time.Duration
	logger      logger.Logger

	version     Info
	versionErr  error
	versionOK   bool
	versionLock sync.Mutex
}

// New creates FFmpeg
func New(config Config) (FFmpeg, error) {
	binary, err := exec.LookPath(config.Binary)
	if err != nil {
		return nil, fmt.Errorf("invalid ffmpeg binary: %w", err)
	}

	f := &ffmpeg{
		binary:    binary,
		templates: config.Templates,
		logLines:  config.MaxLogLines,
		warmup:    config.Warmup,
		logger:    config.Logger,
	}

	if f.logger == nil {
		f.logger = logger.Nop()
	}
	if f.logLines <= 0 {
		f.logLines = 100
	}
	if len(f.templates.Copy) == 0 && len(f.templates.Encode) == 0 {
		f.templates = DefaultTemplates()
	}

	if config.ProbeBinary != "" {
		if probe, err := exec.LookPath(config.ProbeBinary); err == nil {
			f.probeBinary = probe
		} else {
			f.logger.Warn("ffprobe not found, durations will be probed with ffmpeg: %v", err)
		}
	}

	return f, nil
}

func (f *ffmpeg) Binary() string {
	return f.binary
}

func (f *ffmpeg) ProbeBinary() string {
	return f.probeBinary
}

func (f *ffmpeg) NewParser() parse.Parser {
	return parse.New(parse.Config{LogLines: f.logLines, Warmup: f.warmup})
}

func (f *ffmpeg) Command(source, destination string) []string {
	return f.templates.CreateCommand(source, destination)
}

func (f *ffmpeg) IsCopy(source string) bool {
	return f.templates.IsCopy(source)
}

func (f *ffmpeg) Version() (Info, error) {
	f.versionLock.Lock()
	defer f.versionLock.Unlock()

	if !f.versionOK {
		f.version, f.versionErr = detectVersion(context.Background(), f.binary)
		f.versionOK = true
	}
	return f.version, f.versionErr
}

func (f *ffmpeg) ReloadVersion(ctx context.Context) error {
	info, err := detectVersion(ctx, f.binary)

	f.versionLock.Lock()
	defer f.versionLock.Unlock()
	f.version, f.versionErr, f.versionOK = info, err, true
	if err != nil {
		return fmt.Errorf("reload version: %w", err)
	}
	return nil
}
