// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ZSC714725/convertqueue/internal/api"
	"github.com/ZSC714725/convertqueue/internal/config"
	"github.com/ZSC714725/convertqueue/internal/events"
	"github.com/ZSC714725/convertqueue/internal/ffmpeg"
	"github.com/ZSC714725/convertqueue/internal/history"
	"github.com/ZSC714725/convertqueue/internal/logger"
	"github.com/ZSC714725/convertqueue/internal/notify"
	"github.com/ZSC714725/convertqueue/internal/probe"
	"github.com/ZSC714725/convertqueue/internal/process"
	"github.com/ZSC714725/convertqueue/internal/queue"
	"github.com/ZSC714725/convertqueue/internal/runner"
)

// engine wires the conversion stack from the configuration
type engine struct {
	log      logger.Logger
	ffmpeg   ffmpeg.FFmpeg
	runner   *runner.Runner
	queue    *queue.Coordinator
	bus      *events.Bus
	history  *history.Store
	notifier *notify.Redis

	cancel context.CancelFunc
	done   chan struct{}
}

func newEngine(cfg *config.Config, log logger.Logger, sinks ...events.Sink) (*engine, error) {
	validator, err := ffmpeg.NewExtensionValidator(cfg.Queue.AllowExtensions, cfg.Queue.BlockPatterns)
	if err != nil {
		return nil, fmt.Errorf("source filter: %w", err)
	}

	ff, err := ffmpeg.New(ffmpeg.Config{
		Binary:      cfg.FFmpeg.Path,
		ProbeBinary: cfg.FFmpeg.ProbePath,
		MaxLogLines: cfg.FFmpeg.LogLines,
		Warmup:      cfg.Runner.ETAWarmup(),
		Templates: ffmpeg.Templates{
			CopyExtensions: cfg.Runner.CopyExtensions,
			Copy:           cfg.Runner.CopyArgs,
			Encode:         cfg.Runner.EncodeArgs,
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	r, err := runner.New(runner.Config{
		FFmpeg: ff,
		Prober: probe.New(probe.Config{
			FFmpeg:  ff.Binary(),
			FFprobe: ff.ProbeBinary(),
			Logger:  log,
		}),
		Logger:            log,
		CleanupDelay:      cfg.Runner.CleanupDelay(),
		CleanupRetryDelay: cfg.Runner.CleanupRetryDelay(),
		StaleTimeout:      cfg.Runner.StaleTimeout(),
	})
	if err != nil {
		return nil, err
	}

	e := &engine{
		log:    log,
		ffmpeg: ff,
		runner: r,
		bus:    events.NewBus(500),
	}
	fanout := events.Fanout{e.bus}

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path, log)
		if err != nil {
			r.Close()
			return nil, err
		}
		e.history = store
		fanout = append(fanout, store)
	}

	if cfg.Redis.Addr != "" {
		n, err := notify.NewRedis(notify.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
			KeyTTL:   time.Duration(cfg.Redis.KeyTTLSeconds) * time.Second,
			Logger:   log,
		})
		if err != nil {
			log.Warn("redis notifications disabled: %v", err)
		} else {
			e.notifier = n
			fanout = append(fanout, n)
		}
	}
	fanout = append(fanout, sinks...)

	e.queue, err = queue.New(queue.Config{
		Runner:          r,
		Validator:       validator,
		OutputDir:       cfg.Output.Dir,
		OutputExtension: cfg.Output.Extension,
		Sink:            fanout,
		Logger:          log,
	})
	if err != nil {
		e.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.queue.Run(ctx)
	}()

	return e, nil
}

// Close stops the queue, kills any encoder and waits for its cleanup
func (e *engine) Close() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.runner.Close()
	if n := process.KillAll(); n > 0 {
		e.log.Warn("killed %d leftover processes", n)
	}
	if e.notifier != nil {
		e.notifier.Close()
	}
	if e.history != nil {
		e.history.Close()
	}
}

// historyAPI returns the history store for the API, nil when disabled
func (e *engine) historyAPI() api.History {
	if e.history == nil {
		return nil
	}
	return e.history
}
