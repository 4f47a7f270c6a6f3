// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具
//
// Package queue keeps the ordered list of conversion jobs and feeds them
// to the runner one at a time.

package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ZSC714725/convertqueue/internal/events"
	"github.com/ZSC714725/convertqueue/internal/ffmpeg"
	"github.com/ZSC714725/convertqueue/internal/logger"
	"github.com/ZSC714725/convertqueue/internal/runner"

	"github.com/lithammer/shortuuid/v4"
)

// JobRunner runs one conversion at a time
type JobRunner interface {
	Start(req runner.Request) error
	Cancel() bool
	Outcomes() <-chan runner.Outcome
	Progress() <-chan runner.Progress
}

// Config for a Coordinator
type Config struct {
	Runner JobRunner
	// Validator decides which sources are accepted, nil accepts all.
	Validator       ffmpeg.Validator
	OutputDir       string
	OutputExtension string
	Sink            events.Sink
	Logger          logger.Logger
}

// Coordinator owns the job list. It is the only caller of JobRunner.Start.
type Coordinator struct {
	runner    JobRunner
	validator ffmpeg.Validator
	outputDir string
	ext       string
	sink      events.Sink
	logger    logger.Logger

	jobs []*Job
	// running is the job handed to the runner. It stays set until the
	// runner reports its outcome, even when the job was dequeued.
	running  *runner.Request
	progress runner.Progress
	mu       sync.Mutex
}

// New creates a Coordinator
func New(config Config) (*Coordinator, error) {
	if config.Runner == nil {
		return nil, errors.New("no runner given")
	}

	c := &Coordinator{
		runner:    config.Runner,
		validator: config.Validator,
		outputDir: config.OutputDir,
		ext:       config.OutputExtension,
		sink:      config.Sink,
		logger:    config.Logger,
	}
	if c.validator == nil {
		c.validator, _ = ffmpeg.NewValidator(nil, nil)
	}
	if c.ext == "" {
		c.ext = ".mp4"
	}
	if c.sink == nil {
		c.sink = events.Fanout{}
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	return c, nil
}

// Enqueue appends a pending job for source and starts it when nothing
// else runs. A source can't be queued twice while its job is pending or
// running, nor can another source that converts to the same destination.
func (c *Coordinator) Enqueue(source string) (*Job, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, ErrInvalidSource
	}
	source = filepath.Clean(source)
	if !c.validator.IsValid(source) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(source))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	dst := Destination(c.outputDir, source, c.ext)
	for _, j := range c.jobs {
		if !j.Status.Active() {
			continue
		}
		if j.SourcePath == source {
			return nil, fmt.Errorf("%w: %s", ErrJobExists, j.ID)
		}
		if j.DestinationPath == dst {
			return nil, fmt.Errorf("%w: %s writes %s", ErrJobExists, j.ID, dst)
		}
	}

	now := time.Now().Unix()
	job := &Job{
		ID:              shortuuid.New(),
		SourcePath:      source,
		DestinationPath: dst,
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	c.jobs = append(c.jobs, job)
	c.logger.Info("queued %s -> %s", job.SourcePath, job.DestinationPath)
	c.publish(events.TypeQueued, job)

	c.next()

	out := *job
	return &out, nil
}

// Dequeue removes a job. A running job is cancelled first; its outcome is
// ignored when it arrives.
func (c *Coordinator) Dequeue(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.index(id)
	if i < 0 {
		return ErrNotFound
	}
	job := c.jobs[i]

	if job.Status == StatusRunning {
		c.runner.Cancel()
	}
	c.jobs = append(c.jobs[:i], c.jobs[i+1:]...)
	c.logger.Info("removed %s", job.SourcePath)
	c.publish(events.TypeRemoved, job)
	return nil
}

// CancelCurrent cancels the running job and keeps it in the list, where
// it ends as cancelled. It reports whether a job was running.
func (c *Coordinator) CancelCurrent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running == nil {
		return false
	}
	return c.runner.Cancel()
}

// Clear removes finished jobs. With completedOnly false every job is
// removed and a running one is cancelled. It returns how many were removed.
func (c *Coordinator) Clear(completedOnly bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.jobs[:0]
	removed := 0
	for _, j := range c.jobs {
		if completedOnly && j.Status.Active() {
			kept = append(kept, j)
			continue
		}
		if j.Status == StatusRunning {
			c.runner.Cancel()
		}
		c.publish(events.TypeRemoved, j)
		removed++
	}
	for i := len(kept); i < len(c.jobs); i++ {
		c.jobs[i] = nil
	}
	c.jobs = kept
	return removed
}

// Run consumes runner outcomes and progress until ctx is done
func (c *Coordinator) Run(ctx context.Context) {
	outcomes := c.runner.Outcomes()
	progress := c.runner.Progress()

	for {
		select {
		case <-ctx.Done():
			return
		case o := <-outcomes:
			c.onTerminal(o)
		case p := <-progress:
			c.onProgress(p)
		}
	}
}

func (c *Coordinator) onTerminal(o runner.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running == nil || c.running.JobID != o.JobID {
		c.logger.Warn("outcome for %s does not match the running job", o.SourcePath)
	}
	c.running = nil
	c.progress = runner.Progress{}

	if job := c.get(o.JobID); job != nil {
		job.UpdatedAt = time.Now().Unix()
		var typ events.Type
		switch o.Kind {
		case runner.Completed:
			job.Status = StatusComplete
			job.Percent = 100
			typ = events.TypeCompleted
		case runner.Cancelled:
			job.Status = StatusCancelled
			typ = events.TypeCancelled
		default:
			job.Status = StatusFailed
			typ = events.TypeFailed
			if o.Err != nil {
				job.Error = o.Err.Error()
			}
		}
		job.ETAMinutes = 0

		e := c.event(typ, job)
		e.Started, e.Finished = o.Started, o.Finished
		c.sink.Handle(e)
	}

	c.next()
}

func (c *Coordinator) onProgress(p runner.Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running == nil || c.running.JobID != p.JobID {
		return
	}
	c.progress = p

	if job := c.get(p.JobID); job != nil {
		job.Percent = p.Percent
		job.ETAMinutes = p.ETAMinutes
		c.publish(events.TypeProgress, job)
	}
}

// next starts the first pending job when the runner is free. Called with
// the lock held.
func (c *Coordinator) next() {
	if c.running != nil {
		return
	}

	for _, job := range c.jobs {
		if job.Status != StatusPending {
			continue
		}

		req := runner.Request{
			JobID:           job.ID,
			SourcePath:      job.SourcePath,
			DestinationPath: job.DestinationPath,
		}
		err := c.runner.Start(req)
		if errors.Is(err, runner.ErrAlreadyBusy) {
			c.logger.Error("runner busy while the queue is idle, waiting for its outcome")
			return
		}

		job.UpdatedAt = time.Now().Unix()
		if err != nil {
			job.Status = StatusFailed
			job.Error = err.Error()
			c.logger.Error("start %s: %v", job.SourcePath, err)
			c.publish(events.TypeFailed, job)
			continue
		}

		job.Status = StatusRunning
		c.running = &req
		c.logger.Info("started %s", job.SourcePath)
		c.publish(events.TypeStarted, job)
		return
	}
}

// Jobs returns a copy of all jobs in queue order
func (c *Coordinator) Jobs() []Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		out = append(out, *j)
	}
	return out
}

// Get returns a copy of one job
func (c *Coordinator) Get(id string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.get(id)
	if job == nil {
		return Job{}, ErrNotFound
	}
	return *job, nil
}

// Busy reports whether a job is running. After the running job is
// dequeued it stays true until the encoder has stopped, although no listed
// job is running then.
func (c *Coordinator) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running != nil
}

// CurrentSourcePath is the source of the running job, empty when idle
func (c *Coordinator) CurrentSourcePath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running == nil {
		return ""
	}
	return c.running.SourcePath
}

// Progress returns the last sample of the running job
func (c *Coordinator) Progress() (runner.Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress, c.running != nil
}

// Summary is a one-line queue status such as "2/5 - movie.mkv - 42%"
func (c *Coordinator) Summary() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.jobs) == 0 {
		return "queue empty"
	}

	done := 0
	for _, j := range c.jobs {
		if !j.Status.Active() {
			done++
		}
	}

	if c.running == nil {
		return fmt.Sprintf("%d/%d done", done, len(c.jobs))
	}
	return fmt.Sprintf("%d/%d - %s - %02d%%", done+1, len(c.jobs), filepath.Base(c.running.SourcePath), int(c.progress.Percent))
}

func (c *Coordinator) index(id string) int {
	for i, j := range c.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (c *Coordinator) get(id string) *Job {
	if i := c.index(id); i >= 0 {
		return c.jobs[i]
	}
	return nil
}

func (c *Coordinator) event(typ events.Type, job *Job) events.Event {
	e := events.Event{
		Type:            typ,
		JobID:           job.ID,
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestinationPath,
		Status:          string(job.Status),
		Percent:         job.Percent,
		ETAMinutes:      job.ETAMinutes,
		Error:           job.Error,
	}
	if typ == events.TypeProgress {
		e.ETAText = fmt.Sprint(job.ETAMinutes)
	}
	return e
}

func (c *Coordinator) publish(typ events.Type, job *Job) {
	c.sink.Handle(c.event(typ, job))
}
