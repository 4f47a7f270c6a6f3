// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具
//
// Package runner runs one FFmpeg conversion at a time, turning its stderr
// into progress samples and reporting a typed outcome for every run.

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZSC714725/convertqueue/internal/ffmpeg"
	"github.com/ZSC714725/convertqueue/internal/ffmpeg/parse"
	"github.com/ZSC714725/convertqueue/internal/logger"
	"github.com/ZSC714725/convertqueue/internal/process"
)

var (
	// ErrAlreadyBusy is returned by Start while a conversion is running.
	ErrAlreadyBusy = errors.New("runner is busy")
	// ErrStalled is the outcome error of an encoder that stopped writing.
	ErrStalled = errors.New("encoder stalled")
	// ErrInvalidRequest is returned by Start for a request without paths.
	ErrInvalidRequest = errors.New("source and destination are required")
)

// Prober finds the duration of a source in seconds, 0 when unknown
type Prober interface {
	DurationOrZero(ctx context.Context, path string) float64
}

// Kind of a terminal outcome
type Kind string

const (
	Completed Kind = "completed"
	Faulted   Kind = "faulted"
	Cancelled Kind = "cancelled"
)

// Request to convert one file
type Request struct {
	JobID           string `json:"job_id"`
	SourcePath      string `json:"source_path"`
	DestinationPath string `json:"destination_path"`
}

// Outcome is reported exactly once per started request
type Outcome struct {
	JobID           string
	SourcePath      string
	DestinationPath string
	Kind            Kind
	// Err is set for Faulted outcomes.
	Err      error
	Started  time.Time
	Finished time.Time
}

// Progress of the running request
type Progress struct {
	JobID      string `json:"job_id"`
	SourcePath string `json:"source_path"`
	parse.Sample
	// ETAText is the ETA in whole minutes, "0" while unknown.
	ETAText string `json:"eta_text"`
}

// Config for a Runner
type Config struct {
	FFmpeg ffmpeg.FFmpeg
	Prober Prober
	Logger logger.Logger
	// CleanupDelay is waited before deleting the partial output of a
	// cancelled run, CleanupRetryDelay before the one retry.
	CleanupDelay      time.Duration
	CleanupRetryDelay time.Duration
	// StaleTimeout faults a run whose encoder wrote nothing for that long.
	StaleTimeout time.Duration
}

// Status of the runner
type Status struct {
	State    string         `json:"state"`
	States   States         `json:"states"`
	Busy     bool           `json:"busy"`
	Current  *Request       `json:"current,omitempty"`
	Duration time.Duration  `json:"duration"`
	Time     time.Time      `json:"time"`
	Progress parse.Progress `json:"progress"`
	CPU      float64        `json:"cpu_percent"`
	Memory   uint64         `json:"memory_bytes"`
}

// handle owns the encoder of one run
type handle struct {
	req     Request
	started time.Time
	cancel  atomic.Bool
	proc    atomic.Pointer[process.Process]
}

// Runner converts one file at a time
type Runner struct {
	ffmpeg            ffmpeg.FFmpeg
	prober            Prober
	logger            logger.Logger
	cleanupDelay      time.Duration
	cleanupRetryDelay time.Duration
	staleTimeout      time.Duration

	// busy iff non-nil
	handle    atomic.Pointer[handle]
	startLock sync.Mutex

	parser     parse.Parser
	parserLock sync.RWMutex

	// pending cleanups by path, closed when withdrawn
	pending     map[string]chan struct{}
	pendingLock sync.Mutex

	state struct {
		state  stateType
		time   time.Time
		states States
		lock   sync.Mutex
	}

	outcomes chan Outcome
	progress chan Progress

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	cleanups sync.WaitGroup
}

// New creates a Runner
func New(config Config) (*Runner, error) {
	if config.FFmpeg == nil {
		return nil, errors.New("no ffmpeg given")
	}
	if config.Prober == nil {
		return nil, errors.New("no prober given")
	}

	r := &Runner{
		ffmpeg:            config.FFmpeg,
		prober:            config.Prober,
		logger:            config.Logger,
		cleanupDelay:      config.CleanupDelay,
		cleanupRetryDelay: config.CleanupRetryDelay,
		staleTimeout:      config.StaleTimeout,
		outcomes:          make(chan Outcome, 16),
		progress:          make(chan Progress, 64),
		pending:           make(map[string]chan struct{}),
	}
	if r.logger == nil {
		r.logger = logger.Nop()
	}
	if r.cleanupRetryDelay <= 0 {
		r.cleanupRetryDelay = 2 * time.Second
	}
	r.parser = r.ffmpeg.NewParser()
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.state.state = stateIdle
	r.state.time = time.Now()

	return r, nil
}

// Start begins converting req in the background. It fails with
// ErrAlreadyBusy while another conversion runs.
func (r *Runner) Start(req Request) error {
	if req.SourcePath == "" || req.DestinationPath == "" {
		return ErrInvalidRequest
	}
	if err := r.ctx.Err(); err != nil {
		return fmt.Errorf("runner closed: %w", err)
	}

	r.startLock.Lock()
	defer r.startLock.Unlock()

	if r.handle.Load() != nil {
		return ErrAlreadyBusy
	}

	h := &handle{req: req, started: time.Now()}
	if err := r.setState(stateStarting); err != nil {
		return err
	}
	if r.withdrawCleanup(req.DestinationPath) {
		r.logger.Debug("pending delete of %s withdrawn, the path is reused", req.DestinationPath)
	}
	r.handle.Store(h)

	r.workers.Add(1)
	go r.run(h)
	return nil
}

// Cancel asks the running conversion to stop and reports whether one was
// running. The encoder is killed when its next diagnostic line is read, so
// cancellation takes effect within one line; the partial output is deleted
// in the background afterwards.
func (r *Runner) Cancel() bool {
	h := r.handle.Load()
	if h == nil {
		return false
	}
	h.cancel.Store(true)
	r.logger.Info("cancel requested for %s", h.req.SourcePath)
	return true
}

// Busy reports whether a conversion is running
func (r *Runner) Busy() bool {
	return r.handle.Load() != nil
}

// Current returns the running request
func (r *Runner) Current() (Request, bool) {
	h := r.handle.Load()
	if h == nil {
		return Request{}, false
	}
	return h.req, true
}

// Outcomes delivers one Outcome per started request
func (r *Runner) Outcomes() <-chan Outcome {
	return r.outcomes
}

// Progress delivers samples of the running request. Samples are dropped
// while the consumer falls behind.
func (r *Runner) Progress() <-chan Progress {
	return r.progress
}

// Log returns the diagnostic lines of the current or last run
func (r *Runner) Log() []process.Line {
	return r.currentParser().Log()
}

// Status returns a snapshot of the runner
func (r *Runner) Status() Status {
	r.state.lock.Lock()
	s := Status{
		State:  r.state.state.String(),
		States: r.state.states,
		Time:   r.state.time,
	}
	r.state.lock.Unlock()

	s.Progress = r.currentParser().Progress()

	if h := r.handle.Load(); h != nil {
		req := h.req
		s.Busy = true
		s.Current = &req
		s.Duration = time.Since(h.started)
		if proc := h.proc.Load(); proc != nil {
			s.CPU, s.Memory = proc.Usage()
		}
	}
	return s
}

// Close cancels a running conversion, then waits for it and for pending
// cleanups to finish.
func (r *Runner) Close() {
	if h := r.handle.Load(); h != nil {
		h.cancel.Store(true)
		if proc := h.proc.Load(); proc != nil {
			proc.Kill()
		}
	}
	r.cancel()
	r.workers.Wait()
	r.cleanups.Wait()
}

func (r *Runner) run(h *handle) {
	defer r.workers.Done()

	o := Outcome{
		JobID:           h.req.JobID,
		SourcePath:      h.req.SourcePath,
		DestinationPath: h.req.DestinationPath,
		Started:         h.started,
	}
	o.Kind, o.Err = r.convert(h)
	o.Finished = time.Now()

	switch o.Kind {
	case Completed:
		r.logger.Info("completed %s in %s", o.SourcePath, o.Finished.Sub(o.Started).Round(time.Second))
	case Cancelled:
		r.logger.Info("cancelled %s", o.SourcePath)
	case Faulted:
		r.logger.Error("failed %s: %v", o.SourcePath, o.Err)
	}

	r.transition(stateType(o.Kind))
	r.transition(stateIdle)

	// release before reporting so Busy is false once the outcome is seen
	r.handle.Store(nil)

	select {
	case r.outcomes <- o:
	case <-r.ctx.Done():
	}
}

func (r *Runner) convert(h *handle) (Kind, error) {
	src, dst := h.req.SourcePath, h.req.DestinationPath

	duration := r.prober.DurationOrZero(r.ctx, src)
	if h.cancel.Load() {
		return Cancelled, nil
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Faulted, fmt.Errorf("create destination directory: %w", err)
	}

	parser := r.ffmpeg.NewParser()
	parser.Reset(duration, time.Now())
	r.setParser(parser)

	proc, err := process.Start(process.Config{
		Binary:       r.ffmpeg.Binary(),
		Args:         r.ffmpeg.Command(src, dst),
		StaleTimeout: r.staleTimeout,
		Logger:       r.logger,
	})
	if err != nil {
		return Faulted, err
	}
	h.proc.Store(proc)
	mode := "encode"
	if r.ffmpeg.IsCopy(src) {
		mode = "copy"
	}
	r.logger.Info("converting %s (%s, pid %d)", src, mode, proc.Pid())
	if h.cancel.Load() {
		// Close may have missed the process while it was spawning
		proc.Kill()
	}
	r.transition(stateStreaming)

	for {
		line, err := proc.ReadLine()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			proc.Kill()
			proc.Wait()
			return Faulted, fmt.Errorf("read diagnostics: %w", err)
		}

		if s, ok := parser.Parse(line); ok {
			r.sendProgress(Progress{
				JobID:      h.req.JobID,
				SourcePath: src,
				Sample:     s,
				ETAText:    s.ETAText(),
			})
		}

		if h.cancel.Load() {
			r.transition(stateCancelling)
			proc.Kill()
			proc.Wait()
			r.cleanup(dst)
			return Cancelled, nil
		}
	}

	err = proc.Wait()
	if h.cancel.Load() {
		r.transition(stateCancelling)
		r.cleanup(dst)
		return Cancelled, nil
	}
	if proc.Stalled() {
		return Faulted, ErrStalled
	}
	if err != nil {
		return Faulted, fmt.Errorf("ffmpeg exit code %d: %w", proc.ExitCode(), err)
	}
	return Completed, nil
}

func (r *Runner) transition(state stateType) {
	if err := r.setState(state); err != nil {
		r.logger.Error("state: %v", err)
	}
}

func (r *Runner) sendProgress(p Progress) {
	select {
	case r.progress <- p:
	default:
	}
}

// cleanup deletes path in the background after the cleanup delay, retrying
// once. The encoder may hold the file a little while after being killed.
// A later Start for the same path withdraws the delete.
func (r *Runner) cleanup(path string) {
	stop := make(chan struct{})
	r.pendingLock.Lock()
	if old, ok := r.pending[path]; ok {
		close(old)
	}
	r.pending[path] = stop
	r.pendingLock.Unlock()

	r.cleanups.Add(1)
	go func() {
		defer r.cleanups.Done()
		defer r.forgetCleanup(path, stop)

		if !sleep(r.cleanupDelay, stop) {
			return
		}
		err := r.removePending(path, stop)
		if err == nil {
			return
		}
		r.logger.Debug("delete %s: %v, retrying", path, err)

		if !sleep(r.cleanupRetryDelay, stop) {
			return
		}
		if err := r.removePending(path, stop); err != nil {
			r.logger.Error("delete partial output %s: %v", path, err)
		}
	}()
}

// withdrawCleanup cancels a pending delete of path and reports whether
// there was one
func (r *Runner) withdrawCleanup(path string) bool {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()

	stop, ok := r.pending[path]
	if !ok {
		return false
	}
	close(stop)
	delete(r.pending, path)
	return true
}

func (r *Runner) forgetCleanup(path string, stop chan struct{}) {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()
	if r.pending[path] == stop {
		delete(r.pending, path)
	}
}

// removePending deletes path unless the delete was withdrawn or the running
// request writes to it
func (r *Runner) removePending(path string, stop chan struct{}) error {
	r.pendingLock.Lock()
	defer r.pendingLock.Unlock()

	select {
	case <-stop:
		return nil
	default:
	}
	if h := r.handle.Load(); h != nil && h.req.DestinationPath == path {
		return nil
	}
	return remove(path)
}

func sleep(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}

func remove(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (r *Runner) setParser(p parse.Parser) {
	r.parserLock.Lock()
	defer r.parserLock.Unlock()
	r.parser = p
}

func (r *Runner) currentParser() parse.Parser {
	r.parserLock.RLock()
	defer r.parserLock.RUnlock()
	return r.parser
}
