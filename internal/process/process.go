// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具
//
// Package process wraps exec.Cmd for an FFmpeg or FFprobe process whose
// diagnostic stream is consumed one line at a time.

package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/ZSC714725/convertqueue/internal/logger"
)

var (
	// ErrKilled is returned by Wait when the process was killed by Kill or KillAll.
	ErrKilled = errors.New("process killed")
	// ErrNoBinary is returned by Start for an empty binary.
	ErrNoBinary = errors.New("no valid binary given")
)

// Stream selects which output of the process is read by ReadLine
type Stream int

const (
	Stderr Stream = iota
	Stdout
)

// Config for a process
type Config struct {
	Binary string
	// Args are passed as a literal list, never through a shell.
	Args []string
	// Env replaces the environment when non-nil.
	Env    []string
	Stream Stream
	// StaleTimeout kills the process when no line was read for that long.
	// Zero disables it.
	StaleTimeout time.Duration
	Logger       logger.Logger
}

// Line is a timestamped log line
type Line struct {
	Timestamp time.Time
	Data      string
}

type stateType string

const (
	stateRunning  stateType = "running"
	stateFinished stateType = "finished"
	stateFailed   stateType = "failed"
	stateKilled   stateType = "killed"
)

func (s stateType) String() string { return string(s) }

// Process is one started subprocess
type Process struct {
	binary  string
	cmd     *exec.Cmd
	pid     int
	started time.Time
	scanner *bufio.Scanner
	logger  logger.Logger
	usage   Sampler

	state struct {
		state stateType
		time  time.Time
		lock  sync.Mutex
	}
	stale struct {
		last    time.Time
		timeout time.Duration
		cancel  context.CancelFunc
		lock    sync.Mutex
	}

	killed  atomic.Bool
	stalled atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

// Start spawns the process and returns once it is running
func Start(config Config) (*Process, error) {
	if len(config.Binary) == 0 {
		return nil, ErrNoBinary
	}

	p := &Process{
		binary: config.Binary,
		logger: config.Logger,
		usage:  NewSysSampler(),
	}
	if p.logger == nil {
		p.logger = logger.Nop()
	}

	p.cmd = exec.Command(config.Binary, config.Args...)
	if config.Env != nil {
		p.cmd.Env = config.Env
	}
	p.cmd.SysProcAttr = sysProcAttr()

	var (
		pipe io.ReadCloser
		err  error
	)
	if config.Stream == Stdout {
		pipe, err = p.cmd.StdoutPipe()
	} else {
		pipe, err = p.cmd.StderrPipe()
	}
	if err != nil {
		return nil, fmt.Errorf("%s: pipe: %w", config.Binary, err)
	}

	if err := p.cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s: start: %w", config.Binary, err)
	}

	p.pid = p.cmd.Process.Pid
	p.started = time.Now()
	p.setState(stateRunning)
	if err := p.usage.Start(p.pid); err != nil {
		p.logger.Debug("usage sampler for pid %d: %v", p.pid, err)
	}

	p.scanner = bufio.NewScanner(pipe)
	p.scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	p.scanner.Split(scanLine)

	register(p)
	p.logger.Debug("started %s (pid %d) %v", config.Binary, p.pid, config.Args)

	if config.StaleTimeout > 0 {
		p.stale.lock.Lock()
		ctx, cancel := context.WithCancel(context.Background())
		p.stale.cancel = cancel
		p.stale.last = time.Now()
		p.stale.timeout = config.StaleTimeout
		p.stale.lock.Unlock()
		go p.staler(ctx)
	}

	return p, nil
}

// ReadLine blocks until the next line is available. \r and \n both end a
// line, FFmpeg rewrites its progress line with \r. It returns io.EOF once
// the stream is closed.
func (p *Process) ReadLine() (string, error) {
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}

	if p.stale.timeout > 0 {
		p.stale.lock.Lock()
		p.stale.last = time.Now()
		p.stale.lock.Unlock()
	}
	return p.scanner.Text(), nil
}

// Kill terminates the process and every process in its group
func (p *Process) Kill() error {
	if p.exited() {
		return nil
	}
	p.killed.Store(true)
	if err := killGroup(p.pid); err != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Wait waits for the process to exit. It is safe to call more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()

		p.usage.Stop()
		p.stopStaler()
		unregister(p)

		switch {
		case p.killed.Load():
			p.setState(stateKilled)
			p.waitErr = ErrKilled
		case err != nil:
			p.setState(stateFailed)
			p.waitErr = fmt.Errorf("%s: %w", p.binary, err)
		default:
			p.setState(stateFinished)
		}
		p.logger.Debug("%s (pid %d) %s after %s", p.binary, p.pid, p.State(), time.Since(p.started).Round(time.Millisecond))
	})
	return p.waitErr
}

// Pid of the process
func (p *Process) Pid() int {
	return p.pid
}

// Stalled reports whether the process was killed by the stale timeout
func (p *Process) Stalled() bool {
	return p.stalled.Load()
}

// Usage returns current CPU percent and resident memory of the process
func (p *Process) Usage() (cpu float64, memory uint64) {
	return p.usage.Current()
}

// State is one of running, finished, failed or killed
func (p *Process) State() string {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()
	return p.state.state.String()
}

// ExitCode is -1 while running or when killed by a signal
func (p *Process) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *Process) exited() bool {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()
	return p.state.state != stateRunning
}

func (p *Process) setState(state stateType) {
	p.state.lock.Lock()
	defer p.state.lock.Unlock()
	p.state.state = state
	p.state.time = time.Now()
}

func (p *Process) staler(ctx context.Context) {
	ticker := time.NewTicker(p.stale.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.stale.lock.Lock()
			last := p.stale.last
			timeout := p.stale.timeout
			p.stale.lock.Unlock()

			if t.Sub(last) > timeout {
				p.logger.Warn("%s (pid %d) wrote nothing for %s, killing", p.binary, p.pid, timeout)
				p.stalled.Store(true)
				p.Kill()
				return
			}
		}
	}
}

func (p *Process) stopStaler() {
	p.stale.lock.Lock()
	defer p.stale.lock.Unlock()
	if p.stale.cancel != nil {
		p.stale.cancel()
		p.stale.cancel = nil
	}
}

func scanLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) {
		r, w := utf8.DecodeRune(data[start:])
		if r != '\n' && r != '\r' {
			break
		}
		start += w
	}

	for i := start; i < len(data); {
		r, w := utf8.DecodeRune(data[i:])
		if r == '\n' || r == '\r' {
			return i + w, data[start:i], nil
		}
		i += w
	}

	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// registry of live processes for KillAll
var registry = struct {
	procs map[*Process]struct{}
	lock  sync.Mutex
}{procs: make(map[*Process]struct{})}

func register(p *Process) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	registry.procs[p] = struct{}{}
}

func unregister(p *Process) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	delete(registry.procs, p)
}

// KillAll kills every live process started by this package and returns how
// many were signalled. It is meant for shutdown, so no process outlives the
// application.
func KillAll() int {
	registry.lock.Lock()
	procs := make([]*Process, 0, len(registry.procs))
	for p := range registry.procs {
		procs = append(procs, p)
	}
	registry.lock.Unlock()

	n := 0
	for _, p := range procs {
		killTree(p.pid)
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Error("kill %s (pid %d): %v", p.binary, p.pid, err)
			continue
		}
		n++
	}
	return n
}
