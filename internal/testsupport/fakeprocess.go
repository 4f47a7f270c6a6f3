// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

// Package testsupport lets a test binary stand in for ffmpeg and ffprobe.
//
// A package opts in by calling RunIfFake from TestMain. Tests describe the
// fake with a FakeProcess and point the code under test at Binary(t); every
// child started afterwards runs the test binary, which replays the fake and
// exits instead of running tests.
package testsupport

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"
)

const envKey = "CONVERTQUEUE_FAKE_PROCESS"

// FakeProcess describes what the fake child writes and how it exits
type FakeProcess struct {
	Stdout    []string      `json:"stdout,omitempty"`
	Stderr    []string      `json:"stderr,omitempty"`
	LineDelay time.Duration `json:"line_delay,omitempty"`
	// Touch is created before any output is written.
	Touch string `json:"touch,omitempty"`
	// Hang keeps the process alive after its output until it is killed.
	Hang bool `json:"hang,omitempty"`
	Exit int  `json:"exit,omitempty"`
	// ArgsFile receives the command line, one argument per line.
	ArgsFile string `json:"args_file,omitempty"`
}

// Setenv installs f for every child process started by the test
func (f FakeProcess) Setenv(t testing.TB) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal fake process: %v", err)
	}
	t.Setenv(envKey, string(data))
}

// Binary returns the path of the running test binary
func Binary(t testing.TB) string {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("test executable: %v", err)
	}
	return exe
}

// RunIfFake turns the current process into the fake when the environment
// asks for it. It never returns in that case.
func RunIfFake() {
	raw := os.Getenv(envKey)
	if raw == "" {
		return
	}

	var f FakeProcess
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		fmt.Fprintf(os.Stderr, "fake process: %v\n", err)
		os.Exit(97)
	}

	if f.ArgsFile != "" {
		var data []byte
		for _, a := range os.Args[1:] {
			data = append(data, a...)
			data = append(data, '\n')
		}
		if err := os.WriteFile(f.ArgsFile, data, 0o644); err != nil {
			os.Exit(98)
		}
	}
	if f.Touch != "" {
		if err := os.WriteFile(f.Touch, []byte("partial"), 0o644); err != nil {
			os.Exit(99)
		}
	}

	for _, line := range f.Stdout {
		fmt.Fprintln(os.Stdout, line)
		time.Sleep(f.LineDelay)
	}
	for _, line := range f.Stderr {
		fmt.Fprintln(os.Stderr, line)
		time.Sleep(f.LineDelay)
	}

	if f.Hang {
		for {
			time.Sleep(time.Hour)
		}
	}
	os.Exit(f.Exit)
}
