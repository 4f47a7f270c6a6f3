// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZSC714725/convertqueue/internal/ffmpeg"
	"github.com/ZSC714725/convertqueue/internal/testsupport"
)

func TestMain(m *testing.M) {
	testsupport.RunIfFake()
	os.Exit(m.Run())
}

type stubProber float64

func (p stubProber) DurationOrZero(ctx context.Context, path string) float64 {
	return float64(p)
}

func newTestRunner(t *testing.T, duration float64, stale time.Duration) *Runner {
	t.Helper()
	f, err := ffmpeg.New(ffmpeg.Config{Binary: testsupport.Binary(t)})
	if err != nil {
		t.Fatalf("ffmpeg.New: %v", err)
	}
	r, err := New(Config{
		FFmpeg:            f,
		Prober:            stubProber(duration),
		CleanupDelay:      10 * time.Millisecond,
		CleanupRetryDelay: 50 * time.Millisecond,
		StaleTimeout:      stale,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitOutcome(t *testing.T, r *Runner) Outcome {
	t.Helper()
	select {
	case o := <-r.Outcomes():
		return o
	case <-time.After(10 * time.Second):
		t.Fatal("no outcome")
		return Outcome{}
	}
}

func frameLines(n int, step time.Duration) []string {
	lines := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		ts := time.Duration(i) * step
		lines = append(lines, fmt.Sprintf("frame=%d fps=25 q=28.0 size=%dkB time=00:%02d:%02d.00 bitrate=1kbits/s speed=1x",
			i*25, i*10, int(ts.Minutes())%60, int(ts.Seconds())%60))
	}
	return lines
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestRunCompleted(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in", "movie.mkv")
	dst := filepath.Join(dir, "out", "nested", "movie.mp4")
	args := filepath.Join(dir, "args")

	testsupport.FakeProcess{
		Stderr: []string{
			"Input #0, matroska,webm, from 'movie.mkv':",
			"frame=  750 fps= 25 q=28.0 size=    1024kB time=00:00:30.00 bitrate= 279.6kbits/s speed=1.01x",
			"video:1kB audio:1kB",
		},
		Touch:    dst,
		ArgsFile: args,
	}.Setenv(t)

	r := newTestRunner(t, 60, 0)
	if err := r.Start(Request{JobID: "a", SourcePath: src, DestinationPath: dst}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.Busy() {
		t.Error("not busy after Start")
	}
	if cur, ok := r.Current(); !ok || cur.SourcePath != src {
		t.Errorf("Current = %+v, %v", cur, ok)
	}

	o := waitOutcome(t, r)
	if o.Kind != Completed || o.Err != nil || o.JobID != "a" || o.SourcePath != src {
		t.Fatalf("outcome = %+v", o)
	}
	if r.Busy() {
		t.Error("busy after the outcome")
	}
	if _, ok := r.Current(); ok {
		t.Error("Current still set")
	}

	select {
	case p := <-r.Progress():
		if math.Abs(p.Percent-50) > 1e-9 || p.SourcePath != src || p.ETAText != "0" {
			t.Errorf("progress = %+v", p)
		}
	default:
		t.Error("no progress sample")
	}

	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing: %v", err)
	}
	got := strings.Join(readArgs(t, args), " ")
	want := "-nostdin -i " + src + " -c:v copy -c:a copy -pix_fmt yuv420p " + dst + " -y"
	if got != want {
		t.Errorf("args\n got  %s\n want %s", got, want)
	}
	if len(r.Log()) != 3 {
		t.Errorf("log lines = %d, want 3", len(r.Log()))
	}

	s := r.Status()
	if s.State != "idle" || s.States.Completed != 1 || s.States.Streaming != 1 || s.Busy {
		t.Errorf("status = %+v", s)
	}
}

func TestRunEncodeTemplate(t *testing.T) {
	dir := t.TempDir()
	args := filepath.Join(dir, "args")
	testsupport.FakeProcess{ArgsFile: args}.Setenv(t)

	r := newTestRunner(t, 0, 0)
	src, dst := filepath.Join(dir, "clip.avi"), filepath.Join(dir, "clip.mp4")
	if err := r.Start(Request{SourcePath: src, DestinationPath: dst}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o := waitOutcome(t, r); o.Kind != Completed {
		t.Fatalf("outcome = %+v", o)
	}

	got := readArgs(t, args)
	want := []string{"-nostdin", "-i", src, "-pix_fmt", "yuv420p", dst, "-y"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("args = %q, want %q", got, want)
	}
}

func TestRunFaultedOnExitCode(t *testing.T) {
	dir := t.TempDir()
	testsupport.FakeProcess{Stderr: []string{"clip.avi: Invalid data found when processing input"}, Exit: 1}.Setenv(t)

	r := newTestRunner(t, 0, 0)
	if err := r.Start(Request{SourcePath: filepath.Join(dir, "clip.avi"), DestinationPath: filepath.Join(dir, "clip.mp4")}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o := waitOutcome(t, r)
	if o.Kind != Faulted || o.Err == nil {
		t.Fatalf("outcome = %+v", o)
	}
	if !strings.Contains(o.Err.Error(), "exit code 1") {
		t.Errorf("error = %v, want exit code", o.Err)
	}
	if r.Busy() {
		t.Error("busy after fault")
	}
	if r.Status().States.Faulted != 1 {
		t.Errorf("states = %+v", r.Status().States)
	}
}

func TestRunFaultedOnDestinationDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	testsupport.FakeProcess{}.Setenv(t)

	r := newTestRunner(t, 0, 0)
	if err := r.Start(Request{SourcePath: filepath.Join(dir, "a.mov"), DestinationPath: filepath.Join(blocker, "a.mp4")}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o := waitOutcome(t, r)
	if o.Kind != Faulted || !strings.Contains(o.Err.Error(), "destination directory") {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestCancelDeletesPartialOutput(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "out.mp4")
	testsupport.FakeProcess{
		Stderr:    frameLines(200, time.Second),
		LineDelay: 20 * time.Millisecond,
		Touch:     dst,
		Hang:      true,
	}.Setenv(t)

	r := newTestRunner(t, 3600, 0)
	if err := r.Start(Request{JobID: "c", SourcePath: filepath.Join(dir, "in.mkv"), DestinationPath: dst}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-r.Progress():
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before cancel")
	}
	if !r.Cancel() {
		t.Fatal("Cancel returned false while running")
	}

	o := waitOutcome(t, r)
	if o.Kind != Cancelled || o.Err != nil {
		t.Fatalf("outcome = %+v", o)
	}
	if r.Busy() {
		t.Error("busy after cancelled outcome")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(dst); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial output not deleted")
		}
		time.Sleep(20 * time.Millisecond)
	}

	s := r.Status()
	if s.States.Cancelling != 1 || s.States.Cancelled != 1 {
		t.Errorf("states = %+v", s.States)
	}
}

func TestCancelledCleanupSparesReusedDestination(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "movie.mp4")
	testsupport.FakeProcess{
		Stderr:    frameLines(10, time.Second),
		LineDelay: 20 * time.Millisecond,
		Touch:     dst,
	}.Setenv(t)

	f, err := ffmpeg.New(ffmpeg.Config{Binary: testsupport.Binary(t)})
	if err != nil {
		t.Fatalf("ffmpeg.New: %v", err)
	}
	r, err := New(Config{
		FFmpeg:            f,
		Prober:            stubProber(10),
		CleanupDelay:      300 * time.Millisecond,
		CleanupRetryDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(r.Close)

	src := filepath.Join(dir, "movie.mkv")
	if err := r.Start(Request{JobID: "a", SourcePath: src, DestinationPath: dst}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-r.Progress():
	case <-time.After(10 * time.Second):
		t.Fatal("no progress before cancel")
	}
	r.Cancel()
	if o := waitOutcome(t, r); o.Kind != Cancelled {
		t.Fatalf("first run = %+v, want cancelled", o)
	}

	if err := r.Start(Request{JobID: "b", SourcePath: src, DestinationPath: dst}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if o := waitOutcome(t, r); o.Kind != Completed {
		t.Fatalf("second run = %+v, want completed", o)
	}

	// past the delete and its retry
	time.Sleep(500 * time.Millisecond)
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("output of second run: %v", err)
	}
}

func TestCancelIdle(t *testing.T) {
	r := newTestRunner(t, 0, 0)
	if r.Cancel() {
		t.Error("Cancel on idle runner returned true")
	}
}

func TestStartWhileBusy(t *testing.T) {
	dir := t.TempDir()
	testsupport.FakeProcess{Hang: true}.Setenv(t)

	r := newTestRunner(t, 0, 0)
	req := Request{SourcePath: filepath.Join(dir, "a.mov"), DestinationPath: filepath.Join(dir, "a.mp4")}
	if err := r.Start(req); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(req); !errors.Is(err, ErrAlreadyBusy) {
		t.Fatalf("second Start error = %v, want ErrAlreadyBusy", err)
	}
	if err := r.Start(Request{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("empty request error = %v", err)
	}

	r.Close()
	if r.Busy() {
		t.Error("busy after Close")
	}
	if err := r.Start(req); err == nil {
		t.Error("Start after Close succeeded")
	}
}

func TestStaleEncoderFaults(t *testing.T) {
	dir := t.TempDir()
	testsupport.FakeProcess{Stderr: []string{"frame=1 time=00:00:01.00"}, Hang: true}.Setenv(t)

	r := newTestRunner(t, 10, 200*time.Millisecond)
	if err := r.Start(Request{SourcePath: filepath.Join(dir, "a.mov"), DestinationPath: filepath.Join(dir, "a.mp4")}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o := waitOutcome(t, r)
	if o.Kind != Faulted || !errors.Is(o.Err, ErrStalled) {
		t.Fatalf("outcome = %+v", o)
	}
}

func TestSequentialRuns(t *testing.T) {
	dir := t.TempDir()
	testsupport.FakeProcess{Stderr: frameLines(2, time.Second)}.Setenv(t)

	r := newTestRunner(t, 2, 0)
	for i := 0; i < 3; i++ {
		req := Request{
			JobID:           fmt.Sprint(i),
			SourcePath:      filepath.Join(dir, fmt.Sprintf("%d.mov", i)),
			DestinationPath: filepath.Join(dir, fmt.Sprintf("%d.mp4", i)),
		}
		if err := r.Start(req); err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		if o := waitOutcome(t, r); o.Kind != Completed || o.JobID != req.JobID {
			t.Fatalf("outcome %d = %+v", i, o)
		}
	}
	if got := r.Status().States.Completed; got != 3 {
		t.Errorf("completed = %d, want 3", got)
	}
}

func TestStateTransitions(t *testing.T) {
	r := &Runner{}
	r.state.state = stateIdle

	if err := r.setState(stateStreaming); err == nil {
		t.Error("idle -> streaming allowed")
	}
	for _, s := range []stateType{stateStarting, stateStreaming, stateCancelling, stateCancelled, stateIdle} {
		if err := r.setState(s); err != nil {
			t.Fatalf("setState(%s): %v", s, err)
		}
	}
	if err := r.setState(stateCompleted); err == nil {
		t.Error("idle -> completed allowed")
	}
	if r.state.states.Starting != 1 || r.state.states.Cancelled != 1 {
		t.Errorf("states = %+v", r.state.states)
	}
}
