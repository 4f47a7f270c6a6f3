// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package probe

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ZSC714725/convertqueue/internal/testsupport"
)

func TestMain(m *testing.M) {
	testsupport.RunIfFake()
	os.Exit(m.Run())
}

func newTestProber(t *testing.T) *Prober {
	bin := testsupport.Binary(t)
	return New(Config{FFmpeg: bin, FFprobe: bin})
}

func TestDurationFromProbe(t *testing.T) {
	args := filepath.Join(t.TempDir(), "args")
	testsupport.FakeProcess{Stdout: []string{"", "60.000000"}, Stderr: []string{"ignored"}, ArgsFile: args}.Setenv(t)

	d, err := newTestProber(t).Duration(context.Background(), "/v/movie.mp4")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if d != 60 {
		t.Errorf("duration = %v, want 60", d)
	}

	data, err := os.ReadFile(args)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	got := strings.Fields(string(data))
	if got[0] != "-v" || got[len(got)-1] != "/v/movie.mp4" || !strings.Contains(string(data), "stream=duration") {
		t.Errorf("ffprobe args = %q", got)
	}
}

func TestDurationMatroskaHeader(t *testing.T) {
	args := filepath.Join(t.TempDir(), "args")
	testsupport.FakeProcess{
		Stderr: []string{
			"Input #0, matroska,webm, from 'a.mkv':",
			"  Metadata:",
			"  Duration: 00:01:40.50, start: 0.000000, bitrate: 1000 kb/s",
			"    Stream #0:0: Video: h264",
		},
		// a real decode would keep going, the header must be enough
		Hang:     true,
		ArgsFile: args,
	}.Setenv(t)

	start := time.Now()
	d, err := newTestProber(t).Duration(context.Background(), "/v/a.MKV")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if math.Abs(d-100.5) > 1e-9 {
		t.Errorf("duration = %v, want 100.5", d)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("probe was not killed after the header")
	}

	data, _ := os.ReadFile(args)
	if got := strings.Join(strings.Fields(string(data)), " "); got != "-hide_banner -i /v/a.MKV -f null -" {
		t.Errorf("ffmpeg args = %q", got)
	}
}

func TestDurationWithoutFFprobeUsesHeader(t *testing.T) {
	testsupport.FakeProcess{Stderr: []string{"  Duration: 00:00:30.00, start: 0"}}.Setenv(t)

	p := New(Config{FFmpeg: testsupport.Binary(t)})
	d, err := p.Duration(context.Background(), "/v/a.avi")
	if err != nil || d != 30 {
		t.Errorf("Duration = %v, %v, want 30", d, err)
	}
}

func TestDurationEmptyOutput(t *testing.T) {
	testsupport.FakeProcess{}.Setenv(t)
	p := newTestProber(t)

	for _, path := range []string{"a.mp4", "a.mkv"} {
		d, err := p.Duration(context.Background(), path)
		if err != nil || d != 0 {
			t.Errorf("Duration(%s) = %v, %v, want 0, nil", path, d, err)
		}
	}
}

func TestDurationMalformed(t *testing.T) {
	p := newTestProber(t)

	testsupport.FakeProcess{Stderr: []string{"  Duration: N/A, bitrate: N/A"}}.Setenv(t)
	if _, err := p.Duration(context.Background(), "a.webm"); !errors.Is(err, ErrMalformedDuration) {
		t.Errorf("header error = %v, want ErrMalformedDuration", err)
	}

	for _, out := range []string{"N/A", "NaN", "Inf", "1e999"} {
		testsupport.FakeProcess{Stdout: []string{out}}.Setenv(t)
		if _, err := p.Duration(context.Background(), "a.mov"); !errors.Is(err, ErrMalformedDuration) {
			t.Errorf("probe %q error = %v, want ErrMalformedDuration", out, err)
		}
	}
}

func TestDurationOrZero(t *testing.T) {
	p := newTestProber(t)

	testsupport.FakeProcess{Stderr: []string{"corrupt.avi: Invalid data found when processing input"}, Exit: 1}.Setenv(t)
	if _, err := p.Duration(context.Background(), "corrupt.avi"); err == nil {
		t.Error("expected error from failing ffprobe")
	}
	if d := p.DurationOrZero(context.Background(), "corrupt.avi"); d != 0 {
		t.Errorf("DurationOrZero = %v, want 0", d)
	}

	missing := New(Config{FFmpeg: "/nonexistent/ffmpeg"})
	if d := missing.DurationOrZero(context.Background(), "a.mkv"); d != 0 {
		t.Errorf("DurationOrZero with missing binary = %v, want 0", d)
	}
}

func TestDurationContextCancel(t *testing.T) {
	testsupport.FakeProcess{Hang: true}.Setenv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := newTestProber(t).Duration(ctx, "a.mp4")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestDurationToken(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"  Duration: 00:01:40.50, start: 0.0, bitrate: 1 kb/s", "00:01:40.50", true},
		{"Duration: N/A, bitrate: N/A", "N/A", true},
		{"  Stream #0:0: Video: h264, yuv420p", "", false},
		{"frame=1 time=00:00:01.00", "", false},
	}
	for _, tt := range tests {
		got, ok := durationToken(tt.line)
		if got != tt.want || ok != tt.ok {
			t.Errorf("durationToken(%q) = %q, %v", tt.line, got, ok)
		}
	}
}
