// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package queue

import (
	"path/filepath"
	"strings"
)

// Status of a job
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether a job with this status still occupies its source
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Job is one queued conversion
type Job struct {
	ID              string  `json:"id"`
	SourcePath      string  `json:"source_path"`
	DestinationPath string  `json:"destination_path"`
	Status          Status  `json:"status"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
	Error           string  `json:"error,omitempty"`
	Percent         float64 `json:"percent"`
	ETAMinutes      int     `json:"eta_minutes"`
}

// Destination returns the output path for source: the base name with its
// extension replaced by ext, inside dir.
func Destination(dir, source, ext string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, base+ext)
}
