// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package api

import "github.com/ZSC714725/convertqueue/internal/runner"

// EnqueueRequest for POST /jobs
type EnqueueRequest struct {
	SourcePath string `json:"source_path" binding:"required"`
}

// State of the queue and the runner
type State struct {
	Busy              bool             `json:"busy"`
	CurrentSourcePath string           `json:"current_source_path"`
	Summary           string           `json:"summary"`
	Progress          *runner.Progress `json:"progress,omitempty"`
	Runner            runner.Status    `json:"runner"`
}

// Report holds the diagnostic log of the current or last run
type Report struct {
	CreatedAt int64       `json:"created_at"`
	Log       [][2]string `json:"log"`
}

// CommandRequest for PUT /command
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// ClearResponse for DELETE /jobs
type ClearResponse struct {
	Removed int `json:"removed"`
}

// ErrorResponse for API errors
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}
