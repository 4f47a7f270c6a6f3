// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package queue

import "errors"

var (
	ErrNotFound          = errors.New("job not found")
	ErrJobExists         = errors.New("source is already queued")
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrInvalidSource     = errors.New("invalid source path")
)
