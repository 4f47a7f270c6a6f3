// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

//go:build !windows

package process

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// The child gets its own process group so a kill reaches helpers it spawns.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func killGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}
