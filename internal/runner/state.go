// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package runner

import (
	"fmt"
	"time"
)

type stateType string

const (
	stateIdle       stateType = "idle"
	stateStarting   stateType = "starting"
	stateStreaming  stateType = "streaming"
	stateCompleted  stateType = "completed"
	stateCancelling stateType = "cancelling"
	stateCancelled  stateType = "cancelled"
	stateFaulted    stateType = "faulted"
)

func (s stateType) String() string { return string(s) }

// States cumulative counts
type States struct {
	Starting   uint64 `json:"starting"`
	Streaming  uint64 `json:"streaming"`
	Completed  uint64 `json:"completed"`
	Cancelling uint64 `json:"cancelling"`
	Cancelled  uint64 `json:"cancelled"`
	Faulted    uint64 `json:"faulted"`
}

func (s *States) count(state stateType) {
	switch state {
	case stateStarting:
		s.Starting++
	case stateStreaming:
		s.Streaming++
	case stateCompleted:
		s.Completed++
	case stateCancelling:
		s.Cancelling++
	case stateCancelled:
		s.Cancelled++
	case stateFaulted:
		s.Faulted++
	}
}

func (r *Runner) setState(state stateType) error {
	r.state.lock.Lock()
	defer r.state.lock.Unlock()

	failed := false

	switch r.state.state {
	case stateIdle:
		failed = state != stateStarting
	case stateStarting:
		switch state {
		case stateStreaming, stateCancelled, stateFaulted:
		default:
			failed = true
		}
	case stateStreaming:
		switch state {
		case stateCompleted, stateCancelling, stateFaulted:
		default:
			failed = true
		}
	case stateCancelling:
		failed = state != stateCancelled
	case stateCompleted, stateCancelled, stateFaulted:
		failed = state != stateIdle
	default:
		return fmt.Errorf("unhandled state: %s", r.state.state)
	}

	if failed {
		return fmt.Errorf("can't change from %s to %s", r.state.state, state)
	}

	r.state.state = state
	r.state.time = time.Now()
	r.state.states.count(state)
	return nil
}
