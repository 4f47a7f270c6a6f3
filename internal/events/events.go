// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package events

import (
	"sync"
	"time"
)

// Type classifies queue events
type Type string

const (
	TypeQueued    Type = "queued"
	TypeStarted   Type = "started"
	TypeProgress  Type = "progress"
	TypeCompleted Type = "completed"
	TypeFailed    Type = "failed"
	TypeCancelled Type = "cancelled"
	TypeRemoved   Type = "removed"
)

// Terminal reports whether t ends a job run
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeFailed || t == TypeCancelled
}

// Event is one change of a job. Every event carries the source path so
// consumers never have to poll for the current job.
type Event struct {
	Seq             int64     `json:"seq"`
	Timestamp       time.Time `json:"timestamp"`
	Type            Type      `json:"type"`
	JobID           string    `json:"job_id"`
	SourcePath      string    `json:"source_path"`
	DestinationPath string    `json:"destination_path,omitempty"`
	Status          string    `json:"status"`
	Percent         float64   `json:"percent,omitempty"`
	ETAMinutes      int       `json:"eta_minutes,omitempty"`
	ETAText         string    `json:"eta_text,omitempty"`
	Error           string    `json:"error,omitempty"`
	// Started and Finished are set on terminal events.
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
}

// Sink receives events. Handle must not block for long, it is called from
// the queue's event loop.
type Sink interface {
	Handle(e Event)
}

// SinkFunc adapts a function to a Sink
type SinkFunc func(e Event)

func (f SinkFunc) Handle(e Event) { f(e) }

// Fanout hands every event to each sink in order
type Fanout []Sink

func (f Fanout) Handle(e Event) {
	for _, s := range f {
		if s != nil {
			s.Handle(e)
		}
	}
}

// Bus stores recent events and provides incremental reads
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
}

// NewBus creates a bounded in-memory event buffer
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}

	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
	}
}

// Handle implements Sink
func (b *Bus) Handle(e Event) {
	b.Publish(e)
}

// Publish appends one event and assigns sequence and timestamp
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	return e
}

// Since returns events with sequence strictly greater than seq
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, 0, len(b.events))
	for _, e := range b.events {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// LastSeq is the sequence of the newest event, 0 when none was published
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
