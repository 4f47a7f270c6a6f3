// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具
//
// Package notify mirrors queue events to Redis: every event is published
// as JSON on a channel, and the latest state of each job is kept in a
// "job:<id>" hash.

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ZSC714725/convertqueue/internal/events"
	"github.com/ZSC714725/convertqueue/internal/logger"

	"github.com/redis/go-redis/v9"
)

// client is the part of *redis.Client the notifier uses
type client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Config for the Redis notifier
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// KeyTTL expires job hashes once the job is finished or removed.
	KeyTTL time.Duration
	Logger logger.Logger
}

// Redis is an events.Sink. Events are queued and written by a background
// goroutine so a slow server never stalls the queue.
type Redis struct {
	client  client
	channel string
	ttl     time.Duration
	logger  logger.Logger

	queue chan events.Event
	done  chan struct{}
	once  sync.Once
}

// NewRedis connects to the server and starts the writer
func NewRedis(config Config) (*Redis, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", config.Addr, err)
	}

	return newRedis(c, config), nil
}

func newRedis(c client, config Config) *Redis {
	r := &Redis{
		client:  c,
		channel: config.Channel,
		ttl:     config.KeyTTL,
		logger:  config.Logger,
		queue:   make(chan events.Event, 256),
		done:    make(chan struct{}),
	}
	if r.channel == "" {
		r.channel = "convertqueue:events"
	}
	if r.ttl <= 0 {
		r.ttl = 24 * time.Hour
	}
	if r.logger == nil {
		r.logger = logger.Nop()
	}

	go r.writer()
	return r
}

// Handle queues e for writing. Events are dropped while the buffer is full.
func (r *Redis) Handle(e events.Event) {
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("redis notifier is behind, dropped %s event of job %s", e.Type, e.JobID)
	}
}

// Close flushes queued events and closes the connection
func (r *Redis) Close() error {
	r.once.Do(func() {
		close(r.queue)
	})
	<-r.done
	return r.client.Close()
}

func (r *Redis) writer() {
	defer close(r.done)

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.write(ctx, e); err != nil {
			r.logger.Error("redis: %v", err)
		}
		cancel()
	}
}

func (r *Redis) write(ctx context.Context, e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	key := JobKey(e.JobID)
	now := time.Now().Format(time.RFC3339)

	values := []interface{}{
		"status", e.Status,
		"source_path", e.SourcePath,
		"destination_path", e.DestinationPath,
		"percent", strconv.FormatFloat(e.Percent, 'f', 2, 64),
		"eta_minutes", e.ETAMinutes,
		"updated_at", now,
	}
	switch {
	case e.Type == events.TypeStarted:
		values = append(values, "started_at", now)
	case e.Type.Terminal():
		values = append(values, "completed_at", now, "error", e.Error)
	case e.Type == events.TypeRemoved:
		values = append(values, "removed", "1")
	}

	if err := r.client.HSet(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}

	if e.Type.Terminal() || e.Type == events.TypeRemoved {
		if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return nil
}

// JobKey is the hash key holding the state of job id
func JobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}
