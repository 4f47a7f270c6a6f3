// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	FFmpeg  FFmpegConfig  `yaml:"ffmpeg" toml:"ffmpeg"`
	Output  OutputConfig  `yaml:"output" toml:"output"`
	Queue   QueueConfig   `yaml:"queue" toml:"queue"`
	Runner  RunnerConfig  `yaml:"runner" toml:"runner"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Redis   RedisConfig   `yaml:"redis" toml:"redis"`
	Log     LogConfig     `yaml:"log" toml:"log"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Bind     string `yaml:"bind" toml:"bind"`
	StateDir string `yaml:"state_dir" toml:"state_dir"`
}

// FFmpegConfig FFmpeg / FFprobe 配置
type FFmpegConfig struct {
	Path      string `yaml:"path" toml:"path"`
	ProbePath string `yaml:"probe_path" toml:"probe_path"`
	LogLines  int    `yaml:"log_lines" toml:"log_lines"`
}

// OutputConfig 输出目录与扩展名
type OutputConfig struct {
	Dir       string `yaml:"dir" toml:"dir"`
	Extension string `yaml:"extension" toml:"extension"`
}

// QueueConfig 队列输入校验
type QueueConfig struct {
	AllowExtensions []string `yaml:"allow_extensions" toml:"allow_extensions"`
	BlockPatterns   []string `yaml:"block_patterns" toml:"block_patterns"`
}

// RunnerConfig 转换任务执行参数
type RunnerConfig struct {
	CopyExtensions      []string `yaml:"copy_extensions" toml:"copy_extensions"`
	CopyArgs            []string `yaml:"copy_args" toml:"copy_args"`
	EncodeArgs          []string `yaml:"encode_args" toml:"encode_args"`
	ETAWarmupSeconds    int      `yaml:"eta_warmup_seconds" toml:"eta_warmup_seconds"`
	CleanupDelayMS      int      `yaml:"cleanup_delay_ms" toml:"cleanup_delay_ms"`
	CleanupRetryDelayMS int      `yaml:"cleanup_retry_delay_ms" toml:"cleanup_retry_delay_ms"`
	StaleTimeoutSeconds int      `yaml:"stale_timeout_seconds" toml:"stale_timeout_seconds"`
}

// HistoryConfig SQLite 历史记录
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// RedisConfig 事件通知，Addr 为空时关闭
type RedisConfig struct {
	Addr          string `yaml:"addr" toml:"addr"`
	Password      string `yaml:"password" toml:"password"`
	DB            int    `yaml:"db" toml:"db"`
	Channel       string `yaml:"channel" toml:"channel"`
	KeyTTLSeconds int    `yaml:"key_ttl_seconds" toml:"key_ttl_seconds"`
}

// LogConfig 日志配置
type LogConfig struct {
	Debug bool `yaml:"debug" toml:"debug"`
}

// DefaultSourceExtensions lists the video containers accepted by the queue.
var DefaultSourceExtensions = []string{
	".webm", ".mkv", ".flv", ".vob", ".ogv", ".ogg", ".gif", ".gifv", ".avi", ".mov", ".wmv",
	".mp4", ".yuv", ".m4v", ".mpeg", ".mpg", ".3gp", ".f4v", ".f4p", ".f4a", ".f4b",
}

// DefaultCopyExtensions are containers remuxed with stream copy.
var DefaultCopyExtensions = []string{".mkv", ".mk3d"}

// Default 返回默认配置
func Default() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Server: ServerConfig{Bind: ":8080", StateDir: stateDir},
		FFmpeg: FFmpegConfig{Path: "ffmpeg", ProbePath: "ffprobe", LogLines: 100},
		Output: OutputConfig{Dir: defaultOutputDir(), Extension: ".mp4"},
		Queue: QueueConfig{
			AllowExtensions: append([]string(nil), DefaultSourceExtensions...),
		},
		Runner: RunnerConfig{
			CopyExtensions:      append([]string(nil), DefaultCopyExtensions...),
			CopyArgs:            []string{"-c:v", "copy", "-c:a", "copy", "-pix_fmt", "yuv420p"},
			EncodeArgs:          []string{"-pix_fmt", "yuv420p"},
			ETAWarmupSeconds:    5,
			CleanupDelayMS:      1000,
			CleanupRetryDelayMS: 2000,
		},
		History: HistoryConfig{Enabled: true, Path: filepath.Join(stateDir, "history.db")},
		Redis:   RedisConfig{Channel: "convertqueue:events", KeyTTLSeconds: 86400},
	}
}

// Load 从 YAML 或 TOML 文件加载配置，按扩展名选择解析器
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// derived from the state dir in normalize unless set
	cfg.History.Path = ""

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

// 填充空值
func (c *Config) normalize() {
	def := Default()

	if c.Server.Bind == "" {
		c.Server.Bind = def.Server.Bind
	}
	if c.Server.StateDir == "" {
		c.Server.StateDir = def.Server.StateDir
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = def.FFmpeg.Path
	}
	if c.FFmpeg.ProbePath == "" {
		c.FFmpeg.ProbePath = def.FFmpeg.ProbePath
	}
	if c.FFmpeg.LogLines <= 0 {
		c.FFmpeg.LogLines = def.FFmpeg.LogLines
	}
	if c.Output.Dir == "" {
		c.Output.Dir = def.Output.Dir
	}
	if c.Output.Extension == "" {
		c.Output.Extension = def.Output.Extension
	}
	if !strings.HasPrefix(c.Output.Extension, ".") {
		c.Output.Extension = "." + c.Output.Extension
	}
	if len(c.Queue.AllowExtensions) == 0 {
		c.Queue.AllowExtensions = def.Queue.AllowExtensions
	}
	if c.Runner.CopyExtensions == nil {
		c.Runner.CopyExtensions = def.Runner.CopyExtensions
	}
	if len(c.Runner.CopyArgs) == 0 {
		c.Runner.CopyArgs = def.Runner.CopyArgs
	}
	if len(c.Runner.EncodeArgs) == 0 {
		c.Runner.EncodeArgs = def.Runner.EncodeArgs
	}
	if c.Runner.ETAWarmupSeconds <= 0 {
		c.Runner.ETAWarmupSeconds = def.Runner.ETAWarmupSeconds
	}
	if c.Runner.CleanupDelayMS < 0 {
		c.Runner.CleanupDelayMS = 0
	}
	if c.Runner.CleanupRetryDelayMS <= 0 {
		c.Runner.CleanupRetryDelayMS = def.Runner.CleanupRetryDelayMS
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.Server.StateDir, "history.db")
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = def.Redis.Channel
	}
	if c.Redis.KeyTTLSeconds <= 0 {
		c.Redis.KeyTTLSeconds = def.Redis.KeyTTLSeconds
	}
}

// CleanupDelay is the wait before deleting a cancelled job's partial output.
func (r RunnerConfig) CleanupDelay() time.Duration {
	return time.Duration(r.CleanupDelayMS) * time.Millisecond
}

// CleanupRetryDelay is the wait before the single delete retry.
func (r RunnerConfig) CleanupRetryDelay() time.Duration {
	return time.Duration(r.CleanupRetryDelayMS) * time.Millisecond
}

// ETAWarmup is the wall-clock time before an ETA is extrapolated.
func (r RunnerConfig) ETAWarmup() time.Duration {
	return time.Duration(r.ETAWarmupSeconds) * time.Second
}

// StaleTimeout is zero when stall detection is disabled.
func (r RunnerConfig) StaleTimeout() time.Duration {
	return time.Duration(r.StaleTimeoutSeconds) * time.Second
}

// LockPath is the single-instance lock file of the server.
func (c *Config) LockPath() string {
	return filepath.Join(c.Server.StateDir, "convertqueue.lock")
}

// EnsureDirectories creates the state directory.
func (c *Config) EnsureDirectories() error {
	return os.MkdirAll(c.Server.StateDir, 0o755)
}

func defaultStateDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "convertqueue")
	}
	return ".convertqueue"
}

func defaultOutputDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Converted Videos")
	}
	return "Converted Videos"
}
