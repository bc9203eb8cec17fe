package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/clipforge/internal/common"
	"github.com/jo-hoe/clipforge/internal/profile"
	"github.com/jo-hoe/clipforge/internal/retry"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Source    SourceConfig      `yaml:"source"`
	Transcode TranscodeConfig   `yaml:"transcode"`
	Storage   StorageConfig     `yaml:"storage"`
	State     StateConfig       `yaml:"state"`
	Profiles  []profile.Profile `yaml:"profiles"` // optional, replaces the built-in table
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for in-flight jobs before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	CORSOrigins   []string      `yaml:"corsOrigins"`   // browser origins allowed to call the API; empty disables CORS
}

// PipelineConfig controls concurrency, scratch space and retry behaviour.
type PipelineConfig struct {
	WorkerCount     int           `yaml:"workerCount"`   // concurrent stage executions (fetch/transcode/store)
	MaxInFlight     int           `yaml:"maxInFlight"`   // jobs dispatched at once, including those waiting on retries
	QueueCapacity   int           `yaml:"queueCapacity"` // submitted jobs waiting for dispatch
	TempDir         string        `yaml:"tempDir"`
	Fetch           RetryConfig   `yaml:"fetchRetry"`
	Transcode       RetryConfig   `yaml:"transcodeRetry"`
	Store           RetryConfig   `yaml:"storeRetry"`
	Callback        RetryConfig   `yaml:"callbackRetry"` // completion webhooks
	CallbackTimeout time.Duration `yaml:"callbackTimeout"`
}

// RetryConfig is the YAML form of retry.Policy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// Policy converts the config into a retry policy without an observer.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{MaxAttempts: r.MaxAttempts, InitialDelay: r.InitialDelay, Multiplier: r.Multiplier}
}

// SourceConfig configures the yt-dlp based source fetcher.
type SourceConfig struct {
	YtDlpPath   string        `yaml:"ytDlpPath"`
	Patterns    []string      `yaml:"patterns"` // accepted hosting-platform URL shapes (regular expressions)
	Timeout     time.Duration `yaml:"timeout"`
	MaxFileSize ByteSize      `yaml:"maxFileSize"` // 0 disables the limit
}

// TranscodeConfig configures the ffmpeg invocation.
type TranscodeConfig struct {
	FFmpegPath string        `yaml:"ffmpegPath"`
	VideoCodec string        `yaml:"videoCodec"`
	AudioCodec string        `yaml:"audioCodec"`
	Preset     string        `yaml:"preset"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Storage drivers.
const (
	StorageLocal = "local"
	StorageMinIO = "minio"
)

// StorageConfig selects where finished clips are persisted.
type StorageConfig struct {
	Driver string             `yaml:"driver"` // local|minio
	Local  LocalStorageConfig `yaml:"local"`
	MinIO  MinIOConfig        `yaml:"minio"`
}

// LocalStorageConfig stores clips on disk and serves them over HTTP.
type LocalStorageConfig struct {
	Dir           string `yaml:"dir"`
	PublicBaseURL string `yaml:"publicBaseUrl"` // e.g. http://localhost:8080/clips
}

// MinIOConfig stores clips in an S3-compatible bucket.
type MinIOConfig struct {
	Endpoint      string        `yaml:"endpoint"`
	AccessKey     string        `yaml:"accessKey"`
	SecretKey     string        `yaml:"secretKey"`
	UseSSL        bool          `yaml:"useSSL"`
	Region        string        `yaml:"region"`
	Bucket        string        `yaml:"bucket"`
	Prefix        string        `yaml:"prefix"`
	PublicBaseURL string        `yaml:"publicBaseUrl"` // optional, defaults to scheme://endpoint/bucket
	PresignExpiry time.Duration `yaml:"presignExpiry"` // >0 returns presigned GET URLs instead
}

// State drivers.
const (
	StateSQLite = "sqlite"
	StateRedis  = "redis"
	StateMemory = "memory"
)

// StateConfig selects the job state store.
type StateConfig struct {
	Driver     string      `yaml:"driver"` // sqlite|redis|memory
	SQLitePath string      `yaml:"sqlitePath"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig configures the Redis job state store.
type RedisConfig struct {
	Addr      string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// DefaultSourcePatterns accept the common YouTube URL shapes.
var DefaultSourcePatterns = []string{
	`^https?://(www\.|m\.)?youtube\.com/watch\?(.*&)?v=[A-Za-z0-9_-]{6,}`,
	`^https?://(www\.)?youtube\.com/shorts/[A-Za-z0-9_-]{6,}`,
	`^https?://youtu\.be/[A-Za-z0-9_-]{6,}`,
}

// ByteSize represents a size in bytes that unmarshals from strings like "10MiB", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(value.Value)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// ParseByteSize parses sizes in SI ("20MB") or IEC ("10MiB") notation, or bare bytes.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var CLIPFORGE_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv(common.EnvConfigPath); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in file content.
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	for _, dir := range []string{cfg.Pipeline.TempDir, cfg.Storage.Local.Dir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(64 * 1024)
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	origins := cfg.Server.CORSOrigins[:0]
	for _, o := range cfg.Server.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.Server.CORSOrigins = origins
	if len(cfg.Server.CORSOrigins) == 0 {
		if origin := strings.TrimSpace(os.Getenv(common.EnvClientURL)); origin != "" {
			cfg.Server.CORSOrigins = []string{origin}
		}
	}

	// Pipeline defaults
	if cfg.Pipeline.WorkerCount <= 0 {
		cfg.Pipeline.WorkerCount = runtime.NumCPU()
	}
	if cfg.Pipeline.MaxInFlight <= 0 {
		cfg.Pipeline.MaxInFlight = 4 * cfg.Pipeline.WorkerCount
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		cfg.Pipeline.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Pipeline.TempDir == "" {
		cfg.Pipeline.TempDir = filepath.Join(os.TempDir(), "clipforge")
	}
	defaultRetry(&cfg.Pipeline.Fetch, 3, 2*time.Second, 2)
	defaultRetry(&cfg.Pipeline.Transcode, 2, 5*time.Second, 2)
	defaultRetry(&cfg.Pipeline.Store, 3, 1*time.Second, 2)
	defaultRetry(&cfg.Pipeline.Callback, 3, 2*time.Second, 2)
	if cfg.Pipeline.CallbackTimeout == 0 {
		cfg.Pipeline.CallbackTimeout = 10 * time.Second
	}

	// Source defaults
	if cfg.Source.YtDlpPath == "" {
		cfg.Source.YtDlpPath = common.YtDlpExecutable
	}
	if len(cfg.Source.Patterns) == 0 {
		cfg.Source.Patterns = append([]string(nil), DefaultSourcePatterns...)
	}
	if cfg.Source.Timeout == 0 {
		cfg.Source.Timeout = 10 * time.Minute
	}

	// Transcode defaults
	if cfg.Transcode.FFmpegPath == "" {
		cfg.Transcode.FFmpegPath = common.FFmpegExecutable
	}
	if cfg.Transcode.VideoCodec == "" {
		cfg.Transcode.VideoCodec = "libx264"
	}
	if cfg.Transcode.AudioCodec == "" {
		cfg.Transcode.AudioCodec = "aac"
	}
	if cfg.Transcode.Preset == "" {
		cfg.Transcode.Preset = "veryfast"
	}
	if cfg.Transcode.Timeout == 0 {
		cfg.Transcode.Timeout = 10 * time.Minute
	}

	// Storage defaults
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageLocal
	}
	if cfg.Storage.Driver == StorageLocal {
		if cfg.Storage.Local.Dir == "" {
			cfg.Storage.Local.Dir = "data/clips"
		}
		if cfg.Storage.Local.PublicBaseURL == "" {
			cfg.Storage.Local.PublicBaseURL = "http://localhost" + cfg.Server.Addr + "/clips"
		}
	}
	if cfg.Storage.Driver == StorageMinIO && cfg.Storage.MinIO.Prefix == "" {
		cfg.Storage.MinIO.Prefix = "clips"
	}

	// State defaults
	if cfg.State.Driver == "" {
		cfg.State.Driver = StateSQLite
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = filepath.Join("data", "clipforge.db")
	}
	if cfg.State.Redis.Addr == "" {
		cfg.State.Redis.Addr = "localhost:6379"
	}
	if cfg.State.Redis.KeyPrefix == "" {
		cfg.State.Redis.KeyPrefix = "clipforge"
	}
}

func defaultRetry(r *RetryConfig, attempts int, delay time.Duration, multiplier float64) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = delay
	}
	if r.Multiplier == 0 {
		r.Multiplier = multiplier
	}
}

func validate(cfg *Config) error {
	for name, r := range map[string]RetryConfig{
		"pipeline.fetchRetry":     cfg.Pipeline.Fetch,
		"pipeline.transcodeRetry": cfg.Pipeline.Transcode,
		"pipeline.storeRetry":     cfg.Pipeline.Store,
		"pipeline.callbackRetry":  cfg.Pipeline.Callback,
	} {
		if err := r.Policy().Validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	for _, p := range cfg.Source.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("source.patterns: %q: %w", p, err)
		}
	}

	switch cfg.Storage.Driver {
	case StorageLocal:
		if strings.TrimSpace(cfg.Storage.Local.PublicBaseURL) == "" {
			return errors.New("storage.local.publicBaseUrl is required")
		}
	case StorageMinIO:
		m := cfg.Storage.MinIO
		if strings.TrimSpace(m.Endpoint) == "" {
			return errors.New("storage.minio.endpoint is required")
		}
		if strings.TrimSpace(m.Bucket) == "" {
			return errors.New("storage.minio.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}

	switch cfg.State.Driver {
	case StateSQLite, StateRedis, StateMemory:
	default:
		return fmt.Errorf("unsupported state driver %q", cfg.State.Driver)
	}

	if len(cfg.Profiles) > 0 {
		if _, err := profile.NewTable(cfg.Profiles); err != nil {
			return fmt.Errorf("profiles: %w", err)
		}
	}
	return nil
}

// ProfileTable builds the immutable profile table from config, falling back
// to the built-in profiles.
func (c *Config) ProfileTable() (*profile.Table, error) {
	if len(c.Profiles) == 0 {
		return profile.MustDefaultTable(), nil
	}
	return profile.NewTable(c.Profiles)
}
