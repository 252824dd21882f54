package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddress  = ":5000"
	DefaultRoutePrefix    = "/api/image"
	DefaultUploadDir      = "uploads"
	DefaultOutputDir      = "outputs"
	DefaultMaxUploadSize  = "5MiB"
	DefaultSweepMaxAge    = 24
	DefaultTimeoutSeconds = 120
	DefaultHealthTimeout  = 5
	DefaultHealthRetries  = 1
	DefaultProcessLock    = LockNone
	DefaultLogLevel       = "info"
	DefaultConfigFile     = "config.json"
	DefaultRedisHost      = "127.0.0.1"
	DefaultRedisPort      = 6379
	defaultLogFormat      = "json"
	envConfigPath         = "CUTOUT_CONFIG"
	envPort               = "PORT"
	envAIServiceURL       = "AI_SERVICE_URL"
	envUploadDir          = "CUTOUT_UPLOAD_DIR"
	envOutputDir          = "CUTOUT_OUTPUT_DIR"
	envLogLevel           = "CUTOUT_LOG_LEVEL"
)

// Process lock modes.
const (
	LockNone  = "none"
	LockLocal = "local"
	LockRedis = "redis"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig     `json:"basic_config" yaml:"basic_config"`
	AIService   AIServiceConfig `json:"ai_service" yaml:"ai_service"`
	Redis       RedisConfig     `json:"redis" yaml:"redis"`

	maxUploadBytes int64
}

type BasicConfig struct {
	ServerAddress        string  `json:"server_address" yaml:"server_address"`
	RoutePrefix          string  `json:"route_prefix" yaml:"route_prefix"`
	UploadDir            string  `json:"upload_dir" yaml:"upload_dir"`
	OutputDir            string  `json:"output_dir" yaml:"output_dir"`
	MaxUploadSize        string  `json:"max_upload_size" yaml:"max_upload_size"`
	SweepIntervalMinutes int     `json:"sweep_interval_minutes" yaml:"sweep_interval_minutes"`
	SweepMaxAgeHours     float64 `json:"sweep_max_age_hours" yaml:"sweep_max_age_hours"`
	ProcessLock          string  `json:"process_lock" yaml:"process_lock"`
	LogLevel             string  `json:"log_level" yaml:"log_level"`
	LogFormat            string  `json:"log_format" yaml:"log_format"`
}

type AIServiceConfig struct {
	BaseURL              string `json:"base_url" yaml:"base_url"`
	TimeoutSeconds       int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	HealthTimeoutSeconds int    `json:"health_timeout_seconds" yaml:"health_timeout_seconds"`
	HealthRetries        *int   `json:"health_retries" yaml:"health_retries"`
}

type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// MaxUploadBytes returns the parsed upload ceiling.
func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

// Load reads configuration from the provided path (defaults to $CUTOUT_CONFIG,
// then config.json). A missing default file is not an error; an explicitly
// named one is.
func Load(path string) (*Config, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(envConfigPath)
	}
	if path == "" {
		path = DefaultConfigFile
		explicit = false
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := decode(absPath, data, &cfg); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		absPath = ""
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if absPath != "" {
		base := filepath.Dir(absPath)
		cfg.BasicConfig.UploadDir = resolve(base, cfg.BasicConfig.UploadDir)
		cfg.BasicConfig.OutputDir = resolve(base, cfg.BasicConfig.OutputDir)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := strings.TrimSpace(os.Getenv(envPort)); port != "" {
		c.BasicConfig.ServerAddress = ":" + strings.TrimPrefix(port, ":")
	}
	if v := strings.TrimSpace(os.Getenv(envAIServiceURL)); v != "" {
		c.AIService.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(envUploadDir)); v != "" {
		c.BasicConfig.UploadDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envOutputDir)); v != "" {
		c.BasicConfig.OutputDir = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		c.BasicConfig.LogLevel = v
	}
}

func (c *Config) applyDefaults() {
	b := &c.BasicConfig
	if b.ServerAddress == "" {
		b.ServerAddress = DefaultServerAddress
	}
	if b.RoutePrefix == "" {
		b.RoutePrefix = DefaultRoutePrefix
	}
	if b.UploadDir == "" {
		b.UploadDir = DefaultUploadDir
	}
	if b.OutputDir == "" {
		b.OutputDir = DefaultOutputDir
	}
	if b.MaxUploadSize == "" {
		b.MaxUploadSize = DefaultMaxUploadSize
	}
	if b.SweepMaxAgeHours <= 0 {
		b.SweepMaxAgeHours = DefaultSweepMaxAge
	}
	if b.ProcessLock == "" {
		b.ProcessLock = DefaultProcessLock
	}
	b.ProcessLock = strings.ToLower(b.ProcessLock)
	if b.LogLevel == "" {
		b.LogLevel = DefaultLogLevel
	}
	if b.LogFormat == "" {
		b.LogFormat = defaultLogFormat
	}

	a := &c.AIService
	a.BaseURL = strings.TrimRight(a.BaseURL, "/")
	if a.TimeoutSeconds <= 0 {
		a.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if a.HealthTimeoutSeconds <= 0 {
		a.HealthTimeoutSeconds = DefaultHealthTimeout
	}
	if a.HealthRetries == nil {
		retries := DefaultHealthRetries
		a.HealthRetries = &retries
	}

	if c.Redis.Host == "" {
		c.Redis.Host = DefaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = DefaultRedisPort
	}
}

func (c *Config) validate() error {
	if c.AIService.BaseURL == "" {
		return fmt.Errorf("ai_service.base_url must be configured (or set %s)", envAIServiceURL)
	}
	size, err := units.RAMInBytes(c.BasicConfig.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("parse max_upload_size %q: %w", c.BasicConfig.MaxUploadSize, err)
	}
	if size <= 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}
	c.maxUploadBytes = size
	switch c.BasicConfig.ProcessLock {
	case LockNone, LockLocal, LockRedis:
	default:
		return fmt.Errorf("unsupported process_lock: %s", c.BasicConfig.ProcessLock)
	}
	if *c.AIService.HealthRetries < 0 {
		return fmt.Errorf("ai_service.health_retries cannot be negative")
	}
	return nil
}

func resolve(base, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(base, dir)
}
