// Package config loads flowgen settings.
//
// Load order: code defaults, then the YAML file (flowgen.yaml unless a path is
// given), then FLOWGEN_* environment variables. A .env file in the working
// directory is loaded first so it can supply any of those variables. Secrets
// (MINIO_ACCESS_KEY, MINIO_SECRET_KEY, REDIS_URL) are read only from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"flowgen/internal/observability"
)

const DefaultFile = "flowgen.yaml"

const (
	SinkFile  = "file"
	SinkMinio = "minio"

	BackendFile  = "file"
	BackendRedis = "redis"
)

type Config struct {
	TargetDomain string          `yaml:"target_domain"`
	BrowserURL   string          `yaml:"browser_url"`
	StateDir     string          `yaml:"state_dir"`
	Hub          HubConfig       `yaml:"hub"`
	Monitor      MonitorConfig   `yaml:"monitor"`
	Driver       DriverConfig    `yaml:"driver"`
	Downloads    DownloadsConfig `yaml:"downloads"`
	Session      SessionConfig   `yaml:"session"`
	Log          LogConfig       `yaml:"log"`
	Metrics      MetricsConfig   `yaml:"metrics"`
}

type HubConfig struct {
	Listen string `yaml:"listen"`
	// URL is the websocket address agents dial.
	URL string `yaml:"url"`
}

type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Grace        time.Duration `yaml:"grace"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type DriverConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	DetectionTimeout time.Duration `yaml:"detection_timeout"`
	Hooks            HooksConfig   `yaml:"hooks"`
}

type HooksConfig struct {
	Submit string `yaml:"submit"`
	Poll   string `yaml:"poll"`
}

type DownloadsConfig struct {
	Sink   string      `yaml:"sink"`
	Dir    string      `yaml:"dir"`
	Folder string      `yaml:"folder"`
	Minio  MinioConfig `yaml:"minio"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type SessionConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Prefix   string `yaml:"prefix"`
	RedisURL string `yaml:"-"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

func Default() Config {
	return Config{
		TargetDomain: "labs.google",
		BrowserURL:   "http://127.0.0.1:9222",
		StateDir:     ".flowgen",
		Hub: HubConfig{
			Listen: "127.0.0.1:7788",
			URL:    "ws://127.0.0.1:7788/ws",
		},
		Monitor: MonitorConfig{
			Interval:     2 * time.Second,
			Grace:        500 * time.Millisecond,
			ProbeTimeout: time.Second,
		},
		Driver: DriverConfig{
			PollInterval:     time.Second,
			DetectionTimeout: 3 * time.Minute,
		},
		Downloads: DownloadsConfig{
			Sink:   SinkFile,
			Dir:    ".",
			Folder: "flow-downloads",
			Minio:  MinioConfig{Bucket: "flowgen"},
		},
		Session: SessionConfig{
			Backend: BackendFile,
			Path:    ".flowgen/state.json",
			Prefix:  "flowgen",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the effective configuration. An explicit path must exist; the
// default file is optional.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"FLOWGEN_TARGET_DOMAIN":   &cfg.TargetDomain,
		"FLOWGEN_BROWSER_URL":     &cfg.BrowserURL,
		"FLOWGEN_STATE_DIR":       &cfg.StateDir,
		"FLOWGEN_HUB_LISTEN":      &cfg.Hub.Listen,
		"FLOWGEN_HUB_URL":         &cfg.Hub.URL,
		"FLOWGEN_HOOK_SUBMIT":     &cfg.Driver.Hooks.Submit,
		"FLOWGEN_HOOK_POLL":       &cfg.Driver.Hooks.Poll,
		"FLOWGEN_DOWNLOADS_SINK":  &cfg.Downloads.Sink,
		"FLOWGEN_DOWNLOADS_DIR":   &cfg.Downloads.Dir,
		"FLOWGEN_MINIO_ENDPOINT":  &cfg.Downloads.Minio.Endpoint,
		"FLOWGEN_MINIO_BUCKET":    &cfg.Downloads.Minio.Bucket,
		"FLOWGEN_SESSION_BACKEND": &cfg.Session.Backend,
		"FLOWGEN_SESSION_PATH":    &cfg.Session.Path,
		"FLOWGEN_LOG_LEVEL":       &cfg.Log.Level,
		"FLOWGEN_LOG_FORMAT":      &cfg.Log.Format,
		"FLOWGEN_LOG_FILE":        &cfg.Log.File,
		"FLOWGEN_METRICS_LISTEN":  &cfg.Metrics.Listen,
		"MINIO_ACCESS_KEY":        &cfg.Downloads.Minio.AccessKey,
		"MINIO_SECRET_KEY":        &cfg.Downloads.Minio.SecretKey,
		"REDIS_URL":               &cfg.Session.RedisURL,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}

	durations := map[string]*time.Duration{
		"FLOWGEN_MONITOR_INTERVAL":  &cfg.Monitor.Interval,
		"FLOWGEN_POLL_INTERVAL":     &cfg.Driver.PollInterval,
		"FLOWGEN_DETECTION_TIMEOUT": &cfg.Driver.DetectionTimeout,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("FLOWGEN_MINIO_USE_SSL"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid FLOWGEN_MINIO_USE_SSL: %w", err)
		}
		cfg.Downloads.Minio.UseSSL = b
	}
	return nil
}

func (c *Config) normalize() error {
	def := Default()
	c.TargetDomain = strings.ToLower(strings.TrimSpace(c.TargetDomain))
	if c.TargetDomain == "" {
		c.TargetDomain = def.TargetDomain
	}
	c.Downloads.Sink = strings.ToLower(strings.TrimSpace(c.Downloads.Sink))
	switch c.Downloads.Sink {
	case "":
		c.Downloads.Sink = SinkFile
	case SinkFile, SinkMinio:
	default:
		return fmt.Errorf("invalid downloads.sink %q (expected file|minio)", c.Downloads.Sink)
	}
	c.Session.Backend = strings.ToLower(strings.TrimSpace(c.Session.Backend))
	switch c.Session.Backend {
	case "":
		c.Session.Backend = BackendFile
	case BackendFile:
	case BackendRedis:
		if c.Session.RedisURL == "" {
			return errors.New("session.backend redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("invalid session.backend %q (expected file|redis)", c.Session.Backend)
	}
	if c.Monitor.Interval <= 0 {
		c.Monitor.Interval = def.Monitor.Interval
	}
	if c.Monitor.Grace <= 0 {
		c.Monitor.Grace = def.Monitor.Grace
	}
	if c.Monitor.ProbeTimeout <= 0 {
		c.Monitor.ProbeTimeout = def.Monitor.ProbeTimeout
	}
	if c.Driver.PollInterval <= 0 {
		c.Driver.PollInterval = def.Driver.PollInterval
	}
	if c.Driver.DetectionTimeout <= 0 {
		c.Driver.DetectionTimeout = def.Driver.DetectionTimeout
	}
	if strings.TrimSpace(c.Downloads.Folder) == "" {
		c.Downloads.Folder = def.Downloads.Folder
	}
	if strings.TrimSpace(c.Downloads.Dir) == "" {
		c.Downloads.Dir = def.Downloads.Dir
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = def.StateDir
	}
	if strings.TrimSpace(c.Session.Path) == "" {
		c.Session.Path = def.Session.Path
	}
	return nil
}

func (c Config) LogOptions() observability.Options {
	return observability.Options{Level: c.Log.Level, Format: c.Log.Format, File: c.Log.File}
}
