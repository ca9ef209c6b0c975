package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig describes the connection used for the API token table.
// Host may also hold a full postgres:// URL, in which case the other fields are ignored.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration loaded from YAML.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Limits struct {
		MaxHTMLBytes   int `yaml:"max_html_bytes"`
		MaxImageBytes  int `yaml:"max_image_bytes"`
		MaxUploadBytes int `yaml:"max_upload_bytes"`
		MaxFiles       int `yaml:"max_files"`
	} `yaml:"limits"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		ImageCacheEnabled bool          `yaml:"image_cache_enabled"`
		ImageCacheTTL     time.Duration `yaml:"image_cache_ttl"`
		RedisHost         string        `yaml:"redis_host"`
		RateLimitDB       int           `yaml:"redis_rate_db"`
		ImageCacheDB      int           `yaml:"redis_image_db"`
	} `yaml:"cache"`

	Render RenderConfig `yaml:"render"`

	Auth struct {
		Postgres       PostgresConfig `yaml:"postgres"`
		ReloadInterval time.Duration  `yaml:"reload_interval"`
	} `yaml:"auth"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		UserLimit         int           `yaml:"user_limit"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`
}

// RenderConfig controls how headless Chrome is launched and how long a render may take.
type RenderConfig struct {
	TimeoutSecs        int      `yaml:"timeout_secs"`
	AcquireTimeoutSecs int      `yaml:"acquire_timeout_secs"`
	ChromePath         string   `yaml:"chrome_path"`
	ChromeNoSandbox    bool     `yaml:"chrome_no_sandbox"`
	ChromeArgs         []string `yaml:"chrome_args"`
	ChromePoolSize     int      `yaml:"chrome_pool_size"`
	UserDataDir        string   `yaml:"user_data_dir"`
	ViewportWidth      int      `yaml:"viewport_width"`
	ViewportHeight     int      `yaml:"viewport_height"`
	LaunchRetries      int      `yaml:"launch_retries"`
}

// Timeout returns the render budget covering launch through capture.
func (r RenderConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSecs) * time.Second
}

// LoadConfig reads the file named by CONFIG_PATH, or config.yaml when unset.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	return LoadConfigFrom(path)
}

// LoadConfigFrom reads, defaults and validates the config at path.
// It panics when the file cannot be used; the service cannot start without it.
func LoadConfigFrom(path string) Config {
	data, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config %q: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		panic(fmt.Sprintf("cannot parse config %q: %v", path, err))
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		panic(fmt.Sprintf("invalid config %q: %v", path, err))
	}

	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	if cfg.Limits.MaxHTMLBytes == 0 {
		cfg.Limits.MaxHTMLBytes = 2 * 1024 * 1024
	}
	if cfg.Limits.MaxImageBytes == 0 {
		cfg.Limits.MaxImageBytes = 20 * 1024 * 1024
	}
	if cfg.Limits.MaxUploadBytes == 0 {
		cfg.Limits.MaxUploadBytes = 10 * 1024 * 1024
	}
	if cfg.Limits.MaxFiles == 0 {
		cfg.Limits.MaxFiles = 16
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Cache.ImageCacheTTL == 0 {
		cfg.Cache.ImageCacheTTL = 24 * time.Hour
	}
	if cfg.Render.TimeoutSecs == 0 {
		cfg.Render.TimeoutSecs = 30
	}
	if cfg.Render.AcquireTimeoutSecs == 0 {
		cfg.Render.AcquireTimeoutSecs = 5
	}
	if cfg.Render.ViewportWidth == 0 {
		cfg.Render.ViewportWidth = 1280
	}
	if cfg.Render.ViewportHeight == 0 {
		cfg.Render.ViewportHeight = 800
	}
	if cfg.Auth.ReloadInterval == 0 {
		cfg.Auth.ReloadInterval = time.Minute
	}
	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
}

func validateConfig(cfg Config) error {
	var problems []string
	if cfg.Render.TimeoutSecs < 0 {
		problems = append(problems, "render.timeout_secs must be positive")
	}
	if cfg.Render.ChromePoolSize < 0 {
		problems = append(problems, "render.chrome_pool_size must not be negative")
	}
	if cfg.Render.LaunchRetries < 0 {
		problems = append(problems, "render.launch_retries must not be negative")
	}
	if cfg.Limits.MaxHTMLBytes < 0 || cfg.Limits.MaxImageBytes < 0 || cfg.Limits.MaxUploadBytes < 0 {
		problems = append(problems, "limits must not be negative")
	}
	if cfg.RateLimiter.UserLimit < 0 {
		problems = append(problems, "rate_limiter.user_limit must not be negative")
	}
	if cfg.Auth.ReloadInterval < 0 || cfg.RateLimiter.Interval < 0 {
		problems = append(problems, "intervals must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
