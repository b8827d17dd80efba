// Package config loads service configuration from defaults, an optional YAML file and command line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sepich/thumbcache/pkg/cache"
	"github.com/sepich/thumbcache/pkg/fetch"
	"github.com/sepich/thumbcache/pkg/model"
	"github.com/sepich/thumbcache/pkg/transform"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Fetch     Fetch     `yaml:"fetch"`
	Transform Transform `yaml:"transform"`
	Cache     Cache     `yaml:"cache"`
	S3        S3        `yaml:"s3"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second on /api, 0 is unlimited
	RateBurst       int           `yaml:"rate_burst"`
}

type Fetch struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxSourceBytes int64         `yaml:"max_source_bytes"`
	UserAgent      string        `yaml:"user_agent"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
}

const (
	EngineVips   = "vips"
	EngineNative = "native"
)

type Transform struct {
	Engine          string `yaml:"engine"`  // vips or native
	Workers         int    `yaml:"workers"` // 0 means GOMAXPROCS
	MaxWidth        int    `yaml:"max_width"`
	MaxSourcePixels int64  `yaml:"max_source_pixels"`
	MaxOutputPixels int64  `yaml:"max_output_pixels"`
	DefaultWidth    int    `yaml:"default_width"`
	DefaultFormat   string `yaml:"default_format"`
	DefaultQuality  int    `yaml:"default_quality"`
}

type Cache struct {
	MaxEntries int   `yaml:"max_entries"`
	MaxBytes   int64 `yaml:"max_bytes"`
}

type S3 struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

type Log struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

func Default() *Config {
	return &Config{
		Server: Server{
			Listen:          ":3000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RateBurst:       50,
		},
		Fetch: Fetch{
			Timeout:        fetch.DefaultTimeout,
			MaxSourceBytes: fetch.DefaultMaxSourceBytes,
			UserAgent:      fetch.DefaultUserAgent,
		},
		Transform: Transform{
			Engine:          EngineVips,
			MaxWidth:        4096,
			MaxSourcePixels: transform.DefaultMaxSourcePixels,
			MaxOutputPixels: transform.DefaultMaxOutputPixels,
			DefaultWidth:    model.DefaultWidth,
			DefaultFormat:   string(model.DefaultFormat),
			DefaultQuality:  model.DefaultQuality,
		},
		Cache: Cache{
			MaxEntries: cache.DefaultMaxEntries,
			MaxBytes:   cache.DefaultMaxBytes,
		},
		Log: Log{
			Level: "info",
		},
	}
}

// RegisterFlags binds flags to c. Values in c at call time become the flag defaults.
func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Server.Listen, "listen", c.Server.Listen, "Address to listen on")
	fs.Float64Var(&c.Server.RateLimit, "rate-limit", c.Server.RateLimit, "Image requests per second, 0 to disable")
	fs.IntVar(&c.Server.RateBurst, "rate-burst", c.Server.RateBurst, "Burst size for --rate-limit")
	fs.DurationVar(&c.Fetch.Timeout, "fetch.timeout", c.Fetch.Timeout, "Timeout for fetching a source image")
	fs.Int64Var(&c.Fetch.MaxSourceBytes, "fetch.max-source-bytes", c.Fetch.MaxSourceBytes, "Largest source image to download")
	fs.StringSliceVar(&c.Fetch.AllowedHosts, "fetch.allowed-hosts", c.Fetch.AllowedHosts, "Hosts allowed as image sources, empty allows all")
	fs.IntVar(&c.Transform.Workers, "transform.workers", c.Transform.Workers, "Concurrent transforms, 0 for GOMAXPROCS")
	fs.StringVar(&c.Transform.Engine, "transform.engine", c.Transform.Engine, "Transform engine: vips or native")
	fs.IntVar(&c.Transform.MaxWidth, "transform.max-width", c.Transform.MaxWidth, "Largest width that can be requested")
	fs.Int64Var(&c.Transform.MaxSourcePixels, "transform.max-source-pixels", c.Transform.MaxSourcePixels, "Largest source image in pixels")
	fs.Int64Var(&c.Transform.MaxOutputPixels, "transform.max-output-pixels", c.Transform.MaxOutputPixels, "Largest output image in pixels")
	fs.IntVar(&c.Cache.MaxEntries, "cache.max-entries", c.Cache.MaxEntries, "Result cache entry limit")
	fs.Int64Var(&c.Cache.MaxBytes, "cache.max-bytes", c.Cache.MaxBytes, "Result cache size limit in bytes")
	fs.BoolVar(&c.S3.Enabled, "s3.enabled", c.S3.Enabled, "Serve s3://bucket/key source urls")
	fs.StringVar(&c.S3.Region, "s3.region", c.S3.Region, "AWS region for S3 sources")
	fs.StringVar(&c.S3.Endpoint, "s3.endpoint", c.S3.Endpoint, "Custom S3 endpoint")
	fs.StringVar(&c.Log.Level, "log.level", c.Log.Level, "Log level: debug, info, warn, error")
	fs.BoolVar(&c.Log.Dev, "log.dev", c.Log.Dev, "Human readable development logging")
}

// Load applies the YAML file at path on top of c. A missing file is an error only when required is set.
func (c *Config) Load(path string, required bool) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !required {
		return nil
	} else if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// FromFlags builds a Config with precedence defaults < --config file < flags < PORT env.
func FromFlags(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	// the file has to be loaded before flags are registered, so its values become flag defaults
	pre := pflag.NewFlagSet("config", pflag.ContinueOnError)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.Usage = func() {}
	pre.SetOutput(io.Discard)
	configPath := pre.String("config", "", "")
	_ = pre.Parse(args)
	if *configPath != "" {
		if err := cfg.Load(*configPath, true); err != nil {
			return nil, err
		}
	}

	fs.String("config", *configPath, "Path to YAML config file")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Listen = ":" + port
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen must be set")
	}
	if c.Fetch.Timeout <= 0 {
		return errors.New("fetch.timeout must be positive")
	}
	if c.Fetch.MaxSourceBytes <= 0 {
		return errors.New("fetch.max_source_bytes must be positive")
	}
	if c.Transform.Engine != EngineVips && c.Transform.Engine != EngineNative {
		return fmt.Errorf("transform.engine must be %q or %q", EngineVips, EngineNative)
	}
	if c.Transform.Workers < 0 {
		return errors.New("transform.workers must be non-negative")
	}
	if c.Transform.MaxWidth <= 0 {
		return errors.New("transform.max_width must be positive")
	}
	if c.Transform.MaxSourcePixels <= 0 || c.Transform.MaxOutputPixels <= 0 {
		return errors.New("transform.max_source_pixels and transform.max_output_pixels must be positive")
	}
	if c.Transform.DefaultWidth <= 0 || c.Transform.DefaultWidth > c.Transform.MaxWidth {
		return fmt.Errorf("transform.default_width must be between 1 and %d", c.Transform.MaxWidth)
	}
	if c.Transform.DefaultFormat == "" {
		return errors.New("transform.default_format must be set")
	}
	if c.Transform.DefaultQuality < 0 || c.Transform.DefaultQuality > 100 {
		return errors.New("transform.default_quality must be between 0 and 100")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Cache.MaxBytes <= 0 {
		return errors.New("cache.max_bytes must be positive")
	}
	if c.Server.RateLimit < 0 {
		return errors.New("server.rate_limit must be non-negative")
	}
	return nil
}

func (c *Config) PixelLimits() transform.Limits {
	return transform.Limits{
		MaxSourcePixels: c.Transform.MaxSourcePixels,
		MaxOutputPixels: c.Transform.MaxOutputPixels,
	}
}

func (c *Config) Limits() model.Limits {
	return model.Limits{
		MaxWidth:       c.Transform.MaxWidth,
		DefaultWidth:   c.Transform.DefaultWidth,
		DefaultFormat:  model.Format(c.Transform.DefaultFormat),
		DefaultQuality: c.Transform.DefaultQuality,
	}
}
