// Package config loads harbord settings from defaults, an optional YAML file
// and HARBOR_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"harbor/pkg/log"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

const (
	envPrefix  = "HARBOR"
	configName = "harbor"

	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"

	BackendDisk = "disk"
	BackendS3   = "s3"
)

// Timeouts bound request handling per route group.
type Timeouts struct {
	Chunk   time.Duration `mapstructure:"chunk"`
	List    time.Duration `mapstructure:"list"`
	Share   time.Duration `mapstructure:"share"`
	Default time.Duration `mapstructure:"default"`
}

type HTTPConfig struct {
	Addr         string   `mapstructure:"addr"`
	ShareBaseURL string   `mapstructure:"share_base_url"`
	Timeouts     Timeouts `mapstructure:"timeouts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type DiskConfig struct {
	Root string `mapstructure:"root"`
}

type S3Config struct {
	Endpoint     string        `mapstructure:"endpoint"`
	Region       string        `mapstructure:"region"`
	Bucket       string        `mapstructure:"bucket"`
	Prefix       string        `mapstructure:"prefix"`
	AccessKey    string        `mapstructure:"access_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	RetryMax     int           `mapstructure:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
	SpoolDir     string        `mapstructure:"spool_dir"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend"`
	Disk    DiskConfig `mapstructure:"disk"`
	S3      S3Config   `mapstructure:"s3"`
}

// UploadConfig takes sizes as human readable strings such as "5GiB".
type UploadConfig struct {
	MaxSize    string        `mapstructure:"max_size"`
	MaxChunk   string        `mapstructure:"max_chunk"`
	AbandonTTL time.Duration `mapstructure:"abandon_ttl"`
	GCSchedule string        `mapstructure:"gc_schedule"`

	MaxSizeBytes  int64 `mapstructure:"-"`
	MaxChunkBytes int64 `mapstructure:"-"`
}

type StatsConfig struct {
	Schedule string `mapstructure:"schedule"`
}

type ListConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	JWTTTL           time.Duration `mapstructure:"jwt_ttl"`
	SignatureMaxSkew time.Duration `mapstructure:"signature_max_skew"`
}

// Config is the complete harbord configuration.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Stats    StatsConfig    `mapstructure:"stats"`
	List     ListConfig     `mapstructure:"list"`
	Auth     AuthConfig     `mapstructure:"auth"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.share_base_url", "http://localhost:8080")
	v.SetDefault("http.timeouts.chunk", 5*time.Minute)
	v.SetDefault("http.timeouts.list", 30*time.Second)
	v.SetDefault("http.timeouts.share", 15*time.Second)
	v.SetDefault("http.timeouts.default", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "harbor.db")

	v.SetDefault("storage.backend", BackendDisk)
	v.SetDefault("storage.disk.root", "data/blobs")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.prefix", "blobs")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.retry_max", 3)
	v.SetDefault("storage.s3.retry_wait_min", 200*time.Millisecond)
	v.SetDefault("storage.s3.retry_wait_max", 5*time.Second)
	v.SetDefault("storage.s3.spool_dir", "")

	v.SetDefault("upload.max_size", "5GiB")
	v.SetDefault("upload.max_chunk", "64MiB")
	v.SetDefault("upload.abandon_ttl", 72*time.Hour)
	v.SetDefault("upload.gc_schedule", "@every 1h")

	v.SetDefault("stats.schedule", "@every 10m")

	v.SetDefault("list.default_limit", 200)
	v.SetDefault("list.max_limit", 1000)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_ttl", time.Hour)
	v.SetDefault("auth.signature_max_skew", 15*time.Minute)
}

// Load reads the configuration. An empty path searches for harbor.yaml in
// the working directory, ./config and $HOME/.harbor.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.harbor")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("Config file not found, using environment variables and defaults")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("Using config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings and resolves the human readable sizes.
func (c *Config) Validate() error {
	var problems []string

	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		problems = append(problems, fmt.Sprintf("database.driver must be %q or %q", DriverSQLite, DriverPostgres))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}

	switch c.Storage.Backend {
	case BackendDisk:
		if c.Storage.Disk.Root == "" {
			problems = append(problems, "storage.disk.root is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			problems = append(problems, "storage.s3.bucket is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend must be %q or %q", BackendDisk, BackendS3))
	}

	var err error
	if c.Upload.MaxSizeBytes, err = parseSize(c.Upload.MaxSize); err != nil {
		problems = append(problems, "upload.max_size: "+err.Error())
	}
	if c.Upload.MaxChunkBytes, err = parseSize(c.Upload.MaxChunk); err != nil {
		problems = append(problems, "upload.max_chunk: "+err.Error())
	}
	if c.Upload.AbandonTTL <= 0 {
		problems = append(problems, "upload.abandon_ttl must be positive")
	}

	if c.List.DefaultLimit <= 0 || c.List.MaxLimit <= 0 {
		problems = append(problems, "list limits must be positive")
	} else if c.List.DefaultLimit > c.List.MaxLimit {
		problems = append(problems, "list.default_limit must not exceed list.max_limit")
	}

	for name, timeout := range map[string]time.Duration{
		"chunk": c.HTTP.Timeouts.Chunk, "list": c.HTTP.Timeouts.List,
		"share": c.HTTP.Timeouts.Share, "default": c.HTTP.Timeouts.Default,
	} {
		if timeout <= 0 {
			problems = append(problems, "http.timeouts."+name+" must be positive")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func parseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("must be positive")
	}
	return int64(n), nil
}
