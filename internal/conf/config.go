// Package conf loads scanqa settings from defaults, an optional YAML file and
// SCANQA_* environment variables.
package conf

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SCANQA_STORAGE_DRIVER.
const EnvPrefix = "SCANQA"

// Settings is the full runtime configuration.
type Settings struct {
	Storage    StorageSettings    `mapstructure:"storage"`
	Blob       BlobSettings       `mapstructure:"blob"`
	Import     ImportSettings     `mapstructure:"import"`
	Global     GlobalSettings     `mapstructure:"global"`
	Evaluation EvaluationSettings `mapstructure:"evaluation"`
	Settings   ResolverSettings   `mapstructure:"settings"`
	HTTP       HTTPSettings       `mapstructure:"http"`
	Log        LogSettings        `mapstructure:"log"`
}

// StorageSettings selects the entity store driver.
type StorageSettings struct {
	Driver      string `mapstructure:"driver"` // memory, sqlite or postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

// BlobSettings configures access to blob URIs and the managed content store.
type BlobSettings struct {
	FSRoot        string     `mapstructure:"fs_root"`
	ContentDriver string     `mapstructure:"content_driver"` // fs, s3 or memory
	ContentBucket string     `mapstructure:"content_bucket"`
	S3            S3Settings `mapstructure:"s3"`
}

// S3Settings configures the S3 client used for s3:// locations.
type S3Settings struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
}

// ImportSettings tunes the reconciliation engine.
type ImportSettings struct {
	ReplaceNullCreationDatetimes bool `mapstructure:"replace_null_creation_datetimes"`
}

// GlobalSettings seeds the global import/export defaults on first start.
type GlobalSettings struct {
	ImportPath string `mapstructure:"import_path"`
	ExportPath string `mapstructure:"export_path"`
}

// EvaluationSettings configures the dispatcher and the inference adapter.
type EvaluationSettings struct {
	Models       []string      `mapstructure:"models"`
	QueueSize    int           `mapstructure:"queue_size"`
	Concurrency  int           `mapstructure:"concurrency"`
	TempDir      string        `mapstructure:"temp_dir"`
	Endpoint     string        `mapstructure:"endpoint"`
	Timeout      time.Duration `mapstructure:"timeout"`
	JobRetention time.Duration `mapstructure:"job_retention"`
}

// ResolverSettings configures setting-group caching.
type ResolverSettings struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// HTTPSettings configures the API listener.
type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite_path", "scanqa.db")
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("blob.fs_root", "")
	v.SetDefault("blob.content_driver", "fs")
	v.SetDefault("blob.content_bucket", "scanqa-frames")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.path_style", false)

	v.SetDefault("import.replace_null_creation_datetimes", false)

	v.SetDefault("global.import_path", "")
	v.SetDefault("global.export_path", "")

	v.SetDefault("evaluation.models", []string{"MIQAMix-0", "MIQAT1-0"})
	v.SetDefault("evaluation.queue_size", 64)
	v.SetDefault("evaluation.concurrency", 2)
	v.SetDefault("evaluation.temp_dir", "")
	v.SetDefault("evaluation.endpoint", "")
	v.SetDefault("evaluation.timeout", 2*time.Minute)
	v.SetDefault("evaluation.job_retention", time.Hour)

	v.SetDefault("settings.cache_ttl", 5*time.Minute)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
}

// NewViper returns a viper instance with defaults and environment binding
// applied. Callers may bind flags on it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate rejects settings that would fail later in a less obvious place.
func Validate(s *Settings) error {
	switch s.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q is not supported", s.Storage.Driver)
	}
	switch s.Blob.ContentDriver {
	case "fs", "s3", "memory":
	default:
		return fmt.Errorf("blob.content_driver %q is not supported", s.Blob.ContentDriver)
	}
	if len(s.Evaluation.Models) == 0 {
		return fmt.Errorf("evaluation.models must list at least one model")
	}
	if s.Evaluation.QueueSize <= 0 {
		return fmt.Errorf("evaluation.queue_size must be positive")
	}
	if s.Evaluation.Concurrency <= 0 {
		s.Evaluation.Concurrency = 1
	}
	return nil
}
