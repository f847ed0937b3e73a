// Package config loads cci settings.
//
// Precedence, lowest to highest: built-in defaults, the YAML config file,
// CCI_ environment variables, then command-line flags that were set
// explicitly. Nested keys use "." in files and "__" in environment variable
// names, so CCI_LOAD__IGNORE_ROW_ERRORS=true sets load.ignore_row_errors.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"cci/internal/logging"
	"cci/internal/mapping"
)

// EnvPrefix prefixes every environment variable read.
const EnvPrefix = "CCI_"

// DefaultFiles are looked up in the working directory when no file is given.
var DefaultFiles = []string{"cci.yml", "cci.yaml"}

// Config holds every setting of the cci commands.
type Config struct {
	Log         LogConfig        `koanf:"log"`
	DatabaseURL string           `koanf:"database_url"`
	SQLPath     string           `koanf:"sql_path"`
	GitHub      GitHubConfig     `koanf:"github"`
	Salesforce  SalesforceConfig `koanf:"salesforce"`
	Metrics     MetricsConfig    `koanf:"metrics"`
	Load        LoadConfig       `koanf:"load"`
	Extract     ExtractConfig    `koanf:"extract"`
	Queue       QueueConfig      `koanf:"queue"`

	// File is the config file that was read, if any.
	File string `koanf:"-"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type GitHubConfig struct {
	Token     string  `koanf:"token"`
	BaseURL   string  `koanf:"base_url"`
	RateLimit float64 `koanf:"rate_limit"`
}

type SalesforceConfig struct {
	InstanceURL string  `koanf:"instance_url"`
	AccessToken string  `koanf:"access_token"`
	APIVersion  string  `koanf:"api_version"`
	RateLimit   float64 `koanf:"rate_limit"`
}

type MetricsConfig struct {
	Datadog DatadogConfig `koanf:"datadog"`
}

type DatadogConfig struct {
	Enabled    bool          `koanf:"enabled"`
	JobName    string        `koanf:"job_name"`
	Tags       []string      `koanf:"tags"`
	FlushEvery time.Duration `koanf:"flush_every"`
}

type LoadConfig struct {
	IgnoreRowErrors   bool   `koanf:"ignore_row_errors"`
	ResetOIDs         bool   `koanf:"reset_oids"`
	StartStep         string `koanf:"start_step"`
	SetRecentlyViewed bool   `koanf:"set_recently_viewed"`
	BulkMode          string `koanf:"bulk_mode"`
}

type ExtractConfig struct {
	DropMissingSchema bool `koanf:"drop_missing_schema"`
}

type QueueConfig struct {
	NumWorkers int `koanf:"num_workers"`
	QueueSize  int `koanf:"queue_size"`
}

func defaults() map[string]any {
	return map[string]any{
		"log.level":                   "info",
		"log.format":                  "text",
		"database_url":                "",
		"salesforce.api_version":      "62.0",
		"metrics.datadog.enabled":     false,
		"metrics.datadog.job_name":    "cci",
		"metrics.datadog.flush_every": "60s",
		"load.reset_oids":             true,
		"load.set_recently_viewed":    true,
		"extract.drop_missing_schema": false,
		"queue.num_workers":           4,
		"queue.queue_size":            4,
	}
}

// flagKeys maps flag names to config keys where the names differ.
// Other flags map by replacing "-" with "_".
var flagKeys = map[string]string{
	"log-level":           "log.level",
	"log-format":          "log.format",
	"instance-url":        "salesforce.instance_url",
	"access-token":        "salesforce.access_token",
	"api-version":         "salesforce.api_version",
	"github-token":        "github.token",
	"github-url":          "github.base_url",
	"datadog":             "metrics.datadog.enabled",
	"ignore-row-errors":   "load.ignore_row_errors",
	"reset-oids":          "load.reset_oids",
	"start-step":          "load.start_step",
	"set-recently-viewed": "load.set_recently_viewed",
	"bulk-mode":           "load.bulk_mode",
	"drop-missing-schema": "extract.drop_missing_schema",
	"num-workers":         "queue.num_workers",
	"queue-size":          "queue.queue_size",
}

// Load reads the configuration. path names the config file; empty means the
// first of DefaultFiles that exists, or none. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: defaults: %w", err)
	}

	used := findFile(path)
	if used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", used, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				key = strings.ReplaceAll(f.Name, "-", "_")
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("config: flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	cfg.File = used
	return &cfg, nil
}

// envKey turns CCI_LOAD__START_STEP into load.start_step.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

func findFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	if !logging.ValidLevel(c.Log.Level) {
		return fmt.Errorf("config: log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Queue.NumWorkers <= 0 {
		return fmt.Errorf("config: queue.num_workers must be positive, got %d", c.Queue.NumWorkers)
	}
	if c.Queue.QueueSize <= 0 {
		return fmt.Errorf("config: queue.queue_size must be positive, got %d", c.Queue.QueueSize)
	}
	if _, err := mapping.ParseBulkMode(c.Load.BulkMode); err != nil {
		return fmt.Errorf("config: load.%w", err)
	}
	return nil
}
