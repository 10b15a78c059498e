package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Source   SourceConfig   `mapstructure:"source"`
	Dataset  DatasetConfig  `mapstructure:"dataset"`
	Labeler  LabelerConfig  `mapstructure:"labeler"`
	Features FeaturesConfig `mapstructure:"features"`
	Model    ModelConfig    `mapstructure:"model"`
	Export   ExportConfig   `mapstructure:"export"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// SourceConfig selects the object store and the object to analyze
type SourceConfig struct {
	Backend         string        `mapstructure:"backend"` // gcs, http or file
	Bucket          string        `mapstructure:"bucket"`
	Key             string        `mapstructure:"key"`
	BaseURL         string        `mapstructure:"base_url"`
	Root            string        `mapstructure:"root"`
	CredentialsFile string        `mapstructure:"credentials_file"`
	Endpoint        string        `mapstructure:"endpoint"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxObjectMB     int           `mapstructure:"max_object_mb"`
}

// DatasetConfig holds CSV parsing and column mapping configuration
type DatasetConfig struct {
	Delimiter   string            `mapstructure:"delimiter"`
	NullValues  []string          `mapstructure:"null_values"`
	TimeLayouts []string          `mapstructure:"time_layouts"`
	Columns     map[string]string `mapstructure:"columns"`
}

// LabelerConfig holds the high-risk rule configuration
type LabelerConfig struct {
	DescriptionColumn string   `mapstructure:"description_column"`
	OutputColumn      string   `mapstructure:"output_column"`
	Markers           []string `mapstructure:"markers"`
	CaseSensitive     bool     `mapstructure:"case_sensitive"`
}

// FeaturesConfig lists the columns the classifier trains on
type FeaturesConfig struct {
	Categorical    []string `mapstructure:"categorical"`
	Numeric        []string `mapstructure:"numeric"`
	Timestamp      string   `mapstructure:"timestamp"`
	TimestampParts []string `mapstructure:"timestamp_parts"`
}

// ModelConfig holds random forest hyperparameters
type ModelConfig struct {
	Trees               int     `mapstructure:"trees"`
	MaxDepth            int     `mapstructure:"max_depth"`
	MinSamplesSplit     int     `mapstructure:"min_samples_split"`
	MinSamplesLeaf      int     `mapstructure:"min_samples_leaf"`
	MaxFeatures         int     `mapstructure:"max_features"`
	MinImpurityDecrease float64 `mapstructure:"min_impurity_decrease"`
	Criterion           string  `mapstructure:"criterion"`
	ClassWeight         string  `mapstructure:"class_weight"`
	Seed                int64   `mapstructure:"seed"`
	Workers             int     `mapstructure:"workers"`
}

// ExportConfig holds file export configuration
type ExportConfig struct {
	Dir         string   `mapstructure:"dir"`
	Formats     []string `mapstructure:"formats"` // csv, json, report, chart
	TopFeatures int      `mapstructure:"top_features"`
}

// StorageConfig holds the results database configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
	MaxRuns int    `mapstructure:"max_runs"`
}

// MetricsConfig holds Prometheus textfile configuration
type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TextfilePath string `mapstructure:"textfile_path"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	TopFeatures    int           `mapstructure:"top_features"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ServerConfig holds the results API configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	DefaultLimit    int           `mapstructure:"default_limit"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override (BUSRISK_SOURCE_BUCKET, ...)
	v.SetEnvPrefix("BUSRISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Source defaults
	v.SetDefault("source.backend", "gcs")
	v.SetDefault("source.timeout", "60s")
	v.SetDefault("source.max_object_mb", 256)
	v.SetDefault("source.root", "./data/objects")

	// Dataset defaults
	v.SetDefault("dataset.delimiter", ",")
	v.SetDefault("dataset.null_values", []string{"", "NA", "N/A", "NULL", "null"})
	v.SetDefault("dataset.time_layouts", []string{"02/01/2006", "2006-01-02", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05"})

	// Labeler defaults
	v.SetDefault("labeler.description_column", "Injury Result Description")
	v.SetDefault("labeler.output_column", "high_risk")
	v.SetDefault("labeler.markers", []string{"Serious", "Hospital"})
	v.SetDefault("labeler.case_sensitive", true)

	// Feature defaults
	v.SetDefault("features.categorical", []string{"Borough", "Operator", "Incident Event Type", "Victim Category", "Victims Sex", "Victims Age"})
	v.SetDefault("features.numeric", []string{"Year"})
	v.SetDefault("features.timestamp", "Date Of Incident")
	v.SetDefault("features.timestamp_parts", []string{"month", "day_of_week"})

	// Model defaults
	v.SetDefault("model.trees", 100)
	v.SetDefault("model.max_depth", 0)
	v.SetDefault("model.min_samples_split", 2)
	v.SetDefault("model.min_samples_leaf", 1)
	v.SetDefault("model.max_features", 0)
	v.SetDefault("model.criterion", "gini")
	v.SetDefault("model.class_weight", "balanced")
	v.SetDefault("model.seed", 42)
	v.SetDefault("model.workers", 0)

	// Export defaults
	v.SetDefault("export.dir", "./data/export")
	v.SetDefault("export.formats", []string{"csv", "json", "report", "chart"})
	v.SetDefault("export.top_features", 10)

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/busrisk.db")
	v.SetDefault("storage.max_runs", 50)

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.textfile_path", "./data/busrisk.prom")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.top_features", 5)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "2s")

	// Server defaults
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.default_limit", 100)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Source config
	switch c.Source.Backend {
	case "gcs":
	case "http":
		if c.Source.BaseURL == "" {
			return fmt.Errorf("source.base_url is required for the http backend")
		}
	case "file":
		if c.Source.Root == "" {
			return fmt.Errorf("source.root is required for the file backend")
		}
	default:
		return fmt.Errorf("source.backend must be one of: gcs, http, file")
	}
	if c.Source.Bucket == "" {
		return fmt.Errorf("source.bucket is required")
	}
	if c.Source.Key == "" {
		return fmt.Errorf("source.key is required")
	}
	if c.Source.Timeout < 1*time.Second {
		return fmt.Errorf("source.timeout must be at least 1 second")
	}
	if c.Source.MaxObjectMB < 1 {
		return fmt.Errorf("source.max_object_mb must be at least 1")
	}

	// Validate Dataset config
	if len([]rune(c.Dataset.Delimiter)) != 1 {
		return fmt.Errorf("dataset.delimiter must be a single character")
	}
	for attr := range c.Dataset.Columns {
		if !validColumnAttributes[attr] {
			return fmt.Errorf("dataset.columns has unknown attribute %q", attr)
		}
	}

	// Validate Labeler config
	if c.Labeler.DescriptionColumn == "" {
		return fmt.Errorf("labeler.description_column is required")
	}
	if len(c.Labeler.Markers) == 0 {
		return fmt.Errorf("labeler.markers must contain at least one marker")
	}
	for _, m := range c.Labeler.Markers {
		if m == "" {
			return fmt.Errorf("labeler.markers must not contain empty markers")
		}
	}

	// Validate Features config
	if len(c.Features.Categorical)+len(c.Features.Numeric) == 0 && c.Features.Timestamp == "" {
		return fmt.Errorf("features must name at least one column")
	}

	// Validate Model config
	if c.Model.Trees < 1 {
		return fmt.Errorf("model.trees must be at least 1")
	}
	if c.Model.MaxDepth < 0 {
		return fmt.Errorf("model.max_depth must not be negative")
	}
	if c.Model.MinSamplesLeaf < 1 {
		return fmt.Errorf("model.min_samples_leaf must be at least 1")
	}
	if c.Model.MinSamplesSplit < 2 {
		return fmt.Errorf("model.min_samples_split must be at least 2")
	}
	if c.Model.MaxFeatures < 0 {
		return fmt.Errorf("model.max_features must not be negative")
	}
	validCriteria := map[string]bool{"gini": true, "entropy": true}
	if !validCriteria[c.Model.Criterion] {
		return fmt.Errorf("model.criterion must be one of: gini, entropy")
	}
	validWeights := map[string]bool{"balanced": true, "none": true}
	if !validWeights[c.Model.ClassWeight] {
		return fmt.Errorf("model.class_weight must be one of: balanced, none")
	}
	if c.Model.Workers < 0 {
		return fmt.Errorf("model.workers must not be negative")
	}

	// Validate Export config
	validFormats := map[string]bool{"csv": true, "json": true, "report": true, "chart": true}
	for _, f := range c.Export.Formats {
		if !validFormats[f] {
			return fmt.Errorf("export.formats must only contain: csv, json, report, chart")
		}
	}
	if len(c.Export.Formats) > 0 && c.Export.Dir == "" {
		return fmt.Errorf("export.dir is required when export formats are set")
	}
	if c.Export.TopFeatures < 1 {
		return fmt.Errorf("export.top_features must be at least 1")
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxRuns < 1 {
			return fmt.Errorf("storage.max_runs must be at least 1")
		}
	}

	// Validate Metrics config
	if c.Metrics.Enabled && c.Metrics.TextfilePath == "" {
		return fmt.Errorf("metrics.textfile_path is required when metrics are enabled")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MaxRetries < 1 {
			return fmt.Errorf("telegram.max_retries must be at least 1")
		}
	}

	// Validate Server config
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Server.DefaultLimit < 1 {
		return fmt.Errorf("server.default_limit must be at least 1")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// validColumnAttributes are the keys accepted in dataset.columns
var validColumnAttributes = map[string]bool{
	"id": true, "date": true, "year": true, "route": true, "operator": true,
	"group_name": true, "bus_garage": true, "borough": true, "event_type": true,
	"victim_category": true, "victim_sex": true, "victim_age": true,
}

// MaxObjectBytes returns the object size limit in bytes
func (c *SourceConfig) MaxObjectBytes() int64 {
	return int64(c.MaxObjectMB) * 1024 * 1024
}

// DelimiterRune returns the CSV delimiter as a rune
func (c *DatasetConfig) DelimiterRune() rune {
	for _, r := range c.Delimiter {
		return r
	}
	return ','
}
