// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the index server configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetSearch() *SearchConfig

	Clone() (Config, error)
}

// ConfigOverrides are command line values applied over the config file.
type ConfigOverrides struct {
	Name     string
	DataDir  string
	LogLevel string
}

// LoadConfig reads the yaml file at path, if any, over the defaults, then
// applies overrides. Derived defaults such as the index root are filled in
// last.
func LoadConfig(logger *zap.Logger, path string, overrides ConfigOverrides) (Config, error) {
	config := NewConfig(logger)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("could not read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("could not parse config file: %w", err)
		}
		config.Config = path
	}

	if overrides.Name != "" {
		config.Name = overrides.Name
	}
	if overrides.DataDir != "" {
		config.Datadir = overrides.DataDir
	}
	if overrides.LogLevel != "" {
		config.Logger.Level = overrides.LogLevel
	}

	if config.GetSearch().Root == "" {
		config.GetSearch().Root = filepath.Join(config.GetDataDir(), "index")
	}
	if config.GetLogger().File != "" && !filepath.IsAbs(config.GetLogger().File) {
		config.GetLogger().File = filepath.Join(config.GetDataDir(), config.GetLogger().File)
	}

	return config, nil
}

// ValidateConfig logs every invalid setting and returns them combined.
func ValidateConfig(logger *zap.Logger, c Config) error {
	var err error
	invalid := func(msg string, fields ...zap.Field) {
		logger.Error(msg, fields...)
		err = multierr.Append(err, errors.New(msg))
	}

	if c.GetName() == "" {
		invalid("Name must be set")
	}
	if c.GetDataDir() == "" {
		invalid("Data directory must be set")
	}
	if c.GetShutdownGraceSec() < 0 {
		invalid("Shutdown grace period must be >= 0", zap.Int("shutdown_grace_sec", c.GetShutdownGraceSec()))
	}

	switch strings.ToLower(c.GetLogger().Level) {
	case "debug", "info", "warn", "error":
	default:
		invalid("Logger level invalid, must be one of: DEBUG, INFO, WARN, or ERROR", zap.String("level", c.GetLogger().Level))
	}
	switch c.GetLogger().Format {
	case JSONFormat, ConsoleFormat:
	default:
		invalid("Logger format invalid, must be one of: json, console", zap.String("format", c.GetLogger().Format))
	}
	if c.GetMetrics().ReportingFreqSec < 0 {
		invalid("Metrics reporting frequency must be >= 0", zap.Int("metrics.reporting_freq_sec", c.GetMetrics().ReportingFreqSec))
	}
	if c.GetMetrics().PrometheusPort < 0 {
		invalid("Metrics Prometheus port must be >= 0", zap.Int("metrics.prometheus_port", c.GetMetrics().PrometheusPort))
	}

	search := c.GetSearch()
	switch search.IOStrategy {
	case IOStrategyNearRealTime, IOStrategyDebug:
	default:
		invalid("Search io strategy invalid, must be one of: near-real-time, debug", zap.String("search.io_strategy", search.IOStrategy))
	}
	switch search.Directory {
	case DirectoryLocalFilesystem, DirectoryLocalHeap:
	default:
		invalid("Search directory invalid, must be one of: local-filesystem, local-heap", zap.String("search.directory", search.Directory))
	}
	if search.CommitIntervalMs < 0 {
		invalid("Search commit interval must be >= 0", zap.Int("search.commit_interval_ms", search.CommitIntervalMs))
	}
	if search.RefreshIntervalMs < 0 {
		invalid("Search refresh interval must be >= 0", zap.Int("search.refresh_interval_ms", search.RefreshIntervalMs))
	}
	if search.LockRetryAttempts < 1 {
		invalid("Search lock retry attempts must be >= 1", zap.Int("search.lock_retry_attempts", search.LockRetryAttempts))
	}
	if search.LockRetryIntervalMs < 0 {
		invalid("Search lock retry interval must be >= 0", zap.Int("search.lock_retry_interval_ms", search.LockRetryIntervalMs))
	}
	if search.TimingResolutionMs < 1 {
		invalid("Search timing resolution must be >= 1", zap.Int("search.timing_resolution_ms", search.TimingResolutionMs))
	}

	names := make(map[string]struct{}, len(search.Indexes))
	for _, index := range search.Indexes {
		if index == nil || index.Name == "" {
			invalid("Search index name must be set")
			continue
		}
		if _, found := names[index.Name]; found {
			invalid("Search index name must be unique", zap.String("name", index.Name))
		}
		names[index.Name] = struct{}{}
		if index.Shards < 1 {
			invalid("Search index shards must be >= 1", zap.String("name", index.Name), zap.Int("shards", index.Shards))
		}
	}

	return err
}

type config struct {
	Name             string         `yaml:"name" json:"name" usage:"Node name - must be unique."`
	Config           string         `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	ShutdownGraceSec int            `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for outstanding commits to complete before shutting down. Default 0 waits without limit."`
	Datadir          string         `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where the server will store its data."`
	Logger           *LoggerConfig  `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics          *MetricsConfig `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Search           *SearchConfig  `yaml:"search" json:"search" usage:"Index storage, commit and refresh settings."`
}

// NewConfig constructs a Config struct which represents server settings, and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory.", zap.Error(err))
	}
	nodeName := "nakama-index"
	if id, err := uuid.NewV4(); err == nil {
		nodeName += "-" + strings.Split(id.String(), "-")[3]
	}
	return &config{
		Name:             nodeName,
		Datadir:          filepath.Join(cwd, "data"),
		ShutdownGraceSec: 0,
		Logger:           NewLoggerConfig(),
		Metrics:          NewMetricsConfig(),
		Search:           NewSearchConfig(),
	}
}

func (c *config) Clone() (Config, error) {
	configLogger := *(c.Logger)
	configMetrics := *(c.Metrics)
	configSearch := *(c.Search)
	configSearch.Indexes = make([]*IndexConfig, 0, len(c.Search.Indexes))
	for _, index := range c.Search.Indexes {
		if index == nil {
			continue
		}
		indexCopy := *index
		configSearch.Indexes = append(configSearch.Indexes, &indexCopy)
	}

	nc := &config{
		Name:             c.Name,
		Config:           c.Config,
		ShutdownGraceSec: c.ShutdownGraceSec,
		Datadir:          c.Datadir,
		Logger:           &configLogger,
		Metrics:          &configMetrics,
		Search:           &configSearch,
	}
	return nc, nil
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetSearch() *SearchConfig {
	return c.Search
}

const (
	JSONFormat    = "json"
	ConsoleFormat = "console"
)

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level  string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File   string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	// Rotation
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Console'. Default is 'JSON'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     JSONFormat,
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'nakama_index', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "nakama_index",
	}
}

// SearchConfig is configuration relevant to index storage and the io strategy.
type SearchConfig struct {
	IOStrategy          string         `yaml:"io_strategy" json:"io_strategy" usage:"How indexes are written and read. Valid values are 'near-real-time' and 'debug'. Default 'near-real-time'."`
	CommitIntervalMs    int            `yaml:"commit_interval_ms" json:"commit_interval_ms" usage:"Minimum time in milliseconds between two commits of an index. '0' commits after every write. Default 1000."`
	RefreshIntervalMs   int            `yaml:"refresh_interval_ms" json:"refresh_interval_ms" usage:"Minimum time in milliseconds between two reader refreshes. '0' refreshes whenever the index changed. Default 0."`
	RefreshApplyDeletes bool           `yaml:"refresh_apply_deletes" json:"refresh_apply_deletes" usage:"Whether deletes alone make readers stale. Default true."`
	Directory           string         `yaml:"directory" json:"directory" usage:"Index storage. Valid values are 'local-filesystem' and 'local-heap'. Default 'local-filesystem'."`
	Root                string         `yaml:"root" json:"root" usage:"Root folder of filesystem indexes. Default is '<data_dir>/index'."`
	LockRetryAttempts   int            `yaml:"lock_retry_attempts" json:"lock_retry_attempts" usage:"Attempts made to acquire an index lock held by another writer. Default 10."`
	LockRetryIntervalMs int            `yaml:"lock_retry_interval_ms" json:"lock_retry_interval_ms" usage:"Time in milliseconds between two index lock attempts. Default 100."`
	TimingResolutionMs  int            `yaml:"timing_resolution_ms" json:"timing_resolution_ms" usage:"Resolution in milliseconds of the clock used by commit and refresh intervals. Default 50."`
	Indexes             []*IndexConfig `yaml:"indexes" json:"indexes" usage:"Indexes to open at startup."`
}

func NewSearchConfig() *SearchConfig {
	return &SearchConfig{
		IOStrategy:          IOStrategyNearRealTime,
		CommitIntervalMs:    1000,
		RefreshIntervalMs:   0,
		RefreshApplyDeletes: true,
		Directory:           DirectoryLocalFilesystem,
		LockRetryAttempts:   10,
		LockRetryIntervalMs: 100,
		TimingResolutionMs:  50,
		Indexes:             []*IndexConfig{},
	}
}

type IndexConfig struct {
	Name   string `yaml:"name" json:"name" usage:"Index name, also the name of its storage folder."`
	Shards int    `yaml:"shards" json:"shards" usage:"Number of shards. Default 1."`
}

// UnmarshalYAML defaults shards to 1 when omitted.
func (c *IndexConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain IndexConfig
	p := plain{Shards: 1}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = IndexConfig(p)
	return nil
}
