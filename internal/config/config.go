// Package config provides configuration loading, defaults, and validation for
// the ic50bert training harness.
package config

import (
	"fmt"
	"strings"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/database/postgres"
	"github.com/turtacn/ic50bert/internal/infrastructure/database/redis"
	"github.com/turtacn/ic50bert/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ic50bert/internal/infrastructure/storage/minio"
	"github.com/turtacn/ic50bert/internal/intelligence/baseline"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/loader"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// ─────────────────────────────────────────────────────────────────────────────
// Root configuration
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration of a training job.
type Config struct {
	Data      DataConfig               `mapstructure:"data" yaml:"data"`
	Tokenizer TokenizerConfig          `mapstructure:"tokenizer" yaml:"tokenizer"`
	Loader    loader.Config            `mapstructure:"loader" yaml:"loader"`
	Trainer   TrainerConfig            `mapstructure:"trainer" yaml:"trainer"`
	Model     baseline.RegressorConfig `mapstructure:"model" yaml:"model"`
	Optimizer baseline.OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
	Log       logging.LogConfig        `mapstructure:"log" yaml:"log"`
	Metrics   MetricsConfig            `mapstructure:"metrics" yaml:"metrics"`
	MinIO     MinIOConfig              `mapstructure:"minio" yaml:"minio"`
	Redis     RedisConfig              `mapstructure:"redis" yaml:"redis"`
	Kafka     KafkaConfig              `mapstructure:"kafka" yaml:"kafka"`
	Database  DatabaseConfig           `mapstructure:"database" yaml:"database"`
	Monitor   MonitorConfig            `mapstructure:"monitor" yaml:"monitor"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Sections
// ─────────────────────────────────────────────────────────────────────────────

// DataConfig locates the training table. Path and ValidationPath accept a
// local file or an s3://bucket/key location.
type DataConfig struct {
	Path      string           `mapstructure:"path" yaml:"path"`
	Delimiter string           `mapstructure:"delimiter" yaml:"delimiter"`
	Columns   affinity.Columns `mapstructure:"columns" yaml:"columns"`
	// ValidationPath takes precedence over ValidationFraction.
	ValidationPath     string  `mapstructure:"validation_path" yaml:"validation_path"`
	ValidationFraction float64 `mapstructure:"validation_fraction" yaml:"validation_fraction"`
	SplitSeed          int64   `mapstructure:"split_seed" yaml:"split_seed"`
}

// TokenizerConfig locates the tokenizer checkpoint directory.
type TokenizerConfig struct {
	Path                 string `mapstructure:"path" yaml:"path"`
	MaxSequenceLength    int    `mapstructure:"max_sequence_length" yaml:"max_sequence_length"`
	MaxInputCharsPerWord int    `mapstructure:"max_input_chars_per_word" yaml:"max_input_chars_per_word"`
	// Cache enables the redis pair-encoding cache; redis must be enabled too.
	Cache bool `mapstructure:"cache" yaml:"cache"`
}

// TrainerConfig drives the epoch loop.
type TrainerConfig struct {
	NumEpochs int     `mapstructure:"num_epochs" yaml:"num_epochs"`
	Device    string  `mapstructure:"device" yaml:"device"`
	Patience  int     `mapstructure:"patience" yaml:"patience"`
	MinDelta  float64 `mapstructure:"min_delta" yaml:"min_delta"`
	Precision int     `mapstructure:"precision" yaml:"precision"`
	// ResultPath receives the loss history as JSON; s3:// locations are
	// uploaded through minio.
	ResultPath string `mapstructure:"result_path" yaml:"result_path"`
}

type MetricsConfig struct {
	Enabled                    bool `mapstructure:"enabled" yaml:"enabled"`
	prometheus.CollectorConfig `mapstructure:",squash" yaml:",inline"`
}

type MinIOConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	minio.Config `mapstructure:",squash" yaml:",inline"`
}

type RedisConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled"`
	Prefix            string `mapstructure:"prefix" yaml:"prefix"`
	redis.RedisConfig `mapstructure:",squash" yaml:",inline"`
}

type KafkaConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Source is stamped on every event envelope.
	Source               string `mapstructure:"source" yaml:"source"`
	EnsureTopics         bool   `mapstructure:"ensure_topics" yaml:"ensure_topics"`
	kafka.ProducerConfig `mapstructure:",squash" yaml:",inline"`
}

type DatabaseConfig struct {
	Enabled                 bool `mapstructure:"enabled" yaml:"enabled"`
	postgres.PostgresConfig `mapstructure:",squash" yaml:",inline"`
}

// MonitorConfig enables the monitor servers; an empty address disables one.
type MonitorConfig struct {
	HTTPAddr string `mapstructure:"http_addr" yaml:"http_addr"`
	GRPCAddr string `mapstructure:"grpc_addr" yaml:"grpc_addr"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Derived values
// ─────────────────────────────────────────────────────────────────────────────

// TrainingConfig converts the trainer section into the immutable run config.
func (c *Config) TrainingConfig() (training.Config, error) {
	kind, err := device.ParseKind(c.Trainer.Device)
	if err != nil {
		return training.Config{}, err
	}
	return training.Config{
		NumEpochs: c.Trainer.NumEpochs,
		Device:    kind,
		Patience:  c.Trainer.Patience,
		MinDelta:  c.Trainer.MinDelta,
	}, nil
}

// NeedsObjectStore reports whether any configured location is remote.
func (c *Config) NeedsObjectStore() bool {
	for _, loc := range []string{c.Data.Path, c.Data.ValidationPath, c.Tokenizer.Path, c.Trainer.ResultPath} {
		if affinity.IsRemote(loc) {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate checks cross-field consistency. It expects ApplyDefaults to have
// run and reports every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	// ── Data ──────────────────────────────────────────────────────────────────
	if c.Data.Path == "" {
		add("data.path is required")
	}
	if _, err := affinity.ParseDelimiter(c.Data.Delimiter); err != nil {
		add("data.delimiter: unsupported value %q", c.Data.Delimiter)
	}
	if c.Data.Columns.Ligand == "" || c.Data.Columns.Protein == "" || c.Data.Columns.Target == "" {
		add("data.columns: ligand, protein and target are required")
	}
	if c.Data.ValidationFraction < 0 || c.Data.ValidationFraction >= 1 {
		add("data.validation_fraction must be in [0, 1), got %g", c.Data.ValidationFraction)
	}

	// ── Tokenizer ─────────────────────────────────────────────────────────────
	if c.Tokenizer.Path == "" {
		add("tokenizer.path is required")
	}
	if c.Tokenizer.MaxSequenceLength < 0 {
		add("tokenizer.max_sequence_length must not be negative")
	}
	if c.Tokenizer.MaxInputCharsPerWord < 0 {
		add("tokenizer.max_input_chars_per_word must not be negative")
	}
	if c.Tokenizer.Cache && !c.Redis.Enabled {
		add("tokenizer.cache requires redis.enabled")
	}

	// ── Loader / trainer ──────────────────────────────────────────────────────
	if c.Loader.BatchSize < 1 {
		add("loader.batch_size must be at least 1, got %d", c.Loader.BatchSize)
	}
	if c.Loader.Workers < 0 || c.Loader.Prefetch < 0 {
		add("loader.workers and loader.prefetch must not be negative")
	}
	if tc, err := c.TrainingConfig(); err != nil {
		add("trainer.device: unsupported value %q", c.Trainer.Device)
	} else if err := tc.Validate(); err != nil {
		add("trainer: %s", messageOf(err))
	}
	if c.Trainer.Precision < 0 || c.Trainer.Precision > 15 {
		add("trainer.precision must be in [0, 15], got %d", c.Trainer.Precision)
	}

	// ── Model / optimizer ─────────────────────────────────────────────────────
	switch strings.ToLower(c.Optimizer.Name) {
	case "adam", "sgd":
	default:
		add("optimizer.name must be adam or sgd, got %q", c.Optimizer.Name)
	}
	if c.Optimizer.LearningRate <= 0 {
		add("optimizer.learning_rate must be positive")
	}
	if c.Model.HiddenSize < 0 {
		add("model.hidden_size must not be negative")
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: unsupported value %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		add("log.format must be json or console, got %q", c.Log.Format)
	}

	// ── Integrations ──────────────────────────────────────────────────────────
	if c.NeedsObjectStore() && !c.MinIO.Enabled {
		add("s3:// locations require minio.enabled")
	}
	if c.MinIO.Enabled && c.MinIO.Endpoint == "" {
		add("minio.endpoint is required when minio is enabled")
	}
	if c.Redis.Enabled {
		switch c.Redis.Mode {
		case redis.ModeSentinel:
			if c.Redis.MasterName == "" || len(c.Redis.SentinelAddrs) == 0 {
				add("redis sentinel mode requires master_name and sentinel_addrs")
			}
		case redis.ModeCluster:
			if len(c.Redis.ClusterAddrs) == 0 {
				add("redis cluster mode requires cluster_addrs")
			}
		case redis.ModeStandalone:
		default:
			add("redis.mode: unsupported value %q", c.Redis.Mode)
		}
	}
	if c.Kafka.Enabled {
		if err := kafka.ValidateProducerConfig(c.Kafka.ProducerConfig); err != nil {
			add("kafka: %s", messageOf(err))
		}
	}
	if c.Database.Enabled && c.Database.Database == "" {
		add("database.database is required when run history is enabled")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrCodeValidation, "invalid configuration").
			WithDetail(strings.Join(problems, "; "))
	}
	return nil
}

func messageOf(err error) string {
	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
