package config

import (
	"time"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/database/redis"
	"github.com/turtacn/ic50bert/internal/intelligence/baseline"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/loader"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
)

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultDelimiter = "tab"
	DefaultNumEpochs = 10
	DefaultOptimizer = "adam"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultMetricsNamespace = "ic50bert"
	DefaultKafkaSource      = "ic50bert"
	DefaultKafkaBroker      = "localhost:9092"

	DefaultMinIOEndpoint = "localhost:9000"
	DefaultMinIOTimeout  = 30 * time.Second
)

// ─────────────────────────────────────────────────────────────────────────────
// Defaults whose zero value is meaningful
// ─────────────────────────────────────────────────────────────────────────────

// presetDefaults are registered with viper before unmarshalling, so an
// explicit zero or false in the file or environment still wins. ApplyDefaults
// cannot tell those apart from "unset".
func presetDefaults() map[string]interface{} {
	return map[string]interface{}{
		"loader.shuffle":            true,
		"trainer.patience":          training.DefaultPatience,
		"trainer.min_delta":         training.DefaultMinDelta,
		"trainer.precision":         training.DefaultPrecision,
		"metrics.enabled":           true,
		"metrics.enable_go_metrics": true,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ApplyDefaults
// ─────────────────────────────────────────────────────────────────────────────

// ApplyDefaults fills zero-value fields in cfg with well-known defaults.
// Fields that have already been set are left unchanged. It must run after
// unmarshalling and before Validate.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Data ──────────────────────────────────────────────────────────────────
	if cfg.Data.Delimiter == "" {
		cfg.Data.Delimiter = DefaultDelimiter
	}
	if cfg.Data.Columns.Ligand == "" {
		cfg.Data.Columns.Ligand = affinity.BindingDBColumns.Ligand
	}
	if cfg.Data.Columns.Protein == "" {
		cfg.Data.Columns.Protein = affinity.BindingDBColumns.Protein
	}
	if cfg.Data.Columns.Target == "" {
		cfg.Data.Columns.Target = affinity.BindingDBColumns.Target
	}

	// ── Loader ────────────────────────────────────────────────────────────────
	if cfg.Loader.BatchSize == 0 {
		cfg.Loader.BatchSize = loader.DefaultBatchSize
	}
	if cfg.Loader.Workers == 0 {
		cfg.Loader.Workers = loader.DefaultWorkers
	}
	if cfg.Loader.Prefetch == 0 {
		cfg.Loader.Prefetch = 2 * cfg.Loader.Workers
	}

	// ── Trainer ───────────────────────────────────────────────────────────────
	if cfg.Trainer.NumEpochs == 0 {
		cfg.Trainer.NumEpochs = DefaultNumEpochs
	}
	if cfg.Trainer.Device == "" {
		cfg.Trainer.Device = device.CPU.String()
	}

	// ── Model / optimizer ─────────────────────────────────────────────────────
	if cfg.Model.HiddenSize == 0 {
		cfg.Model.HiddenSize = baseline.DefaultHiddenSize
	}
	if cfg.Optimizer.Name == "" {
		cfg.Optimizer.Name = DefaultOptimizer
	}
	if cfg.Optimizer.LearningRate == 0 {
		cfg.Optimizer.LearningRate = baseline.DefaultLearningRate
	}

	// ── Log ───────────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if len(cfg.Log.OutputPaths) == 0 {
		cfg.Log.OutputPaths = []string{"stderr"}
	}

	// ── Integrations ──────────────────────────────────────────────────────────
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.MinIO.Endpoint == "" && cfg.MinIO.Enabled {
		cfg.MinIO.Endpoint = DefaultMinIOEndpoint
	}
	if cfg.MinIO.Timeout == 0 {
		cfg.MinIO.Timeout = DefaultMinIOTimeout
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = redis.DefaultPrefix
	}
	if cfg.Redis.Enabled {
		redis.ApplyDefaults(&cfg.Redis.RedisConfig)
	}
	if cfg.Kafka.Source == "" {
		cfg.Kafka.Source = DefaultKafkaSource
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{DefaultKafkaBroker}
	}
	if cfg.Kafka.Acks == "" {
		cfg.Kafka.Acks = "all"
	}
}
