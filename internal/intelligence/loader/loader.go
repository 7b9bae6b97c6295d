// Package loader turns a record source into an epoch-wise stream of collated
// batches. Batch production runs on a bounded worker pool ahead of the
// consumer; batches are always delivered in order.
package loader

import (
	"context"
	"math/rand"
	"sync"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Collator builds one batch from a list of records.
type Collator interface {
	Collate(ctx context.Context, records []affinity.Record) (*collate.Batch, error)
}

// Config controls batching. Zero Workers or Prefetch select the defaults.
type Config struct {
	BatchSize int   `mapstructure:"batch_size" yaml:"batch_size"`
	Shuffle   bool  `mapstructure:"shuffle" yaml:"shuffle"`
	Seed      int64 `mapstructure:"seed" yaml:"seed"`
	Workers   int   `mapstructure:"workers" yaml:"workers"`
	// Prefetch bounds the batches collated but not yet consumed.
	Prefetch int  `mapstructure:"prefetch" yaml:"prefetch"`
	DropLast bool `mapstructure:"drop_last" yaml:"drop_last"`
}

const (
	DefaultBatchSize = 4
	DefaultWorkers   = 2
)

// DefaultConfig is batch size 4 with shuffling.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Shuffle: true, Workers: DefaultWorkers, Prefetch: 2 * DefaultWorkers}
}

// Loader implements training.BatchSource over an affinity.Source.
type Loader struct {
	source   affinity.Source
	collator Collator
	cfg      Config
	logger   logging.Logger

	mu    sync.Mutex
	epoch int
}

var _ training.BatchSource = (*Loader)(nil)

// New validates cfg against source. An empty source is rejected.
func New(source affinity.Source, collator Collator, cfg Config, logger logging.Logger) (*Loader, error) {
	if source == nil || collator == nil {
		return nil, errors.InvalidParam("loader requires a source and a collator")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.InvalidParam("batch size must be positive").WithDetailf("batch_size=%d", cfg.BatchSize)
	}
	if source.Len() == 0 {
		return nil, errors.New(errors.ErrCodeEmptyDataset, "loader source has no records")
	}
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	l := &Loader{source: source, collator: collator, cfg: cfg, logger: logging.OrNop(logger)}
	if l.Len() == 0 {
		return nil, errors.New(errors.ErrCodeEmptyDataset, "drop_last leaves no full batch").
			WithDetailf("records=%d batch_size=%d", source.Len(), cfg.BatchSize)
	}
	return l, nil
}

// Len is the number of batches per epoch: ceil(N / batch size), or the
// floor when DropLast is set.
func (l *Loader) Len() int {
	n := l.source.Len()
	if l.cfg.DropLast {
		return n / l.cfg.BatchSize
	}
	return (n + l.cfg.BatchSize - 1) / l.cfg.BatchSize
}

// Records is the number of records per epoch.
func (l *Loader) Records() int { return l.source.Len() }

func (l *Loader) Config() Config { return l.cfg }

// Iter starts the next epoch. With Shuffle the record order is a permutation
// seeded by Seed and the epoch number, so runs are reproducible.
func (l *Loader) Iter(ctx context.Context) (training.BatchIterator, error) {
	l.mu.Lock()
	epoch := l.epoch
	l.epoch++
	l.mu.Unlock()

	order := l.Order(epoch)
	chunks := make([][]int, 0, l.Len())
	for start := 0; start < len(order); start += l.cfg.BatchSize {
		end := start + l.cfg.BatchSize
		if end > len(order) {
			if l.cfg.DropLast {
				break
			}
			end = len(order)
		}
		chunks = append(chunks, order[start:end])
	}
	l.logger.Debug("epoch started",
		logging.Int("epoch_index", epoch),
		logging.Int("batches", len(chunks)),
		logging.Bool("shuffle", l.cfg.Shuffle))
	return startIterator(ctx, l.source, l.collator, chunks, l.cfg.Workers, l.cfg.Prefetch), nil
}

// Order returns the record order used for the given zero-based epoch.
func (l *Loader) Order(epoch int) []int {
	n := l.source.Len()
	if !l.cfg.Shuffle {
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		return order
	}
	return rand.New(rand.NewSource(l.cfg.Seed + int64(epoch))).Perm(n)
}
