package cli

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/turtacn/ic50bert/internal/config"
	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/database/postgres"
	"github.com/turtacn/ic50bert/internal/infrastructure/database/redis"
	"github.com/turtacn/ic50bert/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ic50bert/internal/infrastructure/storage/minio"
	"github.com/turtacn/ic50bert/internal/intelligence/baseline"
	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/loader"
	"github.com/turtacn/ic50bert/internal/intelligence/tokenizer"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	monitorgrpc "github.com/turtacn/ic50bert/internal/interfaces/grpc"
	monitorhttp "github.com/turtacn/ic50bert/internal/interfaces/http"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// runtime holds everything a command builds from the configuration. close
// releases it in reverse order of construction.
type runtime struct {
	cfg    *config.Config
	logger logging.Logger

	store    *minio.Client
	redis    *redis.Client
	collator *collate.Collator
	vocab    int

	dataset *affinity.Dataset
	train   *loader.Loader
	val     *loader.Loader

	progress  *monitorhttp.ProgressTracker
	observers []training.Observer
	checks    []monitorhttp.HealthChecker
	metrics   http.Handler

	closers []func(ctx context.Context) error
}

func newRuntime(cfg *config.Config, logger logging.Logger) *runtime {
	return &runtime{cfg: cfg, logger: logging.OrNop(logger)}
}

func (r *runtime) onClose(fn func(ctx context.Context) error) {
	r.closers = append(r.closers, fn)
}

// close runs every registered closer, newest first, and returns the first
// error.
func (r *runtime) close(ctx context.Context) error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](ctx); err != nil {
			r.logger.Warn("shutdown step failed", logging.Err(err))
			if first == nil {
				first = err
			}
		}
	}
	r.closers = nil
	return first
}

// openStore connects the object store when enabled.
func (r *runtime) openStore() error {
	if !r.cfg.MinIO.Enabled {
		return nil
	}
	c, err := minio.NewClient(r.cfg.MinIO.Config, r.logger)
	if err != nil {
		return err
	}
	r.store = c
	return nil
}

// opener returns the store as a table opener, or nil so OpenTable can report
// a remote path without a store.
func (r *runtime) opener() affinity.Opener {
	if r.store == nil {
		return nil
	}
	return r.store
}

// buildCollator resolves the tokenizer checkpoint and loads it eagerly.
func (r *runtime) buildCollator(ctx context.Context) error {
	dir := r.cfg.Tokenizer.Path
	if affinity.IsRemote(dir) {
		if r.store == nil {
			return errors.New(errors.ErrCodeTokenizerUnavailable, "no object store configured").WithDetail(dir)
		}
		local, err := r.store.FetchDir(ctx, dir, "")
		if err != nil {
			return err
		}
		dir = local
	}

	var opts []tokenizer.Option
	if n := r.cfg.Tokenizer.MaxSequenceLength; n > 0 {
		opts = append(opts, tokenizer.WithMaxSequenceLength(n))
	}
	if n := r.cfg.Tokenizer.MaxInputCharsPerWord; n > 0 {
		opts = append(opts, tokenizer.WithMaxInputCharsPerWord(n))
	}
	if r.cfg.Tokenizer.Cache {
		if err := r.openRedis(); err != nil {
			return err
		}
		cache := redis.NewEncodingCache(r.redis, r.logger, redis.WithPrefix(r.cfg.Redis.Prefix))
		opts = append(opts, tokenizer.WithPairCache(cache))
	}

	tok, err := tokenizer.Load(dir, append([]tokenizer.Option{tokenizer.WithLogger(r.logger)}, opts...)...)
	if err != nil {
		return err
	}
	c, err := collate.New(tok, r.logger)
	if err != nil {
		return err
	}
	r.collator = c
	r.vocab = tok.VocabSize()
	return nil
}

func (r *runtime) openRedis() error {
	if r.redis != nil || !r.cfg.Redis.Enabled {
		return nil
	}
	rc := r.cfg.Redis.RedisConfig
	c, err := redis.NewClient(&rc, r.logger)
	if err != nil {
		return err
	}
	r.redis = c
	r.onClose(func(context.Context) error { return c.Close() })
	r.checks = append(r.checks, monitorhttp.CheckFunc("redis", c.Ping))
	return nil
}

// buildSources reads the tables and builds the train and validation loaders.
// The validation loader stays nil when neither a path nor a fraction is set.
func (r *runtime) buildSources(ctx context.Context) error {
	delim, err := affinity.ParseDelimiter(r.cfg.Data.Delimiter)
	if err != nil {
		return err
	}
	train, err := r.openDataset(ctx, r.cfg.Data.Path, delim)
	if err != nil {
		return err
	}
	r.dataset = train

	var trainSrc, valSrc affinity.Source = train, nil
	switch {
	case r.cfg.Data.ValidationPath != "":
		val, err := r.openDataset(ctx, r.cfg.Data.ValidationPath, delim)
		if err != nil {
			return err
		}
		valSrc = val
	case r.cfg.Data.ValidationFraction > 0:
		t, v, err := affinity.Split(train, r.cfg.Data.ValidationFraction, r.cfg.Data.SplitSeed)
		if err != nil {
			return err
		}
		trainSrc = t
		if v != nil {
			valSrc = v
		}
	}

	r.train, err = loader.New(trainSrc, r.collator, r.cfg.Loader, r.logger.Named("loader.train"))
	if err != nil {
		return err
	}
	if valSrc != nil {
		valCfg := r.cfg.Loader
		valCfg.Shuffle = false
		valCfg.DropLast = false
		r.val, err = loader.New(valSrc, r.collator, valCfg, r.logger.Named("loader.validation"))
		if err != nil {
			return err
		}
	}
	r.logger.Info("datasets ready",
		logging.Int("train_records", r.train.Records()),
		logging.Int("train_batches", r.train.Len()),
		logging.Bool("validation", r.val != nil))
	return nil
}

func (r *runtime) openDataset(ctx context.Context, location string, delim rune) (*affinity.Dataset, error) {
	t, err := affinity.OpenTable(ctx, location, delim, r.opener())
	if err != nil {
		return nil, err
	}
	return affinity.NewDataset(t, r.cfg.Data.Columns)
}

// valSource returns the validation loader as a BatchSource, keeping the
// interface nil when there is none.
func (r *runtime) valSource() training.BatchSource {
	if r.val == nil {
		return nil
	}
	return r.val
}

// buildModel creates the regressor over the tokenizer vocabulary and its
// optimizer.
func (r *runtime) buildModel() (*baseline.Regressor, training.Optimizer, error) {
	mc := r.cfg.Model
	mc.VocabSize = r.vocab
	model, err := baseline.NewRegressor(mc)
	if err != nil {
		return nil, nil, err
	}
	opt, err := baseline.NewOptimizer(r.cfg.Optimizer, model.Parameters())
	if err != nil {
		return nil, nil, err
	}
	r.logger.Info("model ready",
		logging.Int("parameters", model.NumParameters()),
		logging.Int("vocab_size", r.vocab),
		logging.String("optimizer", r.cfg.Optimizer.Name))
	return model, opt, nil
}

// buildObservers wires every enabled integration as a training observer.
func (r *runtime) buildObservers(ctx context.Context) error {
	r.progress = monitorhttp.NewProgressTracker()
	r.observers = append(r.observers, r.progress)

	if r.cfg.Metrics.Enabled {
		c, err := prometheus.NewMetricsCollector(r.cfg.Metrics.CollectorConfig, r.logger)
		if err != nil {
			return err
		}
		r.metrics = c.Handler()
		r.observers = append(r.observers, prometheus.NewTrainingMetrics(c))
	}

	if r.cfg.Kafka.Enabled {
		if r.cfg.Kafka.EnsureTopics {
			tm, err := kafka.NewTopicManager(r.cfg.Kafka.Brokers, r.logger)
			if err != nil {
				return err
			}
			err = tm.EnsureTopics(ctx, kafka.DefaultTopics())
			_ = tm.Close()
			if err != nil {
				return err
			}
		}
		p, err := kafka.NewProducer(r.cfg.Kafka.ProducerConfig, r.logger)
		if err != nil {
			return err
		}
		r.onClose(func(context.Context) error { return p.Close() })
		r.observers = append(r.observers, kafka.NewEventPublisher(p, r.cfg.Kafka.Source, r.logger))
	}

	if r.cfg.Database.Enabled {
		pc := r.cfg.Database.PostgresConfig
		if pc.AutoMigrate {
			if err := postgres.RunMigrations(postgres.BuildDSN(pc)); err != nil {
				return err
			}
		}
		conn, err := postgres.NewConnection(ctx, pc, r.logger)
		if err != nil {
			return err
		}
		r.onClose(func(context.Context) error { return conn.Close() })
		r.checks = append(r.checks, monitorhttp.CheckFunc("postgres", conn.HealthCheck))
		repo := postgres.NewRunRepository(conn, r.logger)
		r.observers = append(r.observers, postgres.NewRunRecorder(repo, r.logger))
	}
	return nil
}

// startMonitors starts the HTTP and gRPC monitors that have an address.
func (r *runtime) startMonitors() error {
	if addr := r.cfg.Monitor.HTTPAddr; addr != "" {
		router := monitorhttp.NewRouter(monitorhttp.RouterConfig{
			Health:   monitorhttp.NewHealthHandler(Version, r.checks...),
			Progress: r.progress,
			Metrics:  r.metrics,
			Logger:   r.logger,
		})
		srv := monitorhttp.NewServer(addr, router, r.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		r.onClose(srv.Stop)
	}

	if addr := r.cfg.Monitor.GRPCAddr; addr != "" {
		srv, err := monitorgrpc.NewServer(addr, monitorgrpc.WithLogger(r.logger), monitorgrpc.WithReflection())
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				r.logger.Error("grpc monitor stopped", logging.Err(err))
			}
		}()
		r.onClose(srv.Stop)
		r.observers = append(r.observers, monitorgrpc.NewHealthObserver(srv))
	}
	return nil
}

// writeResult stores data at location, uploading s3:// locations through the
// object store.
func (r *runtime) writeResult(ctx context.Context, location string, data []byte) error {
	if affinity.IsRemote(location) {
		if r.store == nil {
			return errors.New(errors.ErrCodeExternalService, "no object store configured").WithDetail(location)
		}
		return r.store.Upload(ctx, location, data, "application/json")
	}
	if dir := filepath.Dir(location); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "create result directory")
		}
	}
	if err := os.WriteFile(location, data, 0o644); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "write result "+location)
	}
	return nil
}
