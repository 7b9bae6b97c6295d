package training

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Result holds the per-epoch loss history of a run, rounded to the report
// precision. Validation is empty when no validation source was configured.
type Result struct {
	RunID        string    `json:"run_id"`
	Train        []float64 `json:"train"`
	Validation   []float64 `json:"validation"`
	Epochs       int       `json:"epochs"`
	EarlyStopped bool      `json:"early_stopped"`
	BestLoss     float64   `json:"best_loss"`
}

// Trainer runs one training session. Build a fresh Trainer per run; it owns
// the early stopping state and the loss accumulators.
type Trainer struct {
	cfg       Config
	model     Model
	criterion Criterion
	optimizer Optimizer
	train     BatchSource
	val       BatchSource

	device    device.Device
	probe     device.Probe
	stopper   *EarlyStopper
	observers observers
	logger    logging.Logger
	out       io.Writer
	precision int
	runID     string
	used      bool
}

// Option configures a Trainer.
type Option func(*Trainer)

func WithLogger(l logging.Logger) Option {
	return func(t *Trainer) { t.logger = logging.OrNop(l) }
}

// WithObserver registers observers notified of run, epoch and batch events.
func WithObserver(obs ...Observer) Option {
	return func(t *Trainer) {
		for _, o := range obs {
			if o != nil {
				t.observers = append(t.observers, o)
			}
		}
	}
}

// WithOutput redirects the per-epoch console lines. Default is stdout.
func WithOutput(w io.Writer) Option {
	return func(t *Trainer) {
		if w == nil {
			w = io.Discard
		}
		t.out = w
	}
}

// WithDeviceProbe overrides accelerator discovery.
func WithDeviceProbe(p device.Probe) Option {
	return func(t *Trainer) { t.probe = p }
}

// WithPrecision sets the number of decimals losses are rounded to.
func WithPrecision(digits int) Option {
	return func(t *Trainer) {
		if digits >= 0 {
			t.precision = digits
		}
	}
}

// WithRunID fixes the run identifier instead of generating one.
func WithRunID(id string) Option {
	return func(t *Trainer) {
		if id != "" {
			t.runID = id
		}
	}
}

// NewTrainer validates cfg and resolves the device. An unavailable
// accelerator fails here, before any epoch runs. val may be nil.
func NewTrainer(cfg Config, model Model, criterion Criterion, optimizer Optimizer, train, val BatchSource, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if model == nil || criterion == nil || optimizer == nil {
		return nil, errors.New(errors.ErrCodeTrainerConfig, "model, criterion and optimizer are required")
	}
	if train == nil {
		return nil, errors.New(errors.ErrCodeTrainerConfig, "a training batch source is required")
	}
	t := &Trainer{
		cfg:       cfg,
		model:     model,
		criterion: criterion,
		optimizer: optimizer,
		train:     train,
		val:       val,
		logger:    logging.NewNopLogger(),
		out:       os.Stdout,
		precision: DefaultPrecision,
	}
	for _, o := range opts {
		o(t)
	}
	dev, err := device.Resolve(cfg.Device, t.probe)
	if err != nil {
		return nil, err
	}
	t.device = dev
	if cfg.Patience > 0 {
		t.stopper = NewEarlyStopper(cfg.Patience, cfg.MinDelta)
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	t.logger = t.logger.With(logging.String("run_id", t.runID))
	return t, nil
}

// Device is the resolved training device.
func (t *Trainer) Device() device.Device { return t.device }

func (t *Trainer) RunID() string { return t.runID }

// Train runs up to NumEpochs epochs. It stops early, without error, when the
// early stopper fires; Result.EarlyStopped tells the two endings apart. Any
// failure aborts the run and is returned with the history recorded so far.
func (t *Trainer) Train(ctx context.Context) (res *Result, err error) {
	if t.used {
		return nil, errors.New(errors.ErrCodeTrainerConfig, "trainer already ran; construct a new one per run")
	}
	t.used = true

	start := time.Now()
	res = &Result{RunID: t.runID, Train: []float64{}, Validation: []float64{}}
	defer func() {
		t.observers.runEnd(context.WithoutCancel(ctx), RunSummary{RunID: t.runID, Result: res, Err: err, Duration: time.Since(start)})
		if err != nil {
			t.logger.Error("training aborted", logging.Int("epochs_completed", res.Epochs), logging.Err(err))
		} else {
			t.logger.Info("training finished",
				logging.Int("epochs", res.Epochs),
				logging.Bool("early_stopped", res.EarlyStopped),
				logging.Duration("elapsed", time.Since(start)))
		}
	}()

	if err := t.place(); err != nil {
		return res, err
	}

	info := RunInfo{RunID: t.runID, StartedAt: start, Config: t.cfg, Device: t.device, TrainBatches: t.train.Len()}
	if t.val != nil {
		info.ValBatches = t.val.Len()
	}
	t.logger.Info("training started",
		logging.String("device", t.device.String()),
		logging.String("device_name", t.device.Name),
		logging.Int("epochs", t.cfg.NumEpochs),
		logging.Int("train_batches", info.TrainBatches),
		logging.Int("val_batches", info.ValBatches))
	t.observers.runStart(ctx, info)

	best := math.Inf(1)
	for epoch := 1; epoch <= t.cfg.NumEpochs; epoch++ {
		epochStart := time.Now()

		t.model.Train()
		trainLoss, err := t.runEpoch(ctx, epoch, PhaseTrain, t.train)
		if err != nil {
			return res, err
		}
		stopLoss := trainLoss
		res.Train = append(res.Train, t.round(trainLoss))
		line := fmt.Sprintf("Epoch %d/%d | Loss: %.*f", epoch, t.cfg.NumEpochs, t.precision, trainLoss)

		ev := EpochEvent{RunID: t.runID, Epoch: epoch, NumEpochs: t.cfg.NumEpochs, TrainLoss: trainLoss}
		if t.val != nil {
			t.model.Eval()
			valLoss, err := t.runEpoch(WithoutGrad(ctx), epoch, PhaseValidation, t.val)
			if err != nil {
				return res, err
			}
			stopLoss = valLoss
			res.Validation = append(res.Validation, t.round(valLoss))
			line += fmt.Sprintf(" | Val_Loss: %.*f", t.precision, valLoss)
			ev.ValLoss, ev.HasValidation = valLoss, true
		}
		res.Epochs = epoch
		fmt.Fprintln(t.out, line)

		stop := false
		if t.stopper != nil {
			stop = t.stopper.Observe(stopLoss)
			ev.StaleEpochs = t.stopper.Stale()
		}
		best = math.Min(best, stopLoss)
		ev.BestLoss = best
		res.BestLoss = t.round(best)
		ev.EarlyStop = stop
		ev.Duration = time.Since(epochStart)
		t.logger.Info("epoch finished",
			logging.Int("epoch", epoch),
			logging.Float64("train_loss", trainLoss),
			logging.Float64("stop_loss", stopLoss),
			logging.Int("stale_epochs", ev.StaleEpochs),
			logging.Duration("elapsed", ev.Duration))
		t.observers.epochEnd(ctx, ev)

		if stop {
			res.EarlyStopped = true
			fmt.Fprint(t.out, "\n--- Early stopping condition met! ---\n\n")
			break
		}
	}
	return res, nil
}

// place moves the model and criterion to the training device once per run.
func (t *Trainer) place() error {
	targets := []struct {
		name string
		v    interface{}
	}{{"model", t.model}, {"criterion", t.criterion}}
	for _, c := range targets {
		if p, ok := c.v.(DevicePlacer); ok {
			if err := p.To(t.device); err != nil {
				return errors.DeviceUnavailable(fmt.Sprintf("place %s on %s", c.name, t.device)).WithCause(err)
			}
		}
	}
	return nil
}

// runEpoch makes one pass over src and returns the mean batch loss. The
// training phase also back-propagates and steps the optimizer.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, phase Phase, src BatchSource) (float64, error) {
	it, err := src.Iter(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeBatchSource, fmt.Sprintf("epoch %d %s: start iteration", epoch, phase))
	}
	defer it.Close()

	batches := src.Len()
	total := 0.0
	n := 0
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n++
		loss, size, err := t.step(ctx, it, phase)
		if err != nil {
			return 0, errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("epoch %d %s batch %d", epoch, phase, n))
		}
		total += loss

		t.observers.batchEnd(ctx, BatchEvent{
			RunID: t.runID, Phase: phase, Epoch: epoch, Batch: n, Batches: batches,
			Size: size, Loss: loss, RunningLoss: total / float64(n),
		})
		t.logger.Debug("batch",
			logging.String("phase", string(phase)),
			logging.Int("epoch", epoch),
			logging.Int("batch", n),
			logging.Float64("loss", loss),
			logging.Float64("running_loss", total/float64(n)))
	}
	if err := it.Err(); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeBatchSource, fmt.Sprintf("epoch %d %s", epoch, phase))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.Newf(errors.ErrCodeEmptyDataset, "epoch %d %s: batch source yielded no batches", epoch, phase)
	}
	return total / float64(n), nil
}

func (t *Trainer) step(ctx context.Context, it BatchIterator, phase Phase) (float64, int, error) {
	batch := it.Batch().To(t.device)
	if err := batch.Validate(); err != nil {
		return 0, 0, err
	}
	training := phase == PhaseTrain
	if training {
		t.optimizer.ZeroGrad()
	}

	pred, err := t.model.Forward(ctx, InputsOf(batch))
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeForwardFailed, "forward")
	}
	if pred.Values.Len() != batch.Size() {
		return 0, 0, errors.ShapeMismatch("prediction length differs from labels").
			WithDetailf("prediction=%d labels=%d", pred.Values.Len(), batch.Size())
	}
	loss, err := t.criterion.Compute(pred, batch.Labels)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrCodeForwardFailed, "loss")
	}
	if training {
		if err := loss.Backward(); err != nil {
			return 0, 0, errors.Wrap(err, errors.ErrCodeBackwardFailed, "backward")
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, errors.Wrap(err, errors.ErrCodeOptimizerFailed, "optimizer step")
		}
	}
	v := loss.Item()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, 0, errors.NumericInstability("loss is not finite").WithDetailf("loss=%v", v)
	}
	return v, batch.Size(), nil
}

func (t *Trainer) round(v float64) float64 {
	p := math.Pow(10, float64(t.precision))
	return math.Round(v*p) / p
}
