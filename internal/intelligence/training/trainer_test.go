package training

import (
	"bytes"
	"context"
	stderrors "errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/pkg/errors"
)

func source(n int) *sliceSource {
	s := &sliceSource{}
	for i := 0; i < n; i++ {
		s.batches = append(s.batches, makeBatch(1, 2))
	}
	return s
}

func cfg(epochs, patience int, minDelta float64) Config {
	return Config{NumEpochs: epochs, Device: device.CPU, Patience: patience, MinDelta: minDelta}
}

func newTestTrainer(t *testing.T, c Config, m *stubModel, crit Criterion, opt *stubOptimizer, train, val BatchSource, opts ...Option) (*Trainer, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	all := append([]Option{WithOutput(&out)}, opts...)
	tr, err := NewTrainer(c, m, crit, opt, train, val, all...)
	require.NoError(t, err)
	return tr, &out
}

// ─────────────────────────────────────────────────────────────────────────────
// Epoch accounting
// ─────────────────────────────────────────────────────────────────────────────

func TestTrain_RecordsOneEntryPerEpoch(t *testing.T) {
	m := &stubModel{}
	tr, out := newTestTrainer(t, cfg(3, 0, 0), m, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(2), source(1))

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1, 1}, res.Train)
	assert.Equal(t, []float64{1, 1, 1}, res.Validation)
	assert.Equal(t, 3, res.Epochs)
	assert.False(t, res.EarlyStopped)
	assert.Equal(t,
		"Epoch 1/3 | Loss: 1.0000 | Val_Loss: 1.0000\n"+
			"Epoch 2/3 | Loss: 1.0000 | Val_Loss: 1.0000\n"+
			"Epoch 3/3 | Loss: 1.0000 | Val_Loss: 1.0000\n",
		out.String())
}

func TestTrain_WithoutValidationReturnsEmptyHistory(t *testing.T) {
	tr, out := newTestTrainer(t, cfg(2, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{0.123456}}, &stubOptimizer{}, source(1), nil)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1235, 0.1235}, res.Train)
	assert.NotNil(t, res.Validation)
	assert.Empty(t, res.Validation)
	assert.Equal(t, "Epoch 1/2 | Loss: 0.1235\nEpoch 2/2 | Loss: 0.1235\n", out.String())
}

func TestTrain_EpochLossIsMeanOfBatches(t *testing.T) {
	tr, _ := newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{1, 2, 6}}, &stubOptimizer{}, source(3), nil)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, res.Train)
}

func TestTrain_PrecisionOption(t *testing.T) {
	tr, out := newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{0.123456}}, &stubOptimizer{}, source(1), nil, WithPrecision(2))

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.12}, res.Train)
	assert.Equal(t, "Epoch 1/1 | Loss: 0.12\n", out.String())
}

// ─────────────────────────────────────────────────────────────────────────────
// Early stopping
// ─────────────────────────────────────────────────────────────────────────────

func TestTrain_HaltsAtEarlyStopEpoch(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{5, 4, 4.06, 4.2, 1, 1}}
	tr, out := newTestTrainer(t, cfg(6, 2, 0), &stubModel{}, crit, &stubOptimizer{}, source(1), nil)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 4, 4.06, 4.2}, res.Train)
	assert.Equal(t, 4, res.Epochs)
	assert.True(t, res.EarlyStopped)
	assert.Equal(t, 4.0, res.BestLoss)
	assert.Contains(t, out.String(), "Epoch 4/6 | Loss: 4.2000\n\n--- Early stopping condition met! ---\n\n")
	assert.NotContains(t, out.String(), "Epoch 5/6")
}

func TestTrain_ValidationLossDrivesEarlyStop(t *testing.T) {
	// calls alternate: train batch, validation batch
	crit := &scriptedCriterion{losses: []float64{1, 5, 1, 4, 1, 4.5, 1, 4.6, 1, 1}}
	tr, _ := newTestTrainer(t, cfg(5, 2, 0), &stubModel{}, crit, &stubOptimizer{}, source(1), source(1))

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.True(t, res.EarlyStopped)
	assert.Equal(t, []float64{1, 1, 1, 1}, res.Train)
	assert.Equal(t, []float64{5, 4, 4.5, 4.6}, res.Validation)
}

func TestTrain_ZeroPatienceDisablesEarlyStop(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1, 2, 3, 4}}
	tr, _ := newTestTrainer(t, cfg(4, 0, 0), &stubModel{}, crit, &stubOptimizer{}, source(1), nil)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.False(t, res.EarlyStopped)
	assert.Len(t, res.Train, 4)
	assert.Equal(t, 1.0, res.BestLoss)
}

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator protocol
// ─────────────────────────────────────────────────────────────────────────────

func TestTrain_CollaboratorProtocol(t *testing.T) {
	m := &stubModel{}
	opt := &stubOptimizer{}
	train, val := source(2), source(1)
	tr, _ := newTestTrainer(t, cfg(2, 0, 0), m, &scriptedCriterion{losses: []float64{1}}, opt, train, val)

	_, err := tr.Train(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, m.trainCalls)
	assert.Equal(t, 2, m.evalCalls)
	assert.Equal(t, 6, m.forwards)
	assert.Equal(t, 4, m.gradCalls, "validation batches never back-propagate")
	assert.Equal(t, 4, opt.steps)
	assert.Equal(t, 4, opt.zeroGrads)
	assert.Len(t, m.placedOn, 1, "placement happens once per run")
	assert.Equal(t, 2, train.epochs)
	assert.Equal(t, 2, val.epochs)
}

func TestTrain_BatchesArePlacedOnDevice(t *testing.T) {
	probe := device.ProbeFunc(func() ([]device.AcceleratorInfo, error) {
		return []device.AcceleratorInfo{{Index: 0, Name: "stub"}}, nil
	})
	m := &stubModel{}
	c := cfg(1, 0, 0)
	c.Device = device.Accelerator
	tr, _ := newTestTrainer(t, c, m, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(1), nil, WithDeviceProbe(probe))

	_, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.Accelerator, tr.Device().Kind)
	assert.Equal(t, device.Accelerator, m.lastDevice.Kind)
	require.Len(t, m.placedOn, 1)
	assert.Equal(t, device.Accelerator, m.placedOn[0].Kind)
}

func TestNewTrainer_AcceleratorUnavailable(t *testing.T) {
	none := device.ProbeFunc(func() ([]device.AcceleratorInfo, error) { return nil, nil })
	m := &stubModel{}
	c := cfg(1, 0, 0)
	c.Device = device.Accelerator

	_, err := NewTrainer(c, m, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(1), nil, WithDeviceProbe(none))
	assert.True(t, errors.IsDeviceError(err))
	assert.Zero(t, m.forwards)
	assert.Empty(t, m.placedOn)
}

func TestNewTrainer_Validation(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1}}
	for _, c := range []Config{cfg(0, 0, 0), cfg(1, -1, 0), cfg(1, 0, -0.1), {NumEpochs: 1, Device: device.Kind(5)}} {
		_, err := NewTrainer(c, &stubModel{}, crit, &stubOptimizer{}, source(1), nil)
		assert.True(t, errors.IsCode(err, errors.ErrCodeTrainerConfig), "%+v", c)
	}

	_, err := NewTrainer(cfg(1, 0, 0), nil, crit, &stubOptimizer{}, source(1), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTrainerConfig))
	_, err = NewTrainer(cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{}, nil, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeTrainerConfig))
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig(7)
	assert.Equal(t, 7, c.NumEpochs)
	assert.Equal(t, 10, c.Patience)
	assert.Equal(t, 0.05, c.MinDelta)
	assert.Equal(t, device.CPU, c.Device)
	assert.NoError(t, c.Validate())
}

// ─────────────────────────────────────────────────────────────────────────────
// Fatal aborts
// ─────────────────────────────────────────────────────────────────────────────

func TestTrain_NonFiniteLossAborts(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		crit := &scriptedCriterion{losses: []float64{1, bad}}
		tr, _ := newTestTrainer(t, cfg(3, 0, 0), &stubModel{}, crit, &stubOptimizer{}, source(2), nil)

		res, err := tr.Train(context.Background())
		require.Error(t, err)
		assert.True(t, errors.IsNumericInstability(err))
		assert.Contains(t, err.Error(), "epoch 1 train batch 2")
		assert.Empty(t, res.Train)
		assert.False(t, res.EarlyStopped)
	}
}

func TestTrain_ContextCancelledIsAnAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recordingObserver{}
	tr, _ := newTestTrainer(t, cfg(2, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(1), nil, WithObserver(rec))

	res, err := tr.Train(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.EarlyStopped)
	require.Len(t, rec.ends, 1)
	assert.ErrorIs(t, rec.ends[0].Err, context.Canceled)
}

func TestTrain_BatchSourceFailures(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1}}

	broken := source(3)
	broken.failAt = 1
	tr, _ := newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{}, broken, nil)
	_, err := tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeBatchSource))
	assert.Contains(t, err.Error(), "worker crashed")

	unstartable := &sliceSource{iterErr: stderrors.New("no data")}
	tr, _ = newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{}, unstartable, nil)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeBatchSource))

	tr, _ = newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{}, source(0), nil)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeEmptyDataset))
}

func TestTrain_ShapeMismatchIsFatal(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1}}

	m := &stubModel{predRows: 1}
	tr, _ := newTestTrainer(t, cfg(1, 0, 0), m, crit, &stubOptimizer{}, source(1), nil)
	_, err := tr.Train(context.Background())
	assert.True(t, errors.IsShapeMismatch(err))

	bad := makeBatch(1, 2, 3)
	bad.Labels.Data = bad.Labels.Data[:2]
	tr, _ = newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{}, &sliceSource{batches: []*collate.Batch{bad}}, nil)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsShapeMismatch(err))
}

func TestTrain_CollaboratorErrors(t *testing.T) {
	crit := &scriptedCriterion{losses: []float64{1}}

	tr, _ := newTestTrainer(t, cfg(1, 0, 0), &stubModel{forwardErr: stderrors.New("oom")}, crit, &stubOptimizer{}, source(1), nil)
	_, err := tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeForwardFailed))

	tr, _ = newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, crit, &stubOptimizer{stepErr: stderrors.New("bad lr")}, source(1), nil)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeOptimizerFailed))

	tr, _ = newTestTrainer(t, cfg(1, 0, 0), &stubModel{placeErr: stderrors.New("busy")}, crit, &stubOptimizer{}, source(1), nil)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsDeviceError(err))
}

func TestTrain_RunsOnlyOnce(t *testing.T) {
	tr, _ := newTestTrainer(t, cfg(1, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(1), nil)

	_, err := tr.Train(context.Background())
	require.NoError(t, err)
	_, err = tr.Train(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeTrainerConfig))
}

// ─────────────────────────────────────────────────────────────────────────────
// Observers and logging
// ─────────────────────────────────────────────────────────────────────────────

func TestTrain_NotifiesObservers(t *testing.T) {
	rec := &recordingObserver{}
	crit := &scriptedCriterion{losses: []float64{2, 4, 3}}
	tr, _ := newTestTrainer(t, cfg(2, 0, 0), &stubModel{}, crit, &stubOptimizer{}, source(2), source(1),
		WithObserver(rec, nil, BaseObserver{}), WithRunID("run-1"))

	_, err := tr.Train(context.Background())
	require.NoError(t, err)

	require.Len(t, rec.starts, 1)
	assert.Equal(t, "run-1", rec.starts[0].RunID)
	assert.Equal(t, 2, rec.starts[0].TrainBatches)
	assert.Equal(t, 1, rec.starts[0].ValBatches)

	require.Len(t, rec.batches, 6)
	first := rec.batches[0]
	assert.Equal(t, PhaseTrain, first.Phase)
	assert.Equal(t, 1, first.Batch)
	assert.Equal(t, 2, first.Batches)
	assert.Equal(t, 2, first.Size)
	assert.Equal(t, 2.0, first.Loss)
	assert.Equal(t, 3.0, rec.batches[1].RunningLoss)
	assert.Equal(t, PhaseValidation, rec.batches[2].Phase)

	require.Len(t, rec.epochs, 2)
	assert.True(t, rec.epochs[0].HasValidation)
	assert.Equal(t, 3.0, rec.epochs[0].TrainLoss)
	assert.Equal(t, 3.0, rec.epochs[0].ValLoss)

	require.Len(t, rec.ends, 1)
	assert.NoError(t, rec.ends[0].Err)
	assert.Equal(t, 2, rec.ends[0].Result.Epochs)
	assert.Equal(t, "run-1", tr.RunID())
}

func TestTrain_LogsEpochSummaries(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tr, _ := newTestTrainer(t, cfg(2, 0, 0), &stubModel{}, &scriptedCriterion{losses: []float64{1}}, &stubOptimizer{}, source(1), nil,
		WithLogger(logging.NewLoggerFromCore(core)))

	_, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, logs.FilterMessage("epoch finished").Len())
	assert.Equal(t, 1, logs.FilterMessage("training finished").Len())
	assert.Zero(t, logs.FilterMessage("batch").Len(), "batch progress is debug level")
	assert.NotEmpty(t, logs.All()[0].ContextMap()["run_id"])
}

func TestGradContext(t *testing.T) {
	ctx := context.Background()
	assert.True(t, GradEnabled(ctx))
	assert.False(t, GradEnabled(WithoutGrad(ctx)))
}
