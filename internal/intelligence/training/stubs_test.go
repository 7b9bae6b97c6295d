package training

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
)

// ---------------------------------------------------------------------------
// Batch sources
// ---------------------------------------------------------------------------

func makeBatch(labels ...float64) *collate.Batch {
	rows := len(labels)
	return &collate.Batch{
		InputIDs:      tensor.NewInt64Matrix(rows, 3),
		TokenTypeIDs:  tensor.NewInt64Matrix(rows, 3),
		AttentionMask: tensor.NewBoolMatrix(rows, 3),
		Labels:        tensor.NewVector(labels),
	}
}

type sliceSource struct {
	batches []*collate.Batch
	iterErr error
	failAt  int // Err() reported after this many batches, 0 = never
	epochs  int
}

func (s *sliceSource) Len() int { return len(s.batches) }

func (s *sliceSource) Iter(context.Context) (BatchIterator, error) {
	if s.iterErr != nil {
		return nil, s.iterErr
	}
	s.epochs++
	return &sliceIter{src: s, pos: -1}, nil
}

type sliceIter struct {
	src    *sliceSource
	pos    int
	err    error
	closed bool
}

func (it *sliceIter) Next() bool {
	if it.src.failAt > 0 && it.pos+1 >= it.src.failAt {
		it.err = stderrors.New("worker crashed")
		return false
	}
	it.pos++
	return it.pos < len(it.src.batches)
}

func (it *sliceIter) Batch() *collate.Batch { return it.src.batches[it.pos] }
func (it *sliceIter) Err() error            { return it.err }

func (it *sliceIter) Close() error {
	it.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Model / criterion / optimizer
// ---------------------------------------------------------------------------

type stubModel struct {
	mu         sync.Mutex
	offset     float64
	training   bool
	trainCalls int
	evalCalls  int
	forwards   int
	gradCalls  int
	placedOn   []device.Device
	placeErr   error
	forwardErr error
	predRows   int // when >0, forces the prediction length
	lastDevice device.Device
}

func (m *stubModel) Forward(ctx context.Context, in Inputs) (Prediction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards++
	if m.forwardErr != nil {
		return Prediction{}, m.forwardErr
	}
	m.lastDevice = in.InputIDs.Device
	rows := in.InputIDs.Rows
	if m.predRows > 0 {
		rows = m.predRows
	}
	vals := make([]float64, rows)
	for i := range vals {
		vals[i] = m.offset
	}
	p := Prediction{Values: tensor.NewVector(vals)}
	if GradEnabled(ctx) && m.training {
		p.Backward = func([]float64) error { m.gradCalls++; return nil }
	}
	return p, nil
}

func (m *stubModel) Train() {
	m.training = true
	m.trainCalls++
}

func (m *stubModel) Eval() {
	m.training = false
	m.evalCalls++
}

func (m *stubModel) To(d device.Device) error {
	m.placedOn = append(m.placedOn, d)
	return m.placeErr
}

// scriptedCriterion returns losses in order, one per Compute call.
type scriptedCriterion struct {
	losses []float64
	calls  int
}

func (c *scriptedCriterion) Compute(pred Prediction, _ tensor.Vector) (Loss, error) {
	v := c.losses[c.calls%len(c.losses)]
	c.calls++
	return &fixedLoss{v: v, pred: pred}, nil
}

type fixedLoss struct {
	v    float64
	pred Prediction
}

func (l *fixedLoss) Item() float64 { return l.v }

func (l *fixedLoss) Backward() error {
	if l.pred.Backward == nil {
		return stderrors.New("backward without gradients")
	}
	return l.pred.Backward(nil)
}

// lazyMSE evaluates the squared error against the model's current offset
// when Item is called.
type lazyMSE struct{ model *stubModel }

func (c *lazyMSE) Compute(pred Prediction, labels tensor.Vector) (Loss, error) {
	return &lazyLoss{model: c.model, labels: labels, pred: pred}, nil
}

type lazyLoss struct {
	model  *stubModel
	labels tensor.Vector
	pred   Prediction
}

func (l *lazyLoss) Item() float64 {
	sum := 0.0
	for _, y := range l.labels.Data {
		d := l.model.offset - y
		sum += d * d
	}
	return sum / float64(l.labels.Len())
}

func (l *lazyLoss) Backward() error { return l.pred.Backward(nil) }

type stubOptimizer struct {
	model     *stubModel
	stepSize  float64
	steps     int
	zeroGrads int
	stepErr   error
}

func (o *stubOptimizer) Step() error {
	o.steps++
	if o.model != nil {
		o.model.offset += o.stepSize
	}
	return o.stepErr
}

func (o *stubOptimizer) ZeroGrad() { o.zeroGrads++ }

// recordingObserver keeps every event.
type recordingObserver struct {
	starts  []RunInfo
	batches []BatchEvent
	epochs  []EpochEvent
	ends    []RunSummary
}

func (r *recordingObserver) OnRunStart(_ context.Context, info RunInfo) {
	r.starts = append(r.starts, info)
}

func (r *recordingObserver) OnBatchEnd(_ context.Context, ev BatchEvent) {
	r.batches = append(r.batches, ev)
}

func (r *recordingObserver) OnEpochEnd(_ context.Context, ev EpochEvent) {
	r.epochs = append(r.epochs, ev)
}

func (r *recordingObserver) OnRunEnd(_ context.Context, sum RunSummary) {
	r.ends = append(r.ends, sum)
}
