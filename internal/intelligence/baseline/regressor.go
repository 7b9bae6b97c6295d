package baseline

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// RegressorConfig sizes the embedding regressor.
type RegressorConfig struct {
	VocabSize     int     `mapstructure:"vocab_size" yaml:"vocab_size"`
	TypeVocabSize int     `mapstructure:"type_vocab_size" yaml:"type_vocab_size"`
	HiddenSize    int     `mapstructure:"hidden_size" yaml:"hidden_size"`
	InitStd       float64 `mapstructure:"init_std" yaml:"init_std"`
	Seed          int64   `mapstructure:"seed" yaml:"seed"`
}

const (
	DefaultHiddenSize    = 32
	DefaultTypeVocabSize = 2
	DefaultInitStd       = 0.02
)

func (c *RegressorConfig) applyDefaults() {
	if c.TypeVocabSize == 0 {
		c.TypeVocabSize = DefaultTypeVocabSize
	}
	if c.HiddenSize == 0 {
		c.HiddenSize = DefaultHiddenSize
	}
	if c.InitStd == 0 {
		c.InitStd = DefaultInitStd
	}
}

// Regressor predicts one value per row: token and segment embeddings are
// summed, mean pooled over attended positions and projected by a linear head.
type Regressor struct {
	cfg RegressorConfig

	tokens   *Parameter // VocabSize x HiddenSize
	segments *Parameter // TypeVocabSize x HiddenSize
	weight   *Parameter // HiddenSize
	bias     *Parameter // 1

	mu       sync.Mutex
	training bool
	device   device.Device
}

var (
	_ training.Model        = (*Regressor)(nil)
	_ training.DevicePlacer = (*Regressor)(nil)
)

// NewRegressor initializes the parameters from cfg.Seed.
func NewRegressor(cfg RegressorConfig) (*Regressor, error) {
	cfg.applyDefaults()
	if cfg.VocabSize < 1 {
		return nil, errors.InvalidParam("regressor vocab size must be positive").WithDetailf("vocab_size=%d", cfg.VocabSize)
	}
	if cfg.HiddenSize < 1 || cfg.TypeVocabSize < 1 {
		return nil, errors.InvalidParam("regressor dimensions must be positive").
			WithDetailf("hidden_size=%d type_vocab_size=%d", cfg.HiddenSize, cfg.TypeVocabSize)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	m := &Regressor{
		cfg:      cfg,
		tokens:   newParameter("embeddings.token", cfg.VocabSize, cfg.HiddenSize),
		segments: newParameter("embeddings.segment", cfg.TypeVocabSize, cfg.HiddenSize),
		weight:   newParameter("head.weight", cfg.HiddenSize),
		bias:     newParameter("head.bias", 1),
		training: true,
		device:   device.Host(),
	}
	m.tokens.initNormal(rng, cfg.InitStd)
	m.segments.initNormal(rng, cfg.InitStd)
	m.weight.initNormal(rng, cfg.InitStd)
	return m, nil
}

// Parameters lists the trainable parameters in a fixed order.
func (m *Regressor) Parameters() []*Parameter {
	return []*Parameter{m.tokens, m.segments, m.weight, m.bias}
}

// NumParameters counts trainable scalars.
func (m *Regressor) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Size()
	}
	return n
}

func (m *Regressor) Config() RegressorConfig { return m.cfg }

func (m *Regressor) Train() {
	m.mu.Lock()
	m.training = true
	m.mu.Unlock()
}

func (m *Regressor) Eval() {
	m.mu.Lock()
	m.training = false
	m.mu.Unlock()
}

// Training reports whether the model is in training mode.
func (m *Regressor) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// To records the device. Parameters stay in host memory; only CPU execution
// is implemented, so an accelerator placement runs the same kernels.
func (m *Regressor) To(d device.Device) error {
	m.mu.Lock()
	m.device = d
	m.mu.Unlock()
	return nil
}

func (m *Regressor) Device() device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// Forward computes one prediction per row. Gradients are recorded only in
// training mode and when ctx allows them.
func (m *Regressor) Forward(ctx context.Context, in training.Inputs) (training.Prediction, error) {
	if err := m.checkInputs(in); err != nil {
		return training.Prediction{}, err
	}
	rows, cols, hidden := in.InputIDs.Rows, in.InputIDs.Cols, m.cfg.HiddenSize

	pooled := make([]float64, rows*hidden)
	counts := make([]int, rows)
	out := make([]float64, rows)
	for i := 0; i < rows; i++ {
		if err := ctx.Err(); err != nil {
			return training.Prediction{}, err
		}
		h := pooled[i*hidden : (i+1)*hidden]
		for j := 0; j < cols; j++ {
			if !in.AttentionMask.At(i, j) {
				continue
			}
			counts[i]++
			tok := m.tokens.Value[int(in.InputIDs.At(i, j))*hidden:]
			seg := m.segments.Value[int(in.TokenTypeIDs.At(i, j))*hidden:]
			for k := range h {
				h[k] += tok[k] + seg[k]
			}
		}
		if counts[i] > 0 {
			inv := 1 / float64(counts[i])
			for k := range h {
				h[k] *= inv
			}
		}
		y := m.bias.Value[0]
		for k, v := range h {
			y += m.weight.Value[k] * v
		}
		out[i] = y
	}

	pred := training.Prediction{Values: tensor.Vector{Data: out, Device: in.InputIDs.Device}}
	if m.Training() && training.GradEnabled(ctx) {
		pred.Backward = func(grad []float64) error {
			return m.backward(in, pooled, counts, grad)
		}
	}
	return pred, nil
}

// backward accumulates parameter gradients from the per-row output gradient.
func (m *Regressor) backward(in training.Inputs, pooled []float64, counts []int, grad []float64) error {
	rows, cols, hidden := in.InputIDs.Rows, in.InputIDs.Cols, m.cfg.HiddenSize
	if len(grad) != rows {
		return errors.ShapeMismatch("gradient length differs from prediction").WithDetailf("grad=%d rows=%d", len(grad), rows)
	}
	for i := 0; i < rows; i++ {
		g := grad[i]
		if g == 0 {
			continue
		}
		m.bias.Grad[0] += g
		h := pooled[i*hidden : (i+1)*hidden]
		for k, v := range h {
			m.weight.Grad[k] += g * v
		}
		if counts[i] == 0 {
			continue
		}
		scale := g / float64(counts[i])
		for j := 0; j < cols; j++ {
			if !in.AttentionMask.At(i, j) {
				continue
			}
			tok := m.tokens.Grad[int(in.InputIDs.At(i, j))*hidden:]
			seg := m.segments.Grad[int(in.TokenTypeIDs.At(i, j))*hidden:]
			for k := 0; k < hidden; k++ {
				d := scale * m.weight.Value[k]
				tok[k] += d
				seg[k] += d
			}
		}
	}
	return nil
}

func (m *Regressor) checkInputs(in training.Inputs) error {
	shape := in.InputIDs.Shape()
	if !tensor.SameShape(shape, in.TokenTypeIDs.Shape()) || !tensor.SameShape(shape, in.AttentionMask.Shape()) {
		return errors.ShapeMismatch("regressor inputs differ in shape").
			WithDetailf("input_ids=%s token_type_ids=%s attention_mask=%s",
				tensor.FormatShape(shape), tensor.FormatShape(in.TokenTypeIDs.Shape()), tensor.FormatShape(in.AttentionMask.Shape()))
	}
	for _, id := range in.InputIDs.Data {
		if id < 0 || int(id) >= m.cfg.VocabSize {
			return errors.InvalidParam(fmt.Sprintf("token id %d outside vocabulary of %d", id, m.cfg.VocabSize))
		}
	}
	for _, tt := range in.TokenTypeIDs.Data {
		if tt < 0 || int(tt) >= m.cfg.TypeVocabSize {
			return errors.InvalidParam(fmt.Sprintf("token type %d outside [0, %d)", tt, m.cfg.TypeVocabSize))
		}
	}
	return nil
}
