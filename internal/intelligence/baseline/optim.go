package baseline

import (
	"math"
	"strings"

	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// OptimizerConfig selects and tunes an optimizer.
type OptimizerConfig struct {
	// Name is "adam" or "sgd".
	Name         string  `mapstructure:"name" yaml:"name"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Momentum     float64 `mapstructure:"momentum" yaml:"momentum"`
	Beta1        float64 `mapstructure:"beta1" yaml:"beta1"`
	Beta2        float64 `mapstructure:"beta2" yaml:"beta2"`
	Epsilon      float64 `mapstructure:"epsilon" yaml:"epsilon"`
	WeightDecay  float64 `mapstructure:"weight_decay" yaml:"weight_decay"`
}

const (
	DefaultLearningRate = 1e-3
	DefaultBeta1        = 0.9
	DefaultBeta2        = 0.999
	DefaultEpsilon      = 1e-8
)

// NewOptimizer builds the optimizer named by cfg over params.
func NewOptimizer(cfg OptimizerConfig, params []*Parameter) (training.Optimizer, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "adam":
		a, err := NewAdam(params, cfg)
		if err != nil {
			return nil, err
		}
		return a, nil
	case "sgd":
		s, err := NewSGD(params, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.InvalidParam("unknown optimizer " + cfg.Name)
	}
}

func checkParams(params []*Parameter, lr float64) error {
	if len(params) == 0 {
		return errors.InvalidParam("optimizer needs at least one parameter")
	}
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return errors.InvalidParam("learning rate must be positive and finite")
	}
	return nil
}

func zeroGrads(params []*Parameter) {
	for _, p := range params {
		p.zeroGrad()
	}
}

// gradFault reports the first parameter whose gradient is not finite.
func gradFault(params []*Parameter) error {
	for _, p := range params {
		if !finite(p.Grad) {
			return errors.NumericInstability("gradient is not finite").WithDetail(p.String())
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// SGD
// ---------------------------------------------------------------------------

// SGD is stochastic gradient descent with optional momentum and L2 decay.
type SGD struct {
	params      []*Parameter
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

func NewSGD(params []*Parameter, cfg OptimizerConfig) (*SGD, error) {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = DefaultLearningRate
	}
	if err := checkParams(params, cfg.LearningRate); err != nil {
		return nil, err
	}
	if cfg.Momentum < 0 || cfg.Momentum >= 1 {
		return nil, errors.InvalidParam("momentum must be in [0, 1)")
	}
	s := &SGD{params: params, lr: cfg.LearningRate, momentum: cfg.Momentum, weightDecay: cfg.WeightDecay}
	if s.momentum > 0 {
		s.velocity = make([][]float64, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float64, p.Size())
		}
	}
	return s, nil
}

func (s *SGD) Step() error {
	if err := gradFault(s.params); err != nil {
		return err
	}
	for i, p := range s.params {
		for j, g := range p.Grad {
			g += s.weightDecay * p.Value[j]
			if s.velocity != nil {
				s.velocity[i][j] = s.momentum*s.velocity[i][j] + g
				g = s.velocity[i][j]
			}
			p.Value[j] -= s.lr * g
		}
	}
	return nil
}

func (s *SGD) ZeroGrad() { zeroGrads(s.params) }

// ---------------------------------------------------------------------------
// Adam
// ---------------------------------------------------------------------------

// Adam keeps bias-corrected first and second moment estimates per scalar.
type Adam struct {
	params       []*Parameter
	lr           float64
	beta1, beta2 float64
	eps          float64
	weightDecay  float64
	step         int
	m, v         [][]float64
}

func NewAdam(params []*Parameter, cfg OptimizerConfig) (*Adam, error) {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = DefaultLearningRate
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = DefaultBeta1
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = DefaultBeta2
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = DefaultEpsilon
	}
	if err := checkParams(params, cfg.LearningRate); err != nil {
		return nil, err
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 || cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return nil, errors.InvalidParam("adam betas must be in [0, 1)")
	}
	a := &Adam{
		params: params, lr: cfg.LearningRate,
		beta1: cfg.Beta1, beta2: cfg.Beta2, eps: cfg.Epsilon, weightDecay: cfg.WeightDecay,
		m: make([][]float64, len(params)),
		v: make([][]float64, len(params)),
	}
	for i, p := range params {
		a.m[i] = make([]float64, p.Size())
		a.v[i] = make([]float64, p.Size())
	}
	return a, nil
}

func (a *Adam) Step() error {
	if err := gradFault(a.params); err != nil {
		return err
	}
	a.step++
	c1 := 1 - math.Pow(a.beta1, float64(a.step))
	c2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.Grad {
			g += a.weightDecay * p.Value[j]
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			p.Value[j] -= a.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + a.eps)
		}
	}
	return nil
}

func (a *Adam) ZeroGrad() { zeroGrads(a.params) }

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int { return a.step }
