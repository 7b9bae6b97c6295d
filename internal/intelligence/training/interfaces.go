// Package training drives the epoch loop: optimization over a training batch
// source, an optional validation pass, and early stopping. The model,
// criterion and optimizer are injected collaborators; the package never
// looks inside them.
package training

import (
	"context"

	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
)

// Inputs are the three token arrays a model consumes.
type Inputs struct {
	InputIDs      tensor.Int64Matrix
	TokenTypeIDs  tensor.Int64Matrix
	AttentionMask tensor.BoolMatrix
}

// InputsOf extracts the model inputs of a batch.
func InputsOf(b *collate.Batch) Inputs {
	return Inputs{InputIDs: b.InputIDs, TokenTypeIDs: b.TokenTypeIDs, AttentionMask: b.AttentionMask}
}

// Prediction is a model output shaped like the batch labels.
type Prediction struct {
	Values tensor.Vector
	// Backward accumulates parameter gradients given dLoss/dValues. It is nil
	// when the forward pass ran without gradients.
	Backward func(grad []float64) error
}

// Model is the forward-pass capability.
type Model interface {
	Forward(ctx context.Context, in Inputs) (Prediction, error)
	// Train and Eval switch between training and evaluation behaviour.
	Train()
	Eval()
}

// Loss is a differentiable scalar.
type Loss interface {
	Item() float64
	Backward() error
}

// Criterion computes a loss from a prediction and the batch labels.
type Criterion interface {
	Compute(pred Prediction, labels tensor.Vector) (Loss, error)
}

// Optimizer applies and clears accumulated gradients.
type Optimizer interface {
	Step() error
	ZeroGrad()
}

// DevicePlacer is implemented by collaborators holding state that must live
// on the training device. The trainer calls To once per run.
type DevicePlacer interface {
	To(d device.Device) error
}

// BatchSource yields the batches of one epoch.
type BatchSource interface {
	// Len is the number of batches per epoch.
	Len() int
	// Iter starts a new epoch.
	Iter(ctx context.Context) (BatchIterator, error)
}

// BatchIterator walks one epoch of batches.
//
//	it, err := src.Iter(ctx)
//	defer it.Close()
//	for it.Next() { use(it.Batch()) }
//	if err := it.Err(); err != nil { ... }
type BatchIterator interface {
	Next() bool
	Batch() *collate.Batch
	Err() error
	Close() error
}

type gradKey struct{}

// WithoutGrad marks ctx so that forward passes skip gradient bookkeeping.
func WithoutGrad(ctx context.Context) context.Context {
	return context.WithValue(ctx, gradKey{}, false)
}

// GradEnabled reports whether forward passes under ctx should record
// gradients.
func GradEnabled(ctx context.Context) bool {
	v, ok := ctx.Value(gradKey{}).(bool)
	return !ok || v
}
