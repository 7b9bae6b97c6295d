package baseline

import (
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// MSELoss is the mean squared error criterion.
type MSELoss struct{}

var _ training.Criterion = MSELoss{}

// Compute evaluates the loss eagerly; Item returns the value of the forward
// pass even after the optimizer has stepped.
func (MSELoss) Compute(pred training.Prediction, labels tensor.Vector) (training.Loss, error) {
	n := labels.Len()
	if pred.Values.Len() != n {
		return nil, errors.ShapeMismatch("prediction and labels differ in length").
			WithDetailf("prediction=%d labels=%d", pred.Values.Len(), n)
	}
	if n == 0 {
		return nil, errors.InvalidParam("mse of an empty batch")
	}
	sum := 0.0
	grad := make([]float64, n)
	for i, y := range labels.Data {
		d := pred.Values.Data[i] - y
		sum += d * d
		grad[i] = 2 * d / float64(n)
	}
	return &mseLoss{value: sum / float64(n), grad: grad, backward: pred.Backward}, nil
}

type mseLoss struct {
	value    float64
	grad     []float64
	backward func([]float64) error
	done     bool
}

func (l *mseLoss) Item() float64 { return l.value }

func (l *mseLoss) Backward() error {
	if l.backward == nil {
		return errors.New(errors.ErrCodeBackwardFailed, "prediction was computed without gradients")
	}
	if l.done {
		return errors.New(errors.ErrCodeBackwardFailed, "backward called twice on the same loss")
	}
	l.done = true
	return l.backward(l.grad)
}
