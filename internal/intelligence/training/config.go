package training

import (
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Defaults of the reference training run.
const (
	DefaultPatience  = 10
	DefaultMinDelta  = 0.05
	DefaultPrecision = 4
)

// Config is fixed for the lifetime of a run.
type Config struct {
	NumEpochs int
	Device    device.Kind
	// Patience is the number of regressed epochs that stops training.
	// Zero disables early stopping.
	Patience int
	MinDelta float64
}

// DefaultConfig returns a CPU config with early stopping at patience 10 and
// min delta 0.05.
func DefaultConfig(epochs int) Config {
	return Config{NumEpochs: epochs, Device: device.CPU, Patience: DefaultPatience, MinDelta: DefaultMinDelta}
}

func (c Config) Validate() error {
	if c.NumEpochs < 1 {
		return errors.Newf(errors.ErrCodeTrainerConfig, "num_epochs must be at least 1, got %d", c.NumEpochs)
	}
	if c.Patience < 0 {
		return errors.Newf(errors.ErrCodeTrainerConfig, "patience must not be negative, got %d", c.Patience)
	}
	if c.MinDelta < 0 {
		return errors.Newf(errors.ErrCodeTrainerConfig, "min_delta must not be negative, got %g", c.MinDelta)
	}
	if c.Device != device.CPU && c.Device != device.Accelerator {
		return errors.Newf(errors.ErrCodeTrainerConfig, "unsupported device %s", c.Device)
	}
	return nil
}
