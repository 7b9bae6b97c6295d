package training

import (
	"context"
	"time"

	"github.com/turtacn/ic50bert/internal/intelligence/device"
)

// Phase distinguishes optimization batches from validation batches.
type Phase string

const (
	PhaseTrain      Phase = "train"
	PhaseValidation Phase = "validation"
)

// RunInfo is published once before the first epoch.
type RunInfo struct {
	RunID        string
	StartedAt    time.Time
	Config       Config
	Device       device.Device
	TrainBatches int
	ValBatches   int
}

// BatchEvent follows every batch of either phase.
type BatchEvent struct {
	RunID       string
	Phase       Phase
	Epoch       int
	Batch       int
	Batches     int
	Size        int
	Loss        float64
	RunningLoss float64
}

// EpochEvent follows every completed epoch.
type EpochEvent struct {
	RunID         string
	Epoch         int
	NumEpochs     int
	TrainLoss     float64
	ValLoss       float64
	HasValidation bool
	BestLoss      float64
	StaleEpochs   int
	EarlyStop     bool
	Duration      time.Duration
}

// RunSummary is published once when Train returns.
type RunSummary struct {
	RunID    string
	Result   *Result
	Err      error
	Duration time.Duration
}

// Run outcomes reported by RunSummary.Outcome.
const (
	OutcomeCompleted    = "completed"
	OutcomeEarlyStopped = "early_stopped"
	OutcomeAborted      = "aborted"
)

// Outcome classifies how the run ended.
func (s RunSummary) Outcome() string {
	switch {
	case s.Err != nil:
		return OutcomeAborted
	case s.Result != nil && s.Result.EarlyStopped:
		return OutcomeEarlyStopped
	default:
		return OutcomeCompleted
	}
}

// Observer follows a run. Implementations must not block for long and must
// handle their own delivery failures; the trainer ignores them.
type Observer interface {
	OnRunStart(ctx context.Context, info RunInfo)
	OnBatchEnd(ctx context.Context, ev BatchEvent)
	OnEpochEnd(ctx context.Context, ev EpochEvent)
	OnRunEnd(ctx context.Context, sum RunSummary)
}

// BaseObserver implements Observer with no-ops, for embedding.
type BaseObserver struct{}

func (BaseObserver) OnRunStart(context.Context, RunInfo)    {}
func (BaseObserver) OnBatchEnd(context.Context, BatchEvent) {}
func (BaseObserver) OnEpochEnd(context.Context, EpochEvent) {}
func (BaseObserver) OnRunEnd(context.Context, RunSummary)   {}

type observers []Observer

func (o observers) runStart(ctx context.Context, info RunInfo) {
	for _, ob := range o {
		ob.OnRunStart(ctx, info)
	}
}

func (o observers) batchEnd(ctx context.Context, ev BatchEvent) {
	for _, ob := range o {
		ob.OnBatchEnd(ctx, ev)
	}
}

func (o observers) epochEnd(ctx context.Context, ev EpochEvent) {
	for _, ob := range o {
		ob.OnEpochEnd(ctx, ev)
	}
}

func (o observers) runEnd(ctx context.Context, sum RunSummary) {
	for _, ob := range o {
		ob.OnRunEnd(ctx, sum)
	}
}
