package prometheus

import (
	"context"

	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Run outcome label values.
const (
	OutcomeCompleted    = training.OutcomeCompleted
	OutcomeEarlyStopped = training.OutcomeEarlyStopped
	OutcomeAborted      = training.OutcomeAborted
)

var (
	lossBuckets     = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000}
	durationBuckets = []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600}
)

// TrainingMetrics follows a run as a training.Observer.
type TrainingMetrics struct {
	training.BaseObserver

	RunsTotal       CounterVec
	RunActive       GaugeVec
	EpochsTotal     CounterVec
	BatchesTotal    CounterVec
	BatchLoss       HistogramVec
	EpochLoss       GaugeVec
	BestLoss        GaugeVec
	StaleEpochs     GaugeVec
	CurrentEpoch    GaugeVec
	EpochDuration   HistogramVec
	RunDuration     HistogramVec
	FailuresTotal   CounterVec
	EarlyStopsTotal CounterVec
}

var _ training.Observer = (*TrainingMetrics)(nil)

// NewTrainingMetrics registers the trainer metric families on c.
func NewTrainingMetrics(c MetricsCollector) *TrainingMetrics {
	return &TrainingMetrics{
		RunsTotal:       c.RegisterCounter("runs_total", "Finished training runs by outcome.", "outcome"),
		RunActive:       c.RegisterGauge("run_active", "1 while a training run is in progress."),
		EpochsTotal:     c.RegisterCounter("epochs_total", "Completed epochs."),
		BatchesTotal:    c.RegisterCounter("batches_total", "Processed batches by phase.", "phase"),
		BatchLoss:       c.RegisterHistogram("batch_loss", "Per-batch loss by phase.", lossBuckets, "phase"),
		EpochLoss:       c.RegisterGauge("epoch_loss", "Mean loss of the last epoch by phase.", "phase"),
		BestLoss:        c.RegisterGauge("best_loss", "Best early-stopping loss so far."),
		StaleEpochs:     c.RegisterGauge("stale_epochs", "Consecutive regressed epochs."),
		CurrentEpoch:    c.RegisterGauge("current_epoch", "Last completed epoch."),
		EpochDuration:   c.RegisterHistogram("epoch_duration_seconds", "Wall time per epoch.", durationBuckets),
		RunDuration:     c.RegisterHistogram("run_duration_seconds", "Wall time per run.", durationBuckets),
		FailuresTotal:   c.RegisterCounter("failures_total", "Aborted runs by error code.", "code"),
		EarlyStopsTotal: c.RegisterCounter("early_stops_total", "Runs ended by early stopping."),
	}
}

func (m *TrainingMetrics) OnRunStart(_ context.Context, _ training.RunInfo) {
	m.RunActive.WithLabelValues().Set(1)
	m.CurrentEpoch.WithLabelValues().Set(0)
	m.StaleEpochs.WithLabelValues().Set(0)
}

func (m *TrainingMetrics) OnBatchEnd(_ context.Context, ev training.BatchEvent) {
	phase := string(ev.Phase)
	m.BatchesTotal.WithLabelValues(phase).Inc()
	m.BatchLoss.WithLabelValues(phase).Observe(ev.Loss)
}

func (m *TrainingMetrics) OnEpochEnd(_ context.Context, ev training.EpochEvent) {
	m.EpochsTotal.WithLabelValues().Inc()
	m.CurrentEpoch.WithLabelValues().Set(float64(ev.Epoch))
	m.EpochLoss.WithLabelValues(string(training.PhaseTrain)).Set(ev.TrainLoss)
	if ev.HasValidation {
		m.EpochLoss.WithLabelValues(string(training.PhaseValidation)).Set(ev.ValLoss)
	}
	m.BestLoss.WithLabelValues().Set(ev.BestLoss)
	m.StaleEpochs.WithLabelValues().Set(float64(ev.StaleEpochs))
	m.EpochDuration.WithLabelValues().Observe(ev.Duration.Seconds())
}

func (m *TrainingMetrics) OnRunEnd(_ context.Context, sum training.RunSummary) {
	m.RunActive.WithLabelValues().Set(0)
	m.RunDuration.WithLabelValues().Observe(sum.Duration.Seconds())
	m.RunsTotal.WithLabelValues(Outcome(sum)).Inc()
	switch {
	case sum.Err != nil:
		m.FailuresTotal.WithLabelValues(errorCode(sum.Err)).Inc()
	case sum.Result != nil && sum.Result.EarlyStopped:
		m.EarlyStopsTotal.WithLabelValues().Inc()
	}
}

// Outcome classifies how a run ended.
func Outcome(sum training.RunSummary) string {
	return sum.Outcome()
}

func errorCode(err error) string {
	return errors.GetCode(err).String()
}
