package http

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/turtacn/ic50bert/internal/intelligence/training"
)

// Run states reported by /progress in addition to the training outcomes.
const (
	StateIdle    = "idle"
	StateRunning = "running"
)

// Progress is a point-in-time view of a training run. Losses that are not
// finite are reported as null.
type Progress struct {
	RunID       string     `json:"run_id,omitempty"`
	State       string     `json:"state"`
	Device      string     `json:"device,omitempty"`
	Epoch       int        `json:"epoch"`
	NumEpochs   int        `json:"num_epochs"`
	Phase       string     `json:"phase,omitempty"`
	Batch       int        `json:"batch"`
	Batches     int        `json:"batches"`
	RunningLoss *float64   `json:"running_loss"`
	TrainLosses []float64  `json:"train_losses"`
	ValLosses   []float64  `json:"val_losses"`
	BestLoss    *float64   `json:"best_loss"`
	StaleEpochs int        `json:"stale_epochs"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ProgressTracker keeps the latest Progress of a run. It is a
// training.Observer; the monitor server reads snapshots concurrently.
type ProgressTracker struct {
	training.BaseObserver

	mu  sync.RWMutex
	cur Progress
	now func() time.Time
}

var _ training.Observer = (*ProgressTracker)(nil)

func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{cur: Progress{State: StateIdle}, now: time.Now}
}

func (p *ProgressTracker) OnRunStart(_ context.Context, info training.RunInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	started := info.StartedAt
	p.cur = Progress{
		RunID:       info.RunID,
		State:       StateRunning,
		Device:      info.Device.String(),
		NumEpochs:   info.Config.NumEpochs,
		TrainLosses: []float64{},
		ValLosses:   []float64{},
		StartedAt:   &started,
	}
	p.touch()
}

func (p *ProgressTracker) OnBatchEnd(_ context.Context, ev training.BatchEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.Epoch = ev.Epoch
	p.cur.Phase = string(ev.Phase)
	p.cur.Batch = ev.Batch
	p.cur.Batches = ev.Batches
	p.cur.RunningLoss = finite(ev.RunningLoss)
	p.touch()
}

func (p *ProgressTracker) OnEpochEnd(_ context.Context, ev training.EpochEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.Epoch = ev.Epoch
	p.cur.TrainLosses = append(p.cur.TrainLosses, ev.TrainLoss)
	if ev.HasValidation {
		p.cur.ValLosses = append(p.cur.ValLosses, ev.ValLoss)
	}
	p.cur.BestLoss = finite(ev.BestLoss)
	p.cur.StaleEpochs = ev.StaleEpochs
	p.touch()
}

func (p *ProgressTracker) OnRunEnd(_ context.Context, sum training.RunSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur.State = sum.Outcome()
	if sum.Err != nil {
		p.cur.Error = sum.Err.Error()
	}
	p.touch()
}

// Snapshot returns a copy that is safe to use after the lock is released.
func (p *ProgressTracker) Snapshot() Progress {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.cur
	s.TrainLosses = append([]float64{}, p.cur.TrainLosses...)
	s.ValLosses = append([]float64{}, p.cur.ValLosses...)
	return s
}

// Active reports whether a run has started and not yet ended.
func (p *ProgressTracker) Active() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur.State == StateRunning
}

func (p *ProgressTracker) touch() {
	t := p.now()
	p.cur.UpdatedAt = &t
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
