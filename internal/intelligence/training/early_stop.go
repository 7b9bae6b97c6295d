package training

import "math"

// EarlyStopper tracks the best loss seen so far and counts epochs whose loss
// regressed by more than MinDelta. It is owned by a single Trainer and is
// not safe for concurrent use.
type EarlyStopper struct {
	patience int
	minDelta float64
	best     float64
	stale    int
}

// NewEarlyStopper returns a stopper that signals after patience regressions.
func NewEarlyStopper(patience int, minDelta float64) *EarlyStopper {
	return &EarlyStopper{patience: patience, minDelta: minDelta, best: math.Inf(1)}
}

// Observe records one epoch loss and reports whether training should stop.
//
// A loss below the best resets the counter. A loss above best+minDelta
// counts as stale. Anything in between leaves the counter untouched.
func (s *EarlyStopper) Observe(loss float64) bool {
	switch {
	case loss < s.best:
		s.best = loss
		s.stale = 0
	case loss > s.best+s.minDelta:
		s.stale++
		return s.stale >= s.patience
	}
	return false
}

// Best is the lowest loss observed, +Inf before the first observation.
func (s *EarlyStopper) Best() float64 { return s.best }

// Stale is the current count of regressed epochs.
func (s *EarlyStopper) Stale() int { return s.stale }

func (s *EarlyStopper) Patience() int { return s.patience }

func (s *EarlyStopper) MinDelta() float64 { return s.minDelta }
