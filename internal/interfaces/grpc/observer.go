package grpc

import (
	"context"

	"github.com/turtacn/ic50bert/internal/intelligence/training"
)

// HealthObserver marks TrainingService SERVING from run start to run end.
type HealthObserver struct {
	training.BaseObserver
	server *Server
}

var _ training.Observer = (*HealthObserver)(nil)

func NewHealthObserver(s *Server) *HealthObserver {
	return &HealthObserver{server: s}
}

func (h *HealthObserver) OnRunStart(context.Context, training.RunInfo) {
	h.server.SetTraining(true)
}

func (h *HealthObserver) OnRunEnd(context.Context, training.RunSummary) {
	h.server.SetTraining(false)
}
