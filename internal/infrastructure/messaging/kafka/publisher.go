package kafka

import (
	"context"
	"time"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Publisher is the subset of Producer the event publisher needs.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

type RunStartedPayload struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	NumEpochs    int       `json:"num_epochs"`
	Device       string    `json:"device"`
	Patience     int       `json:"patience"`
	MinDelta     float64   `json:"min_delta"`
	TrainBatches int       `json:"train_batches"`
	ValBatches   int       `json:"val_batches"`
}

type EpochEndedPayload struct {
	RunID       string   `json:"run_id"`
	Epoch       int      `json:"epoch"`
	NumEpochs   int      `json:"num_epochs"`
	TrainLoss   float64  `json:"train_loss"`
	ValLoss     *float64 `json:"val_loss,omitempty"`
	BestLoss    float64  `json:"best_loss"`
	StaleEpochs int      `json:"stale_epochs"`
	EarlyStop   bool     `json:"early_stop"`
	DurationMs  int64    `json:"duration_ms"`
}

type RunFinishedPayload struct {
	RunID        string    `json:"run_id"`
	Epochs       int       `json:"epochs"`
	Train        []float64 `json:"train,omitempty"`
	Validation   []float64 `json:"validation,omitempty"`
	EarlyStopped bool      `json:"early_stopped"`
	BestLoss     float64   `json:"best_loss"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Error        string    `json:"error,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
}

// EventPublisher publishes run and epoch events as a training observer.
// Delivery failures are logged and counted; they never reach the trainer.
type EventPublisher struct {
	training.BaseObserver

	pub    Publisher
	source string
	logger logging.Logger
	failed int
}

var _ training.Observer = (*EventPublisher)(nil)

func NewEventPublisher(pub Publisher, source string, logger logging.Logger) *EventPublisher {
	if source == "" {
		source = "ic50bert"
	}
	return &EventPublisher{pub: pub, source: source, logger: logging.OrNop(logger)}
}

// Failed returns the number of events that could not be delivered.
func (p *EventPublisher) Failed() int { return p.failed }

func (p *EventPublisher) OnRunStart(ctx context.Context, info training.RunInfo) {
	p.emit(ctx, TopicTrainingRun, EventRunStarted, info.RunID, RunStartedPayload{
		RunID:        info.RunID,
		StartedAt:    info.StartedAt,
		NumEpochs:    info.Config.NumEpochs,
		Device:       info.Device.String(),
		Patience:     info.Config.Patience,
		MinDelta:     info.Config.MinDelta,
		TrainBatches: info.TrainBatches,
		ValBatches:   info.ValBatches,
	})
}

func (p *EventPublisher) OnEpochEnd(ctx context.Context, ev training.EpochEvent) {
	payload := EpochEndedPayload{
		RunID:       ev.RunID,
		Epoch:       ev.Epoch,
		NumEpochs:   ev.NumEpochs,
		TrainLoss:   ev.TrainLoss,
		BestLoss:    ev.BestLoss,
		StaleEpochs: ev.StaleEpochs,
		EarlyStop:   ev.EarlyStop,
		DurationMs:  ev.Duration.Milliseconds(),
	}
	if ev.HasValidation {
		v := ev.ValLoss
		payload.ValLoss = &v
	}
	p.emit(ctx, TopicTrainingEpoch, EventEpochEnded, ev.RunID, payload)
}

func (p *EventPublisher) OnRunEnd(ctx context.Context, sum training.RunSummary) {
	payload := RunFinishedPayload{
		RunID:      sum.RunID,
		DurationMs: sum.Duration.Milliseconds(),
	}
	if sum.Result != nil {
		payload.Epochs = sum.Result.Epochs
		payload.Train = sum.Result.Train
		payload.Validation = sum.Result.Validation
		payload.EarlyStopped = sum.Result.EarlyStopped
		payload.BestLoss = sum.Result.BestLoss
	}
	if sum.Err != nil {
		payload.ErrorCode = errors.GetCode(sum.Err).String()
		payload.Error = sum.Err.Error()
	}
	// The run context may already be cancelled; the final event still goes out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	p.emit(ctx, TopicTrainingRun, EventRunFinished, sum.RunID, payload)
}

func (p *EventPublisher) emit(ctx context.Context, topic, eventType, key string, payload interface{}) {
	env, err := NewEventEnvelope(eventType, p.source, payload)
	if err == nil {
		var msg *Message
		msg, err = env.ToMessage(topic, key)
		if err == nil {
			err = p.pub.Publish(ctx, msg)
		}
	}
	if err != nil {
		p.failed++
		p.logger.Warn("training event not delivered",
			logging.String("topic", topic),
			logging.String("event_type", eventType),
			logging.String("run_id", key),
			logging.Err(err))
	}
}
