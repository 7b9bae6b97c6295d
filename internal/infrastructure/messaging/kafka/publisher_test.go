package kafka

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

type recordingPublisher struct {
	msgs []*Message
	err  error
}

func (r *recordingPublisher) Publish(_ context.Context, msg *Message) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func decode(t *testing.T, msg *Message, target interface{}) *EventEnvelope {
	t.Helper()
	env, err := DecodeEnvelope(msg.Value)
	require.NoError(t, err)
	require.NoError(t, env.DecodePayload(target))
	return env
}

func TestEventPublisher_RunLifecycle(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewEventPublisher(rec, "", nil)
	ctx := context.Background()

	p.OnRunStart(ctx, training.RunInfo{
		RunID:        "run-7",
		StartedAt:    time.Unix(0, 0).UTC(),
		Config:       training.DefaultConfig(3),
		Device:       device.Device{Kind: device.CPU},
		TrainBatches: 5,
	})
	p.OnBatchEnd(ctx, training.BatchEvent{RunID: "run-7"})
	p.OnEpochEnd(ctx, training.EpochEvent{RunID: "run-7", Epoch: 1, NumEpochs: 3, TrainLoss: 2.5, ValLoss: 3, HasValidation: true, BestLoss: 3})
	p.OnEpochEnd(ctx, training.EpochEvent{RunID: "run-7", Epoch: 2, NumEpochs: 3, TrainLoss: 2.0})
	p.OnRunEnd(ctx, training.RunSummary{
		RunID:    "run-7",
		Result:   &training.Result{RunID: "run-7", Train: []float64{2.5, 2.0}, Epochs: 2, EarlyStopped: true, BestLoss: 3},
		Duration: 1500 * time.Millisecond,
	})

	require.Len(t, rec.msgs, 4, "batch events are not published")
	for _, m := range rec.msgs {
		assert.Equal(t, "run-7", string(m.Key))
	}

	var started RunStartedPayload
	env := decode(t, rec.msgs[0], &started)
	assert.Equal(t, TopicTrainingRun, rec.msgs[0].Topic)
	assert.Equal(t, EventRunStarted, env.EventType)
	assert.Equal(t, "ic50bert", env.Source)
	assert.Equal(t, 3, started.NumEpochs)
	assert.Equal(t, "cpu", started.Device)
	assert.Equal(t, 10, started.Patience)

	var first, second EpochEndedPayload
	decode(t, rec.msgs[1], &first)
	decode(t, rec.msgs[2], &second)
	assert.Equal(t, TopicTrainingEpoch, rec.msgs[1].Topic)
	require.NotNil(t, first.ValLoss)
	assert.Equal(t, 3.0, *first.ValLoss)
	assert.Nil(t, second.ValLoss)

	var finished RunFinishedPayload
	env = decode(t, rec.msgs[3], &finished)
	assert.Equal(t, EventRunFinished, env.EventType)
	assert.True(t, finished.EarlyStopped)
	assert.Equal(t, []float64{2.5, 2.0}, finished.Train)
	assert.Equal(t, int64(1500), finished.DurationMs)
	assert.Empty(t, finished.ErrorCode)
	assert.Zero(t, p.Failed())
}

func TestEventPublisher_FailedRunCarriesCode(t *testing.T) {
	rec := &recordingPublisher{}
	p := NewEventPublisher(rec, "job", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.OnRunEnd(ctx, training.RunSummary{RunID: "r", Err: errors.NumericInstability("loss is NaN")})

	require.Len(t, rec.msgs, 1)
	var finished RunFinishedPayload
	decode(t, rec.msgs[0], &finished)
	assert.Equal(t, "TRN_003", finished.ErrorCode)
	assert.Contains(t, finished.Error, "NaN")
}

func TestEventPublisher_DeliveryFailureIsSwallowed(t *testing.T) {
	p := NewEventPublisher(&recordingPublisher{err: stderrors.New("broker down")}, "", nil)

	assert.NotPanics(t, func() {
		p.OnEpochEnd(context.Background(), training.EpochEvent{RunID: "r", Epoch: 1})
		p.OnRunEnd(context.Background(), training.RunSummary{RunID: "r"})
	})
	assert.Equal(t, 2, p.Failed())
}

func TestEventPublisher_WithProducer(t *testing.T) {
	w := &mockKafkaWriter{}
	p := NewEventPublisher(newTestProducer(w), "", nil)

	p.OnEpochEnd(context.Background(), training.EpochEvent{RunID: "r", Epoch: 1, TrainLoss: 1})
	require.Len(t, w.written, 1)
	assert.Equal(t, TopicTrainingEpoch, w.written[0].Topic)
}
