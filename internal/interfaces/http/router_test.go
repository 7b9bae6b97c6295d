package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Liveness(t *testing.T) {
	r := NewRouter(RouterConfig{Health: NewHealthHandler("v1.2.3")})

	rec := serve(t, r, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var body LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
	assert.Equal(t, "v1.2.3", body.Version)
}

func TestRouter_Readiness(t *testing.T) {
	ok := CheckFunc("postgres", func(context.Context) error { return nil })
	down := CheckFunc("redis", func(context.Context) error { return errors.New("connection refused") })

	t.Run("no checkers", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterConfig{Health: NewHealthHandler("dev")}), "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("all healthy", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterConfig{Health: NewHealthHandler("dev", ok)}), "/readyz")
		require.Equal(t, http.StatusOK, rec.Code)
		var body ReadinessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ready", body.Status)
		assert.Equal(t, "healthy", body.Components["postgres"].Status)
	})

	t.Run("one down", func(t *testing.T) {
		rec := serve(t, NewRouter(RouterConfig{Health: NewHealthHandler("dev", ok, down)}), "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body ReadinessResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "not_ready", body.Status)
		assert.Equal(t, "unhealthy", body.Components["redis"].Status)
		assert.Equal(t, "connection refused", body.Components["redis"].Error)
	})
}

func TestRouter_Metrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ic50bert_epochs_total 3\n"))
	})
	rec := serve(t, NewRouter(RouterConfig{Metrics: metrics}), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ic50bert_epochs_total 3")
}

func TestRouter_Progress(t *testing.T) {
	tracker := NewProgressTracker()
	r := NewRouter(RouterConfig{Progress: tracker})

	var idle Progress
	require.NoError(t, json.Unmarshal(serve(t, r, "/progress").Body.Bytes(), &idle))
	assert.Equal(t, StateIdle, idle.State)

	ctx := context.Background()
	tracker.OnRunStart(ctx, training.RunInfo{
		RunID: "run-7", StartedAt: time.Now(), Config: training.DefaultConfig(3),
		Device: device.Device{Kind: device.CPU},
	})
	tracker.OnEpochEnd(ctx, training.EpochEvent{RunID: "run-7", Epoch: 1, TrainLoss: 2.5, ValLoss: 3, HasValidation: true, BestLoss: 3})

	rec := serve(t, r, "/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var p Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, "run-7", p.RunID)
	assert.Equal(t, StateRunning, p.State)
	assert.Equal(t, []float64{2.5}, p.TrainLosses)
	assert.Equal(t, []float64{3}, p.ValLosses)
	assert.Equal(t, 3, p.NumEpochs)
}

func TestRouter_UnregisteredRoutes(t *testing.T) {
	r := NewRouter(RouterConfig{})
	assert.Equal(t, http.StatusNotFound, serve(t, r, "/healthz").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, r, "/progress").Code)
}
