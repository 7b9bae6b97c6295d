package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"math"
	"time"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// RunStatus values stored in training_runs.status.
const (
	StatusRunning = "running"
)

// RunRecord is one row of training_runs.
type RunRecord struct {
	RunID        string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Device       string
	NumEpochs    int
	Patience     int
	MinDelta     float64
	TrainBatches int
	ValBatches   int
	Status       string
	EpochsRun    int
	EarlyStopped bool
	BestLoss     *float64
	ErrorCode    string
	ErrorMessage string
}

// EpochRecord is one row of training_epochs.
type EpochRecord struct {
	RunID       string
	Epoch       int
	TrainLoss   float64
	ValLoss     *float64
	BestLoss    *float64
	StaleEpochs int
	EarlyStop   bool
	Duration    time.Duration
}

// RunRepository persists run history.
type RunRepository struct {
	db     *sql.DB
	logger logging.Logger
}

func NewRunRepository(conn *Connection, log logging.Logger) *RunRepository {
	return &RunRepository{db: conn.DB(), logger: logging.OrNop(log)}
}

const insertRunSQL = `INSERT INTO training_runs
	(run_id, started_at, device, num_epochs, patience, min_delta, train_batches, val_batches, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *RunRepository) CreateRun(ctx context.Context, run *RunRecord) error {
	if run == nil || run.RunID == "" {
		return errors.InvalidParam("run id is required")
	}
	status := run.Status
	if status == "" {
		status = StatusRunning
	}
	_, err := r.db.ExecContext(ctx, insertRunSQL,
		run.RunID, run.StartedAt, run.Device, run.NumEpochs, run.Patience,
		run.MinDelta, run.TrainBatches, run.ValBatches, status)
	if err != nil {
		return errors.New(errors.ErrCodeDatabaseError, "insert run").WithDetail(run.RunID).WithCause(err)
	}
	return nil
}

const upsertEpochSQL = `INSERT INTO training_epochs
	(run_id, epoch, train_loss, val_loss, best_loss, stale_epochs, early_stop, duration_ms)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (run_id, epoch) DO UPDATE SET
		train_loss = EXCLUDED.train_loss,
		val_loss = EXCLUDED.val_loss,
		best_loss = EXCLUDED.best_loss,
		stale_epochs = EXCLUDED.stale_epochs,
		early_stop = EXCLUDED.early_stop,
		duration_ms = EXCLUDED.duration_ms`

const bumpEpochsSQL = `UPDATE training_runs SET epochs_run = $2 WHERE run_id = $1 AND epochs_run < $2`

// RecordEpoch stores an epoch and advances the run's epoch counter in one
// transaction.
func (r *RunRepository) RecordEpoch(ctx context.Context, ep *EpochRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "begin epoch transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upsertEpochSQL,
		ep.RunID, ep.Epoch, ep.TrainLoss, nullFloat(ep.ValLoss), nullFloat(ep.BestLoss),
		ep.StaleEpochs, ep.EarlyStop, ep.Duration.Milliseconds()); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "insert epoch")
	}
	if _, err := tx.ExecContext(ctx, bumpEpochsSQL, ep.RunID, ep.Epoch); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "update run progress")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "commit epoch")
	}
	return nil
}

const finishRunSQL = `UPDATE training_runs SET
	finished_at = $2, status = $3, epochs_run = $4, early_stopped = $5,
	best_loss = $6, error_code = $7, error_message = $8
	WHERE run_id = $1`

func (r *RunRepository) FinishRun(ctx context.Context, run *RunRecord) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := r.db.ExecContext(ctx, finishRunSQL,
		run.RunID, finished, run.Status, run.EpochsRun, run.EarlyStopped,
		nullFloat(run.BestLoss), nullString(run.ErrorCode), nullString(run.ErrorMessage))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "finish run")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.New(errors.CodeNotFound, "run not found").WithDetail(run.RunID)
	}
	return nil
}

const selectRunSQL = `SELECT run_id, started_at, finished_at, device, num_epochs, patience, min_delta,
	train_batches, val_batches, status, epochs_run, early_stopped, best_loss, error_code, error_message
	FROM training_runs WHERE run_id = $1`

func (r *RunRepository) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var (
		run                 RunRecord
		finished            sql.NullTime
		best                sql.NullFloat64
		errCode, errMessage sql.NullString
	)
	err := r.db.QueryRowContext(ctx, selectRunSQL, runID).Scan(
		&run.RunID, &run.StartedAt, &finished, &run.Device, &run.NumEpochs, &run.Patience,
		&run.MinDelta, &run.TrainBatches, &run.ValBatches, &run.Status, &run.EpochsRun,
		&run.EarlyStopped, &best, &errCode, &errMessage)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound, "run not found").WithDetail(runID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "select run")
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if best.Valid {
		v := best.Float64
		run.BestLoss = &v
	}
	run.ErrorCode = errCode.String
	run.ErrorMessage = errMessage.String
	return &run, nil
}

const selectEpochsSQL = `SELECT run_id, epoch, train_loss, val_loss, best_loss, stale_epochs, early_stop, duration_ms
	FROM training_epochs WHERE run_id = $1 ORDER BY epoch`

func (r *RunRepository) ListEpochs(ctx context.Context, runID string) ([]*EpochRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectEpochsSQL, runID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "select epochs")
	}
	defer rows.Close()

	var out []*EpochRecord
	for rows.Next() {
		var (
			ep       EpochRecord
			val      sql.NullFloat64
			best     sql.NullFloat64
			duration int64
		)
		if err := rows.Scan(&ep.RunID, &ep.Epoch, &ep.TrainLoss, &val, &best,
			&ep.StaleEpochs, &ep.EarlyStop, &duration); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "scan epoch")
		}
		if val.Valid {
			v := val.Float64
			ep.ValLoss = &v
		}
		if best.Valid {
			v := best.Float64
			ep.BestLoss = &v
		}
		ep.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, &ep)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "iterate epochs")
	}
	return out, nil
}

// nullFloat stores nil and non-finite values as NULL.
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ----------------------------------------------------------------------------
// Observer
// ----------------------------------------------------------------------------

// RunRecorder writes run history as a training observer. Write failures are
// logged; the run continues.
type RunRecorder struct {
	training.BaseObserver

	repo    *RunRepository
	logger  logging.Logger
	timeout time.Duration
	created bool
}

var _ training.Observer = (*RunRecorder)(nil)

func NewRunRecorder(repo *RunRepository, log logging.Logger) *RunRecorder {
	return &RunRecorder{repo: repo, logger: logging.OrNop(log), timeout: 5 * time.Second}
}

func (r *RunRecorder) OnRunStart(ctx context.Context, info training.RunInfo) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.repo.CreateRun(ctx, &RunRecord{
		RunID:        info.RunID,
		StartedAt:    info.StartedAt,
		Device:       info.Device.String(),
		NumEpochs:    info.Config.NumEpochs,
		Patience:     info.Config.Patience,
		MinDelta:     info.Config.MinDelta,
		TrainBatches: info.TrainBatches,
		ValBatches:   info.ValBatches,
	})
	if err != nil {
		r.logger.Warn("run history unavailable", logging.String("run_id", info.RunID), logging.Err(err))
		return
	}
	r.created = true
}

func (r *RunRecorder) OnEpochEnd(ctx context.Context, ev training.EpochEvent) {
	if !r.created {
		return
	}
	ep := &EpochRecord{
		RunID:       ev.RunID,
		Epoch:       ev.Epoch,
		TrainLoss:   ev.TrainLoss,
		StaleEpochs: ev.StaleEpochs,
		EarlyStop:   ev.EarlyStop,
		Duration:    ev.Duration,
	}
	if ev.HasValidation {
		v := ev.ValLoss
		ep.ValLoss = &v
	}
	best := ev.BestLoss
	ep.BestLoss = &best

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.repo.RecordEpoch(ctx, ep); err != nil {
		r.logger.Warn("failed to record epoch",
			logging.String("run_id", ev.RunID), logging.Int("epoch", ev.Epoch), logging.Err(err))
	}
}

func (r *RunRecorder) OnRunEnd(ctx context.Context, sum training.RunSummary) {
	if !r.created {
		return
	}
	run := &RunRecord{RunID: sum.RunID, Status: sum.Outcome()}
	if sum.Result != nil {
		run.EpochsRun = sum.Result.Epochs
		run.EarlyStopped = sum.Result.EarlyStopped
		best := sum.Result.BestLoss
		run.BestLoss = &best
	}
	if sum.Err != nil {
		run.ErrorCode = errors.GetCode(sum.Err).String()
		run.ErrorMessage = sum.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.repo.FinishRun(ctx, run); err != nil {
		r.logger.Warn("failed to finish run record", logging.String("run_id", sum.RunID), logging.Err(err))
	}
}
