package postgres

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/suite"
	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/training"
	pkgerrors "github.com/turtacn/ic50bert/pkg/errors"
)

type RunRepositoryTestSuite struct {
	suite.Suite
	db   *sql.DB
	mock sqlmock.Sqlmock
	repo *RunRepository
}

func (s *RunRepositoryTestSuite) SetupTest() {
	db, mock, err := sqlmock.New()
	s.Require().NoError(err)
	s.db, s.mock = db, mock
	s.repo = NewRunRepository(NewConnectionWithDB(db, nil), nil)
}

func (s *RunRepositoryTestSuite) TearDownTest() {
	s.NoError(s.mock.ExpectationsWereMet())
	s.db.Close()
}

func (s *RunRepositoryTestSuite) TestCreateRun() {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_runs")).
		WithArgs("run-1", started, "cpu", 10, 3, 0.05, 25, 5, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.repo.CreateRun(context.Background(), &RunRecord{
		RunID: "run-1", StartedAt: started, Device: "cpu", NumEpochs: 10,
		Patience: 3, MinDelta: 0.05, TrainBatches: 25, ValBatches: 5,
	})
	s.NoError(err)
}

func (s *RunRepositoryTestSuite) TestCreateRun_Errors() {
	s.Error(s.repo.CreateRun(context.Background(), &RunRecord{}))

	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_runs")).
		WillReturnError(errors.New("duplicate key"))
	err := s.repo.CreateRun(context.Background(), &RunRecord{RunID: "dup"})
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeDatabaseError))
	s.Contains(err.Error(), "duplicate key")
}

func (s *RunRepositoryTestSuite) TestRecordEpoch_Transaction() {
	val := 1.5
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_epochs")).
		WithArgs("run-1", 2, 1.25, 1.5, nil, 1, false, int64(1200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE training_runs SET epochs_run")).
		WithArgs("run-1", 2).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()

	inf := math.Inf(1)
	err := s.repo.RecordEpoch(context.Background(), &EpochRecord{
		RunID: "run-1", Epoch: 2, TrainLoss: 1.25, ValLoss: &val, BestLoss: &inf,
		StaleEpochs: 1, Duration: 1200 * time.Millisecond,
	})
	s.NoError(err)
}

func (s *RunRepositoryTestSuite) TestRecordEpoch_RollsBack() {
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_epochs")).
		WillReturnError(errors.New("fk violation"))
	s.mock.ExpectRollback()

	err := s.repo.RecordEpoch(context.Background(), &EpochRecord{RunID: "missing", Epoch: 1})
	s.True(pkgerrors.IsCode(err, pkgerrors.ErrCodeDatabaseError))
}

func (s *RunRepositoryTestSuite) TestFinishRun_NotFound() {
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE training_runs SET\n\tfinished_at")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.repo.FinishRun(context.Background(), &RunRecord{RunID: "ghost", Status: training.OutcomeCompleted})
	s.True(pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func (s *RunRepositoryTestSuite) TestGetRun() {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(time.Minute)
	rows := sqlmock.NewRows([]string{
		"run_id", "started_at", "finished_at", "device", "num_epochs", "patience", "min_delta",
		"train_batches", "val_batches", "status", "epochs_run", "early_stopped", "best_loss",
		"error_code", "error_message",
	}).AddRow("run-1", started, finished, "cpu", 10, 3, 0.05, 25, 0, "early_stopped", 4, true, 0.75, nil, nil)
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM training_runs WHERE run_id = $1")).
		WithArgs("run-1").
		WillReturnRows(rows)

	run, err := s.repo.GetRun(context.Background(), "run-1")
	s.Require().NoError(err)
	s.Equal("early_stopped", run.Status)
	s.Equal(4, run.EpochsRun)
	s.True(run.EarlyStopped)
	s.Require().NotNil(run.FinishedAt)
	s.Equal(finished, *run.FinishedAt)
	s.Require().NotNil(run.BestLoss)
	s.Equal(0.75, *run.BestLoss)
	s.Empty(run.ErrorCode)
}

func (s *RunRepositoryTestSuite) TestGetRun_NotFound() {
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM training_runs")).
		WillReturnError(sql.ErrNoRows)

	_, err := s.repo.GetRun(context.Background(), "ghost")
	s.True(pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func (s *RunRepositoryTestSuite) TestListEpochs() {
	rows := sqlmock.NewRows([]string{
		"run_id", "epoch", "train_loss", "val_loss", "best_loss", "stale_epochs", "early_stop", "duration_ms",
	}).
		AddRow("run-1", 1, 2.0, nil, 2.0, 0, false, int64(500)).
		AddRow("run-1", 2, 1.5, nil, 1.5, 0, false, int64(450))
	s.mock.ExpectQuery(regexp.QuoteMeta("FROM training_epochs WHERE run_id = $1 ORDER BY epoch")).
		WithArgs("run-1").
		WillReturnRows(rows)

	eps, err := s.repo.ListEpochs(context.Background(), "run-1")
	s.Require().NoError(err)
	s.Require().Len(eps, 2)
	s.Nil(eps[0].ValLoss)
	s.Equal(1.5, eps[1].TrainLoss)
	s.Equal(450*time.Millisecond, eps[1].Duration)
}

// ---------------------------------------------------------------------------
// RunRecorder
// ---------------------------------------------------------------------------

func (s *RunRepositoryTestSuite) TestRecorder_FullRun() {
	rec := NewRunRecorder(s.repo, nil)
	ctx := context.Background()

	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_runs")).
		WithArgs("r", sqlmock.AnyArg(), "cpu", 2, 10, 0.05, 3, 0, StatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectBegin()
	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_epochs")).
		WithArgs("r", 1, 4.0, nil, 4.0, 0, false, int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE training_runs SET epochs_run")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	s.mock.ExpectCommit()
	s.mock.ExpectExec(regexp.QuoteMeta("UPDATE training_runs SET\n\tfinished_at")).
		WithArgs("r", sqlmock.AnyArg(), training.OutcomeAborted, 0, false, nil, "TRN_003", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec.OnRunStart(ctx, training.RunInfo{
		RunID: "r", StartedAt: time.Now(), Config: training.DefaultConfig(2),
		Device: device.Device{Kind: device.CPU}, TrainBatches: 3,
	})
	rec.OnEpochEnd(ctx, training.EpochEvent{RunID: "r", Epoch: 1, TrainLoss: 4, BestLoss: 4})
	rec.OnRunEnd(ctx, training.RunSummary{RunID: "r", Err: pkgerrors.NumericInstability("loss is NaN")})
}

func (s *RunRepositoryTestSuite) TestRecorder_SkipsAfterFailedStart() {
	rec := NewRunRecorder(s.repo, nil)
	ctx := context.Background()

	s.mock.ExpectExec(regexp.QuoteMeta("INSERT INTO training_runs")).
		WillReturnError(errors.New("relation does not exist"))

	rec.OnRunStart(ctx, training.RunInfo{RunID: "r", Config: training.DefaultConfig(1)})
	rec.OnEpochEnd(ctx, training.EpochEvent{RunID: "r", Epoch: 1})
	rec.OnRunEnd(ctx, training.RunSummary{RunID: "r", Result: &training.Result{Epochs: 1}})
}

func TestRunRepositoryTestSuite(t *testing.T) {
	suite.Run(t, new(RunRepositoryTestSuite))
}
