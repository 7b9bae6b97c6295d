package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/internal/intelligence/tokenizer"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func records(n int) *affinity.Dataset {
	rs := make([]affinity.Record, n)
	for i := range rs {
		rs[i] = affinity.Record{Ligand: "C", Protein: "MK", Target: float64(i)}
	}
	return affinity.FromRecords(rs)
}

// labelCollator encodes each record as a one-column batch whose label is the
// record target, which lets tests read the delivered order back.
type labelCollator struct {
	calls   atomic.Int64
	failOn  float64 // target that triggers a failure, <0 = never
	block   bool
	started chan struct{}
}

func newLabelCollator() *labelCollator { return &labelCollator{failOn: -1} }

func (c *labelCollator) Collate(ctx context.Context, rs []affinity.Record) (*collate.Batch, error) {
	c.calls.Add(1)
	if c.block {
		if c.started != nil {
			select {
			case c.started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	labels := make([]float64, len(rs))
	for i, r := range rs {
		if r.Target == c.failOn {
			return nil, errors.TokenizationError("empty ligand")
		}
		labels[i] = r.Target
	}
	return &collate.Batch{
		InputIDs:      tensor.NewInt64Matrix(len(rs), 1),
		TokenTypeIDs:  tensor.NewInt64Matrix(len(rs), 1),
		AttentionMask: tensor.NewBoolMatrix(len(rs), 1),
		Labels:        tensor.NewVector(labels),
	}, nil
}

func drain(t *testing.T, l *Loader) [][]float64 {
	t.Helper()
	it, err := l.Iter(context.Background())
	require.NoError(t, err)
	defer it.Close()
	var out [][]float64
	for it.Next() {
		out = append(out, it.Batch().Labels.Data)
	}
	require.NoError(t, it.Err())
	return out
}

func flatten(batches [][]float64) []float64 {
	var all []float64
	for _, b := range batches {
		all = append(all, b...)
	}
	return all
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	c := newLabelCollator()

	_, err := New(nil, c, DefaultConfig(), nil)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))

	_, err = New(records(3), c, Config{BatchSize: 0}, nil)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidParam))

	_, err = New(records(0), c, DefaultConfig(), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEmptyDataset))

	_, err = New(records(3), c, Config{BatchSize: 4, DropLast: true}, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeEmptyDataset))
}

func TestNew_NormalizesPool(t *testing.T) {
	l, err := New(records(3), newLabelCollator(), Config{BatchSize: 1, Workers: 3, Prefetch: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Config().Workers)
	assert.Equal(t, 3, l.Config().Prefetch)

	l, err = New(records(3), newLabelCollator(), Config{BatchSize: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkers, l.Config().Workers)
}

func TestLen(t *testing.T) {
	cases := []struct {
		n, batch int
		dropLast bool
		want     int
	}{
		{4, 4, false, 1},
		{5, 4, false, 2},
		{5, 4, true, 1},
		{8, 4, true, 2},
		{1, 4, false, 1},
	}
	for _, tc := range cases {
		l, err := New(records(tc.n), newLabelCollator(), Config{BatchSize: tc.batch, DropLast: tc.dropLast}, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, l.Len(), "%+v", tc)
		assert.Equal(t, tc.n, l.Records())
	}
}

// ---------------------------------------------------------------------------
// Ordering
// ---------------------------------------------------------------------------

func TestIter_SequentialOrder(t *testing.T) {
	l, err := New(records(10), newLabelCollator(), Config{BatchSize: 4, Workers: 3}, logging.NewNopLogger())
	require.NoError(t, err)

	got := drain(t, l)
	assert.Equal(t, [][]float64{{0, 1, 2, 3}, {4, 5, 6, 7}, {8, 9}}, got)
}

func TestIter_DropLast(t *testing.T) {
	l, err := New(records(10), newLabelCollator(), Config{BatchSize: 4, DropLast: true}, nil)
	require.NoError(t, err)

	got := drain(t, l)
	assert.Len(t, got, 2)
	assert.Equal(t, len(got), l.Len())
}

func TestIter_ShuffleIsAPermutationPerEpoch(t *testing.T) {
	l, err := New(records(20), newLabelCollator(), Config{BatchSize: 3, Shuffle: true, Seed: 7, Workers: 4}, nil)
	require.NoError(t, err)

	first := flatten(drain(t, l))
	second := flatten(drain(t, l))
	assert.NotEqual(t, first, second, "each epoch reshuffles")

	for _, epoch := range [][]float64{first, second} {
		sorted := append([]float64(nil), epoch...)
		sort.Float64s(sorted)
		want := make([]float64, 20)
		for i := range want {
			want[i] = float64(i)
		}
		assert.Equal(t, want, sorted)
	}
}

func TestIter_ShuffleIsReproducible(t *testing.T) {
	cfg := Config{BatchSize: 4, Shuffle: true, Seed: 42, Workers: 2}
	a, err := New(records(16), newLabelCollator(), cfg, nil)
	require.NoError(t, err)
	b, err := New(records(16), newLabelCollator(), cfg, nil)
	require.NoError(t, err)

	for epoch := 0; epoch < 3; epoch++ {
		assert.Equal(t, drain(t, a), drain(t, b), "epoch %d", epoch)
	}
	assert.Equal(t, a.Order(5), b.Order(5))
}

// ---------------------------------------------------------------------------
// Failure and lifecycle
// ---------------------------------------------------------------------------

func TestIter_CollateErrorSurfacesThroughErr(t *testing.T) {
	c := newLabelCollator()
	c.failOn = 5
	l, err := New(records(8), c, Config{BatchSize: 4, Workers: 1, Prefetch: 1}, nil)
	require.NoError(t, err)

	it, err := l.Iter(context.Background())
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next())
	assert.Equal(t, []float64{0, 1, 2, 3}, it.Batch().Labels.Data)
	assert.False(t, it.Next())
	assert.Nil(t, it.Batch())
	require.Error(t, it.Err())
	assert.True(t, errors.IsTokenizationError(it.Err()))
	assert.Contains(t, it.Err().Error(), "batch 2")
	assert.False(t, it.Next(), "iterator stays finished")
}

func TestIter_PrefetchBoundsWorkAhead(t *testing.T) {
	c := newLabelCollator()
	l, err := New(records(40), c, Config{BatchSize: 1, Workers: 2, Prefetch: 3}, nil)
	require.NoError(t, err)

	it, err := l.Iter(context.Background())
	require.NoError(t, err)
	defer it.Close()

	require.Eventually(t, func() bool { return c.calls.Load() == 3 }, time.Second, time.Millisecond)
	assert.Never(t, func() bool { return c.calls.Load() > 3 }, 50*time.Millisecond, 5*time.Millisecond)

	require.True(t, it.Next())
	require.Eventually(t, func() bool { return c.calls.Load() == 4 }, time.Second, time.Millisecond)
}

func TestIter_CloseStopsWorkers(t *testing.T) {
	c := newLabelCollator()
	c.block = true
	c.started = make(chan struct{}, 1)
	l, err := New(records(8), c, Config{BatchSize: 2, Workers: 2}, nil)
	require.NoError(t, err)

	it, err := l.Iter(context.Background())
	require.NoError(t, err)
	<-c.started

	closed := make(chan struct{})
	go func() {
		_ = it.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.False(t, it.Next())
}

func TestIter_ParentCancellation(t *testing.T) {
	c := newLabelCollator()
	c.block = true
	l, err := New(records(4), c, Config{BatchSize: 2}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	it, err := l.Iter(ctx)
	require.NoError(t, err)
	defer it.Close()

	cancel()
	assert.False(t, it.Next())
	assert.True(t, stderrors.Is(it.Err(), context.Canceled))
}

func TestIter_ConcurrentEpochsAreIndependent(t *testing.T) {
	l, err := New(records(12), newLabelCollator(), Config{BatchSize: 5, Shuffle: true, Seed: 1}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	sums := make([]float64, 4)
	for e := range sums {
		wg.Add(1)
		go func(e int) {
			defer wg.Done()
			it, err := l.Iter(context.Background())
			if err != nil {
				return
			}
			defer it.Close()
			for it.Next() {
				for _, v := range it.Batch().Labels.Data {
					sums[e] += v
				}
			}
		}(e)
	}
	wg.Wait()
	for e, s := range sums {
		assert.Equal(t, 66.0, s, fmt.Sprintf("epoch %d", e))
	}
}

// ---------------------------------------------------------------------------
// With the WordPiece collator
// ---------------------------------------------------------------------------

func TestIter_WithTokenizerCollator(t *testing.T) {
	tok, err := tokenizer.New([]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "C", "##C", "O", "MK", "##T", "G"})
	require.NoError(t, err)
	col, err := collate.New(tok, nil)
	require.NoError(t, err)

	ds := affinity.FromRecords([]affinity.Record{
		{Ligand: "CC", Protein: "MKT", Target: 10},
		{Ligand: "O", Protein: "G", Target: 20},
		{Ligand: "C", Protein: "MK", Target: 30},
	})
	l, err := New(ds, col, Config{BatchSize: 2}, nil)
	require.NoError(t, err)

	it, err := l.Iter(context.Background())
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Next())
	b := it.Batch()
	assert.Equal(t, []float64{10, 20}, b.Labels.Data)
	assert.Equal(t, []int{2, 7}, b.InputIDs.Shape())
	assert.Equal(t, tok.PadTokenID(), b.InputIDs.At(1, 6))
	assert.False(t, b.AttentionMask.At(1, 6))

	require.True(t, it.Next())
	assert.Equal(t, 1, it.Batch().Size())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}
