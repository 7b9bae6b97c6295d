package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/pkg/errors"
)

func TestInt64FromRows(t *testing.T) {
	m, err := Int64FromRows([][]int64{{1, 2, 3}, {4, 5, 6}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, m.Shape())
	assert.Equal(t, int64(6), m.At(1, 2))
	assert.Equal(t, []int64{4, 5, 6}, m.Row(1))

	m.Set(0, 0, 9)
	assert.Equal(t, int64(9), m.Data[0])
}

func TestInt64FromRows_Ragged(t *testing.T) {
	_, err := Int64FromRows([][]int64{{1, 2}, {3}})
	assert.True(t, errors.IsShapeMismatch(err))
}

func TestInt64FromRows_Empty(t *testing.T) {
	m, err := Int64FromRows(nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0}, m.Shape())
}

func TestBoolMatrix(t *testing.T) {
	m := NewBoolMatrix(2, 2)
	m.Set(1, 0, true)
	assert.True(t, m.At(1, 0))
	assert.Equal(t, []bool{true, false}, m.Row(1))
}

func TestTo_TagsDeviceAndSharesStorage(t *testing.T) {
	acc := device.Device{Kind: device.Accelerator, Index: 0}
	m := NewInt64Matrix(1, 2)
	moved := m.To(acc)
	moved.Set(0, 1, 7)

	assert.Equal(t, device.CPU, m.Device.Kind)
	assert.Equal(t, acc, moved.Device)
	assert.Equal(t, int64(7), m.At(0, 1))

	v := NewVector([]float64{1, 2}).To(acc)
	assert.Equal(t, acc, v.Device)
	assert.Equal(t, 2, v.Len())
}

func TestSameShape(t *testing.T) {
	assert.True(t, SameShape([]int{4, 16}, []int{4, 16}))
	assert.False(t, SameShape([]int{4, 16}, []int{4, 15}))
	assert.False(t, SameShape([]int{4}, []int{4, 1}))
	assert.Equal(t, "[4 16]", FormatShape([]int{4, 16}))
}
