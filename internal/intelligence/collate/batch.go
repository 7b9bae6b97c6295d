// Package collate turns a list of affinity records into one model-ready
// batch: jointly tokenized ids, token types, attention mask and labels.
package collate

import (
	"fmt"

	"github.com/turtacn/ic50bert/internal/intelligence/device"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// Batch keys, in the order models consume them.
const (
	KeyInputIDs      = "input_ids"
	KeyTokenTypeIDs  = "token_type_ids"
	KeyAttentionMask = "attention_mask"
	KeyLabels        = "labels"
)

// Batch is the fixed-schema output of collation. InputIDs, TokenTypeIDs and
// AttentionMask share one (size x padded length) shape; Labels has one
// entry per row, aligned by position.
type Batch struct {
	InputIDs      tensor.Int64Matrix
	TokenTypeIDs  tensor.Int64Matrix
	AttentionMask tensor.BoolMatrix
	Labels        tensor.Vector
}

// Size is the leading dimension of the batch.
func (b *Batch) Size() int { return b.Labels.Len() }

// SeqLen is the padded sequence length.
func (b *Batch) SeqLen() int { return b.InputIDs.Cols }

// Shapes maps each batch key to its shape.
func (b *Batch) Shapes() map[string][]int {
	return map[string][]int{
		KeyInputIDs:      b.InputIDs.Shape(),
		KeyTokenTypeIDs:  b.TokenTypeIDs.Shape(),
		KeyAttentionMask: b.AttentionMask.Shape(),
		KeyLabels:        b.Labels.Shape(),
	}
}

// Validate checks the shape invariants. A violation means a collation bug
// and is never coerced.
func (b *Batch) Validate() error {
	ids := b.InputIDs.Shape()
	if !tensor.SameShape(ids, b.TokenTypeIDs.Shape()) || !tensor.SameShape(ids, b.AttentionMask.Shape()) {
		return errors.ShapeMismatch("token arrays differ in shape").WithDetail(b.describe())
	}
	if b.Labels.Len() != b.InputIDs.Rows {
		return errors.ShapeMismatch("labels leading dimension differs").WithDetail(b.describe())
	}
	if len(b.InputIDs.Data) != b.InputIDs.Rows*b.InputIDs.Cols ||
		len(b.TokenTypeIDs.Data) != b.TokenTypeIDs.Rows*b.TokenTypeIDs.Cols ||
		len(b.AttentionMask.Data) != b.AttentionMask.Rows*b.AttentionMask.Cols {
		return errors.ShapeMismatch("backing storage does not match declared shape").WithDetail(b.describe())
	}
	return nil
}

func (b *Batch) describe() string {
	return fmt.Sprintf("%s=%v %s=%v %s=%v %s=%v",
		KeyInputIDs, b.InputIDs.Shape(), KeyTokenTypeIDs, b.TokenTypeIDs.Shape(),
		KeyAttentionMask, b.AttentionMask.Shape(), KeyLabels, b.Labels.Shape())
}

// To returns the batch with all four arrays placed on d.
func (b *Batch) To(d device.Device) *Batch {
	return &Batch{
		InputIDs:      b.InputIDs.To(d),
		TokenTypeIDs:  b.TokenTypeIDs.To(d),
		AttentionMask: b.AttentionMask.To(d),
		Labels:        b.Labels.To(d),
	}
}
