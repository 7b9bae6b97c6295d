package tokenizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// ---------------------------------------------------------------------------
// Output types
// ---------------------------------------------------------------------------

// Encoding is one encoded sequence pair.
type Encoding struct {
	InputIDs      []int64 `json:"input_ids"`
	TokenTypeIDs  []int64 `json:"token_type_ids"`
	AttentionMask []bool  `json:"attention_mask"`
	NumTruncated  int     `json:"num_truncated,omitempty"`
}

func (e *Encoding) Len() int { return len(e.InputIDs) }

// padTo returns a copy of e extended to n positions.
func (e *Encoding) padTo(n int, padID int64) *Encoding {
	out := &Encoding{
		InputIDs:      make([]int64, n),
		TokenTypeIDs:  make([]int64, n),
		AttentionMask: make([]bool, n),
		NumTruncated:  e.NumTruncated,
	}
	copy(out.InputIDs, e.InputIDs)
	copy(out.TokenTypeIDs, e.TokenTypeIDs)
	copy(out.AttentionMask, e.AttentionMask)
	for i := len(e.InputIDs); i < n; i++ {
		out.InputIDs[i] = padID
	}
	return out
}

// PaddingStrategy selects how a batch is made rectangular.
type PaddingStrategy int

const (
	// DoNotPad leaves each encoding at its own length.
	DoNotPad PaddingStrategy = iota
	// PadLongest pads to the longest encoding in the batch.
	PadLongest
	// PadMaxLength pads to MaxSequenceLength.
	PadMaxLength
)

func (p PaddingStrategy) String() string {
	switch p {
	case DoNotPad:
		return "do_not_pad"
	case PadLongest:
		return "longest"
	case PadMaxLength:
		return "max_length"
	default:
		return fmt.Sprintf("padding(%d)", int(p))
	}
}

// EncodeOptions control EncodePairBatch.
type EncodeOptions struct {
	Padding    PaddingStrategy
	Truncation bool
	// ReturnTensors fills the matrix fields of BatchEncoding.
	ReturnTensors bool
}

// CollateOptions are the options the collation pipeline always passes:
// dynamic padding, truncation and tensor output.
func CollateOptions() EncodeOptions {
	return EncodeOptions{Padding: PadLongest, Truncation: true, ReturnTensors: true}
}

// BatchEncoding is the result of EncodePairBatch. The matrices are only set
// when ReturnTensors was requested.
type BatchEncoding struct {
	Encodings     []*Encoding
	InputIDs      tensor.Int64Matrix
	TokenTypeIDs  tensor.Int64Matrix
	AttentionMask tensor.BoolMatrix
}

// ---------------------------------------------------------------------------
// Tokenize
// ---------------------------------------------------------------------------

// Tokenize returns the word pieces of text without special tokens.
// Text that is empty after stripping is a tokenization error.
func (t *WordPiece) Tokenize(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.TokenizationError("empty input sequence")
	}
	cleaned := t.cleanText(text)
	var pieces []string
	for _, sp := range pretokenize(cleaned) {
		pieces = append(pieces, t.wordPiece(cleaned[sp.start:sp.end])...)
	}
	if len(pieces) == 0 {
		return nil, errors.TokenizationError("input sequence has no tokens after cleaning")
	}
	return pieces, nil
}

func (t *WordPiece) idsOf(pieces []string) []int64 {
	ids := make([]int64, len(pieces))
	for i, p := range pieces {
		id, ok := t.vocab[p]
		if !ok {
			id = t.unkID
		}
		ids[i] = id
	}
	return ids
}

// ---------------------------------------------------------------------------
// EncodePair
// ---------------------------------------------------------------------------

// EncodePair encodes first and second as [CLS] first [SEP] second [SEP] with
// token types 0 for the first segment and 1 for the second, truncating the
// longer segment first so the result fits MaxSequenceLength.
func (t *WordPiece) EncodePair(first, second string) (*Encoding, error) {
	return t.encodePair(first, second, true)
}

func (t *WordPiece) encodePair(first, second string, truncate bool) (*Encoding, error) {
	a, err := t.Tokenize(first)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "first sequence")
	}
	b, err := t.Tokenize(second)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, "second sequence")
	}

	idsA, idsB := t.idsOf(a), t.idsOf(b)
	truncated := 0
	if truncate {
		budget := t.maxSeqLen - 3
		for len(idsA)+len(idsB) > budget {
			if len(idsA) > len(idsB) {
				idsA = idsA[:len(idsA)-1]
			} else {
				idsB = idsB[:len(idsB)-1]
			}
			truncated++
		}
	}

	n := len(idsA) + len(idsB) + 3
	enc := &Encoding{
		InputIDs:      make([]int64, 0, n),
		TokenTypeIDs:  make([]int64, n),
		AttentionMask: make([]bool, n),
		NumTruncated:  truncated,
	}
	enc.InputIDs = append(enc.InputIDs, t.clsID)
	enc.InputIDs = append(enc.InputIDs, idsA...)
	enc.InputIDs = append(enc.InputIDs, t.sepID)
	enc.InputIDs = append(enc.InputIDs, idsB...)
	enc.InputIDs = append(enc.InputIDs, t.sepID)
	for i := len(idsA) + 2; i < n; i++ {
		enc.TokenTypeIDs[i] = 1
	}
	for i := range enc.AttentionMask {
		enc.AttentionMask[i] = true
	}
	return enc, nil
}

// ---------------------------------------------------------------------------
// EncodePairBatch
// ---------------------------------------------------------------------------

// EncodePairBatch encodes firsts[i] with seconds[i] for every i and pads the
// results according to opts.
func (t *WordPiece) EncodePairBatch(ctx context.Context, firsts, seconds []string, opts EncodeOptions) (*BatchEncoding, error) {
	if len(firsts) != len(seconds) {
		return nil, errors.InvalidParam("pair batch halves differ in length").
			WithDetailf("first=%d second=%d", len(firsts), len(seconds))
	}
	if len(firsts) == 0 {
		return nil, errors.InvalidParam("empty pair batch")
	}

	encs, err := t.encodeAll(ctx, firsts, seconds, opts.Truncation)
	if err != nil {
		return nil, err
	}

	width := 0
	for _, e := range encs {
		if e.Len() > width {
			width = e.Len()
		}
	}
	switch opts.Padding {
	case PadLongest:
	case PadMaxLength:
		if width < t.maxSeqLen {
			width = t.maxSeqLen
		}
	case DoNotPad:
		width = -1
	default:
		return nil, errors.InvalidParam(fmt.Sprintf("unknown padding strategy %s", opts.Padding))
	}

	out := &BatchEncoding{Encodings: make([]*Encoding, len(encs))}
	for i, e := range encs {
		if width > 0 {
			out.Encodings[i] = e.padTo(width, t.padID)
		} else {
			out.Encodings[i] = e
		}
	}
	if !opts.ReturnTensors {
		return out, nil
	}
	if err := out.stack(); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *WordPiece) encodeAll(ctx context.Context, firsts, seconds []string, truncate bool) ([]*Encoding, error) {
	encs := make([]*Encoding, len(firsts))
	var keys []string
	if t.cache != nil {
		keys = make([]string, len(firsts))
		for i := range firsts {
			keys[i] = PairKey(t.fingerprint, firsts[i], seconds[i], truncate)
		}
		hits, err := t.cache.GetEncodings(ctx, keys)
		if err != nil {
			t.logger.Warn("pair cache read failed", logging.Err(err))
		}
		for i, k := range keys {
			if e, ok := hits[k]; ok && e != nil {
				encs[i] = e
			}
		}
	}

	fresh := make(map[string]*Encoding)
	for i := range firsts {
		if encs[i] != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := t.encodePair(firsts[i], seconds[i], truncate)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("pair %d", i))
		}
		encs[i] = e
		if keys != nil {
			fresh[keys[i]] = e
		}
	}
	if len(fresh) > 0 {
		if err := t.cache.SetEncodings(ctx, fresh); err != nil {
			t.logger.Warn("pair cache write failed", logging.Err(err))
		}
	}
	return encs, nil
}

// stack copies the encodings into rectangular matrices.
func (b *BatchEncoding) stack() error {
	rows := len(b.Encodings)
	cols := b.Encodings[0].Len()
	for i, e := range b.Encodings {
		if e.Len() != cols {
			return errors.New(errors.ErrCodeRaggedEncoding, "encodings differ in length; enable padding").
				WithDetailf("row 0 has %d ids, row %d has %d", cols, i, e.Len())
		}
	}
	b.InputIDs = tensor.NewInt64Matrix(rows, cols)
	b.TokenTypeIDs = tensor.NewInt64Matrix(rows, cols)
	b.AttentionMask = tensor.NewBoolMatrix(rows, cols)
	for i, e := range b.Encodings {
		copy(b.InputIDs.Row(i), e.InputIDs)
		copy(b.TokenTypeIDs.Row(i), e.TokenTypeIDs)
		copy(b.AttentionMask.Row(i), e.AttentionMask)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decode
// ---------------------------------------------------------------------------

// Decode joins ids back into text, merging "##" pieces and dropping special
// and padding tokens.
func (t *WordPiece) Decode(ids []int64) string {
	var b strings.Builder
	for _, id := range ids {
		tok := t.IDToToken(id)
		switch tok {
		case t.clsToken, t.sepToken, t.padToken, t.maskToken:
			continue
		}
		if strings.HasPrefix(tok, "##") {
			b.WriteString(tok[2:])
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(tok)
	}
	return b.String()
}
