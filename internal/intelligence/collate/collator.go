package collate

import (
	"context"
	"fmt"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/tokenizer"
	"github.com/turtacn/ic50bert/internal/intelligence/tensor"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// PairEncoder is the tokenizer capability collation needs.
type PairEncoder interface {
	EncodePairBatch(ctx context.Context, firsts, seconds []string, opts tokenizer.EncodeOptions) (*tokenizer.BatchEncoding, error)
	PadTokenID() int64
	MaxSequenceLength() int
}

// Collator builds batches from records. It holds an already loaded
// tokenizer, so resource errors surface when the Collator is constructed.
type Collator struct {
	encoder PairEncoder
	opts    tokenizer.EncodeOptions
	logger  logging.Logger
}

// New wraps an encoder. The encode options are fixed to dynamic padding,
// truncation and tensor output.
func New(encoder PairEncoder, logger logging.Logger) (*Collator, error) {
	if encoder == nil {
		return nil, errors.New(errors.ErrCodeTokenizerUnavailable, "collator requires a tokenizer")
	}
	return &Collator{
		encoder: encoder,
		opts:    tokenizer.CollateOptions(),
		logger:  logging.OrNop(logger),
	}, nil
}

// NewFromCheckpoint loads the tokenizer from dir eagerly.
func NewFromCheckpoint(dir string, logger logging.Logger, opts ...tokenizer.Option) (*Collator, error) {
	tok, err := tokenizer.Load(dir, append([]tokenizer.Option{tokenizer.WithLogger(logger)}, opts...)...)
	if err != nil {
		return nil, err
	}
	return New(tok, logger)
}

// Encoder returns the wrapped tokenizer.
func (c *Collator) Encoder() PairEncoder { return c.encoder }

// Collate produces one Batch from records (len >= 1). Row i of every array
// comes from records[i].
func (c *Collator) Collate(ctx context.Context, records []affinity.Record) (*Batch, error) {
	if len(records) == 0 {
		return nil, errors.InvalidParam("cannot collate an empty record list")
	}
	ligands := make([]string, len(records))
	proteins := make([]string, len(records))
	labels := make([]float64, len(records))
	for i, r := range records {
		ligands[i] = r.Ligand
		proteins[i] = r.Protein
		labels[i] = r.Target
	}

	enc, err := c.encoder.EncodePairBatch(ctx, ligands, proteins, c.opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("tokenize batch of %d", len(records)))
	}

	b := &Batch{
		InputIDs:      enc.InputIDs,
		TokenTypeIDs:  enc.TokenTypeIDs,
		AttentionMask: enc.AttentionMask,
		Labels:        tensor.NewVector(labels),
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	c.logger.Debug("collated batch",
		logging.Int("size", b.Size()),
		logging.Int("seq_len", b.SeqLen()))
	return b, nil
}
