// Package tokenizer implements the sequence-pair WordPiece encoder used to
// turn a ligand string and a protein chain into model input ids.
//
// A WordPiece is immutable once constructed and safe for concurrent use by
// collation workers.
package tokenizer

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// ---------------------------------------------------------------------------
// Special token defaults
// ---------------------------------------------------------------------------

const (
	defaultUnknownToken = "[UNK]"
	defaultCLSToken     = "[CLS]"
	defaultSEPToken     = "[SEP]"
	defaultPADToken     = "[PAD]"
	defaultMASKToken    = "[MASK]"
	defaultMaxSeqLen    = 512

	// VocabFile and ConfigFile are the file names expected in a checkpoint
	// directory.
	VocabFile  = "vocab.txt"
	ConfigFile = "tokenizer_config.json"
)

// ---------------------------------------------------------------------------
// WordPiece
// ---------------------------------------------------------------------------

// WordPiece is a BERT-style WordPiece tokenizer with SMILES-aware
// pre-tokenization.
type WordPiece struct {
	vocab        map[string]int64
	inverse      []string
	maxSeqLen    int
	maxWordChars int
	maxPieceLen  int

	unknownToken string
	clsToken     string
	sepToken     string
	padToken     string
	maskToken    string
	unkID        int64
	clsID        int64
	sepID        int64
	padID        int64

	doLowerCase  bool
	stripAccents bool

	fingerprint string
	cache       PairCache
	logger      logging.Logger
}

// Option configures a WordPiece.
type Option func(*WordPiece)

// WithMaxSequenceLength sets the longest encoded pair, special tokens
// included.
func WithMaxSequenceLength(n int) Option {
	return func(t *WordPiece) {
		if n > 0 {
			t.maxSeqLen = n
		}
	}
}

// WithMaxInputCharsPerWord maps words longer than n runes to [UNK].
// Zero disables the limit.
func WithMaxInputCharsPerWord(n int) Option {
	return func(t *WordPiece) {
		if n >= 0 {
			t.maxWordChars = n
		}
	}
}

func WithDoLowerCase(v bool) Option {
	return func(t *WordPiece) { t.doLowerCase = v }
}

func WithStripAccents(v bool) Option {
	return func(t *WordPiece) { t.stripAccents = v }
}

// WithSpecialTokens overrides the special tokens; empty arguments keep the
// defaults.
func WithSpecialTokens(cls, sep, unk, pad, mask string) Option {
	return func(t *WordPiece) {
		for _, p := range []struct {
			dst *string
			v   string
		}{{&t.clsToken, cls}, {&t.sepToken, sep}, {&t.unknownToken, unk}, {&t.padToken, pad}, {&t.maskToken, mask}} {
			if p.v != "" {
				*p.dst = p.v
			}
		}
	}
}

// WithPairCache attaches a cache consulted by EncodePairBatch.
func WithPairCache(c PairCache) Option {
	return func(t *WordPiece) { t.cache = c }
}

func WithLogger(l logging.Logger) Option {
	return func(t *WordPiece) { t.logger = logging.OrNop(l) }
}

// New builds a tokenizer from an ordered vocabulary; a token's id is its
// position. Every special token must be present.
func New(tokens []string, opts ...Option) (*WordPiece, error) {
	if len(tokens) == 0 {
		return nil, errors.New(errors.ErrCodeVocabInvalid, "vocabulary is empty")
	}
	t := &WordPiece{
		vocab:        make(map[string]int64, len(tokens)),
		inverse:      make([]string, len(tokens)),
		maxSeqLen:    defaultMaxSeqLen,
		unknownToken: defaultUnknownToken,
		clsToken:     defaultCLSToken,
		sepToken:     defaultSEPToken,
		padToken:     defaultPADToken,
		maskToken:    defaultMASKToken,
		logger:       logging.NewNopLogger(),
	}
	for _, o := range opts {
		o(t)
	}

	for i, tok := range tokens {
		t.inverse[i] = tok
		if tok == "" {
			continue
		}
		// First occurrence wins, matching how the ids were assigned upstream.
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = int64(i)
		}
		n := utf8.RuneCountInString(strings.TrimPrefix(tok, "##"))
		if n > t.maxPieceLen {
			t.maxPieceLen = n
		}
	}

	var missing []string
	lookup := func(tok string) int64 {
		id, ok := t.vocab[tok]
		if !ok {
			missing = append(missing, tok)
		}
		return id
	}
	t.unkID = lookup(t.unknownToken)
	t.clsID = lookup(t.clsToken)
	t.sepID = lookup(t.sepToken)
	t.padID = lookup(t.padToken)
	if len(missing) > 0 {
		return nil, errors.New(errors.ErrCodeVocabInvalid, "special token missing from vocabulary").
			WithDetail(strings.Join(missing, ", "))
	}
	if t.maxSeqLen < 3 {
		return nil, errors.New(errors.ErrCodeVocabInvalid, "max sequence length must leave room for [CLS] and two [SEP]")
	}

	t.fingerprint = t.computeFingerprint()
	return t, nil
}

// LoadVocab reads a vocabulary file, one token per line; the 0-based line
// number is the id.
func LoadVocab(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "open vocabulary")
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		tokens = append(tokens, strings.TrimRight(sc.Text(), "\r\n"))
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "read vocabulary")
	}
	// Trailing blank lines carry no ids.
	for len(tokens) > 0 && strings.TrimSpace(tokens[len(tokens)-1]) == "" {
		tokens = tokens[:len(tokens)-1]
	}
	for i := range tokens {
		tokens[i] = strings.TrimSpace(tokens[i])
	}
	if len(tokens) == 0 {
		return nil, errors.New(errors.ErrCodeVocabInvalid, "vocabulary file is empty").WithDetail(path)
	}
	return tokens, nil
}

// Load reads vocab.txt and, when present, tokenizer_config.json from dir.
// Options passed explicitly override values from the config file.
func Load(dir string, opts ...Option) (*WordPiece, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "tokenizer checkpoint not found")
	}
	if !info.IsDir() {
		return nil, errors.New(errors.ErrCodeTokenizerUnavailable, "tokenizer checkpoint is not a directory").WithDetail(dir)
	}
	tokens, err := LoadVocab(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, err
	}
	cfg, err := readConfig(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}
	all := append(cfg.options(), opts...)
	return New(tokens, all...)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// PadTokenID is the id written into padded positions.
func (t *WordPiece) PadTokenID() int64 { return t.padID }

// MaxSequenceLength is the longest pair encoding produced with truncation.
func (t *WordPiece) MaxSequenceLength() int { return t.maxSeqLen }

func (t *WordPiece) VocabSize() int { return len(t.inverse) }

// Fingerprint identifies the vocabulary and normalisation settings. Two
// tokenizers with equal fingerprints produce identical encodings.
func (t *WordPiece) Fingerprint() string { return t.fingerprint }

// IDToToken returns the token for id, or [UNK] for ids outside the vocabulary.
func (t *WordPiece) IDToToken(id int64) string {
	if id < 0 || id >= int64(len(t.inverse)) {
		return t.unknownToken
	}
	return t.inverse[id]
}

func (t *WordPiece) computeFingerprint() string {
	h := sha256.New()
	for _, tok := range t.inverse {
		h.Write([]byte(tok))
		h.Write([]byte{0})
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.maxSeqLen))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(t.maxWordChars))
	h.Write(buf[:])
	fmt.Fprintf(h, "%t|%t|%s|%s|%s|%s", t.doLowerCase, t.stripAccents, t.clsToken, t.sepToken, t.padToken, t.unknownToken)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
