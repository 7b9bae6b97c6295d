package tokenizer

import (
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"math"
	"os"

	"github.com/turtacn/ic50bert/pkg/errors"
)

// specialToken accepts both the plain string form and the
// {"content": "..."} object form of a special token entry.
type specialToken string

func (s *specialToken) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = specialToken(str)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*s = specialToken(obj.Content)
	return nil
}

// checkpointConfig is the subset of tokenizer_config.json the encoder honours.
type checkpointConfig struct {
	ModelMaxLength       *float64     `json:"model_max_length"`
	MaxLen               *float64     `json:"max_len"`
	DoLowerCase          *bool        `json:"do_lower_case"`
	StripAccents         *bool        `json:"strip_accents"`
	MaxInputCharsPerWord *int         `json:"max_input_chars_per_word"`
	CLSToken             specialToken `json:"cls_token"`
	SEPToken             specialToken `json:"sep_token"`
	PADToken             specialToken `json:"pad_token"`
	UNKToken             specialToken `json:"unk_token"`
	MaskToken            specialToken `json:"mask_token"`
}

func readConfig(path string) (*checkpointConfig, error) {
	b, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		return &checkpointConfig{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "read tokenizer config")
	}
	var cfg checkpointConfig
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeTokenizerUnavailable, "parse tokenizer config")
	}
	return &cfg, nil
}

func (c *checkpointConfig) options() []Option {
	var opts []Option
	maxLen := c.ModelMaxLength
	if maxLen == nil {
		maxLen = c.MaxLen
	}
	// Checkpoints without a real limit store a huge sentinel (1e30).
	if maxLen != nil && *maxLen > 0 && *maxLen < math.MaxInt32 {
		opts = append(opts, WithMaxSequenceLength(int(*maxLen)))
	}
	if c.DoLowerCase != nil {
		opts = append(opts, WithDoLowerCase(*c.DoLowerCase))
	}
	if c.StripAccents != nil {
		opts = append(opts, WithStripAccents(*c.StripAccents))
	}
	if c.MaxInputCharsPerWord != nil {
		opts = append(opts, WithMaxInputCharsPerWord(*c.MaxInputCharsPerWord))
	}
	opts = append(opts, WithSpecialTokens(string(c.CLSToken), string(c.SEPToken), string(c.UNKToken), string(c.PADToken), string(c.MaskToken)))
	return opts
}
