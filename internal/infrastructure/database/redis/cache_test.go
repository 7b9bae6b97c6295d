package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/turtacn/ic50bert/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ic50bert/internal/intelligence/tokenizer"
	"github.com/turtacn/ic50bert/pkg/errors"
)

type EncodingCacheTestSuite struct {
	suite.Suite
	client *Client
	mock   redismock.ClientMock
	cache  *EncodingCache
}

func (s *EncodingCacheTestSuite) SetupTest() {
	db, mock := redismock.NewClientMock()
	s.mock = mock
	s.client = &Client{
		rdb:    db,
		config: &RedisConfig{},
		logger: logging.NewNopLogger(),
	}
	s.cache = NewEncodingCache(s.client, nil, WithPrefix("t:"), WithTTL(time.Hour), WithTTLJitter(0))
}

func (s *EncodingCacheTestSuite) TearDownTest() {
	assert.NoError(s.T(), s.mock.ExpectationsWereMet())
}

func encodingJSON(t require.TestingT, e *tokenizer.Encoding) string {
	b, err := json.Marshal(e)
	require.NoError(t, err)
	return string(b)
}

func (s *EncodingCacheTestSuite) TestGetEncodings_HitsAndMisses() {
	enc := &tokenizer.Encoding{
		InputIDs:      []int64{2, 5, 3, 7, 3},
		TokenTypeIDs:  []int64{0, 0, 0, 1, 1},
		AttentionMask: []bool{true, true, true, true, true},
	}
	s.mock.ExpectMGet("t:a", "t:b", "t:c").SetVal([]interface{}{encodingJSON(s.T(), enc), nil, "{not json"})

	got, err := s.cache.GetEncodings(context.Background(), []string{"a", "b", "c"})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(enc, got["a"])
}

func (s *EncodingCacheTestSuite) TestGetEncodings_NoKeys() {
	got, err := s.cache.GetEncodings(context.Background(), nil)
	s.NoError(err)
	s.Empty(got)
}

func (s *EncodingCacheTestSuite) TestGetEncodings_ServerError() {
	s.mock.ExpectMGet("t:a").SetErr(stderrors.New("connection reset"))

	_, err := s.cache.GetEncodings(context.Background(), []string{"a"})
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeCacheError))
}

func (s *EncodingCacheTestSuite) TestSetEncodings_PipelinesInKeyOrder() {
	one := &tokenizer.Encoding{InputIDs: []int64{2, 3, 3}, TokenTypeIDs: []int64{0, 0, 1}, AttentionMask: []bool{true, true, true}}
	two := &tokenizer.Encoding{InputIDs: []int64{2, 5, 3, 3}, TokenTypeIDs: []int64{0, 0, 0, 1}, AttentionMask: []bool{true, true, true, true}, NumTruncated: 1}

	s.mock.ExpectSet("t:x", encodingJSON(s.T(), one), time.Hour).SetVal("OK")
	s.mock.ExpectSet("t:y", encodingJSON(s.T(), two), time.Hour).SetVal("OK")

	err := s.cache.SetEncodings(context.Background(), map[string]*tokenizer.Encoding{"y": two, "x": one})
	s.NoError(err)
}

func (s *EncodingCacheTestSuite) TestSetEncodings_Empty() {
	s.NoError(s.cache.SetEncodings(context.Background(), nil))
}

func (s *EncodingCacheTestSuite) TestSetEncodings_ServerError() {
	enc := &tokenizer.Encoding{InputIDs: []int64{2, 3, 3}, TokenTypeIDs: []int64{0, 0, 1}, AttentionMask: []bool{true, true, true}}
	s.mock.ExpectSet("t:x", encodingJSON(s.T(), enc), time.Hour).SetErr(stderrors.New("READONLY"))

	err := s.cache.SetEncodings(context.Background(), map[string]*tokenizer.Encoding{"x": enc})
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeCacheError))
}

func (s *EncodingCacheTestSuite) TestPurge() {
	s.mock.ExpectDel("t:a", "t:b").SetVal(1)

	n, err := s.cache.Purge(context.Background(), "a", "b")
	s.NoError(err)
	s.Equal(int64(1), n)
}

func (s *EncodingCacheTestSuite) TestClosedClient() {
	s.Require().NoError(s.client.Close())
	s.NoError(s.client.Close())

	_, err := s.cache.GetEncodings(context.Background(), []string{"a"})
	s.Require().Error(err)
	s.True(errors.IsCode(err, errors.ErrCodeInternal))
	s.ErrorIs(s.client.Ping(context.Background()), ErrClientClosed)
}

// The tokenizer reuses cached pairs and writes back only the ones it encoded.
func (s *EncodingCacheTestSuite) TestTokenizerRoundTrip() {
	tok, err := tokenizer.New(
		[]string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "C", "##C", "O", "##O"},
		tokenizer.WithDoLowerCase(false),
		tokenizer.WithPairCache(s.cache),
	)
	s.Require().NoError(err)

	cached, err := tok.EncodePair("CC", "O")
	s.Require().NoError(err)
	fresh, err := tok.EncodePair("O", "CO")
	s.Require().NoError(err)

	k0 := tokenizer.PairKey(tok.Fingerprint(), "CC", "O", true)
	k1 := tokenizer.PairKey(tok.Fingerprint(), "O", "CO", true)
	s.mock.ExpectMGet("t:"+k0, "t:"+k1).SetVal([]interface{}{encodingJSON(s.T(), cached), nil})
	s.mock.ExpectSet("t:"+k1, encodingJSON(s.T(), fresh), time.Hour).SetVal("OK")

	out, err := tok.EncodePairBatch(context.Background(), []string{"CC", "O"}, []string{"O", "CO"},
		tokenizer.EncodeOptions{Padding: tokenizer.DoNotPad, Truncation: true})
	s.Require().NoError(err)
	s.Equal(cached.InputIDs, out.Encodings[0].InputIDs)
	s.Equal(fresh.InputIDs, out.Encodings[1].InputIDs)
}

func TestEncodingCacheTestSuite(t *testing.T) {
	suite.Run(t, new(EncodingCacheTestSuite))
}

func TestApplyDefaults(t *testing.T) {
	cfg := &RedisConfig{}
	ApplyDefaults(cfg)

	assert.Equal(t, ModeStandalone, cfg.Mode)
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Positive(t, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)

	cluster := &RedisConfig{Mode: ModeCluster, ClusterAddrs: []string{"a:1"}}
	ApplyDefaults(cluster)
	assert.Empty(t, cluster.Addr)
}

func TestNewClient_RejectsBadTLS(t *testing.T) {
	_, err := NewClient(&RedisConfig{TLSEnabled: true, TLSCAFile: "/nonexistent/ca.pem"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestNewClient_RequiresConfig(t *testing.T) {
	_, err := NewClient(nil, nil)
	assert.Error(t, err)
}
