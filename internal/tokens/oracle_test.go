package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCountAPI struct {
	calls int
	err   error
	model string
}

func (f *fakeCountAPI) CountTokens(ctx context.Context, params anthropic.MessageCountTokensParams, opts ...option.RequestOption) (*anthropic.MessageTokensCount, error) {
	f.calls++
	f.model = string(params.Model)
	if f.err != nil {
		return nil, f.err
	}
	return &anthropic.MessageTokensCount{InputTokens: 321}, nil
}

func TestAnthropicOracleCounts(t *testing.T) {
	api := &fakeCountAPI{}
	o := newAnthropicOracle(api, OracleConfig{Model: "claude-haiku-4-5"}, nil)

	n, err := o.CountTokens(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, 321, n)
	assert.Equal(t, "claude-haiku-4-5", api.model)
}

func TestAnthropicOracleBreakerOpens(t *testing.T) {
	api := &fakeCountAPI{err: errors.New("503")}
	o := newAnthropicOracle(api, OracleConfig{FailureThreshold: 2, CoolDown: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		_, err := o.CountTokens(context.Background(), "x")
		require.Error(t, err)
	}
	assert.Equal(t, "open", o.State())

	_, err := o.CountTokens(context.Background(), "x")
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 2, api.calls)
}

func TestNewAnthropicOracleRequiresKey(t *testing.T) {
	_, err := NewAnthropicOracle(OracleConfig{}, nil)
	assert.Error(t, err)
}

func TestCounterWithBrokenOracle(t *testing.T) {
	api := &fakeCountAPI{err: errors.New("unauthorized")}
	c := NewCounter(Config{}, newAnthropicOracle(api, OracleConfig{}, nil), nil)
	r := c.Count(context.Background(), "abcdefgh")
	assert.Equal(t, SourceEstimate, r.Source)
	assert.Equal(t, 2, r.Tokens)
}
