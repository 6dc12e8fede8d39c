package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultOracleModel is the model used for precise counting.
const DefaultOracleModel = "claude-sonnet-4-5-20250929"

// ErrOracleUnavailable is returned while the circuit breaker is open.
var ErrOracleUnavailable = errors.New("token oracle unavailable")

// countTokensAPI is the subset of the Anthropic messages service we call.
type countTokensAPI interface {
	CountTokens(ctx context.Context, params anthropic.MessageCountTokensParams, opts ...option.RequestOption) (*anthropic.MessageTokensCount, error)
}

// OracleConfig configures an AnthropicOracle.
type OracleConfig struct {
	APIKey  string
	BaseURL string
	Model   string

	// FailureThreshold trips the breaker after this many consecutive failures.
	FailureThreshold uint32

	// CoolDown is how long the breaker stays open.
	CoolDown time.Duration
}

// AnthropicOracle counts tokens with the Anthropic count_tokens endpoint,
// behind a circuit breaker so an unreachable API stops being called.
type AnthropicOracle struct {
	api     countTokensAPI
	model   string
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewAnthropicOracle builds an oracle backed by the Anthropic API.
func NewAnthropicOracle(cfg OracleConfig, logger *zap.Logger) (*AnthropicOracle, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic oracle: api key required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	return newAnthropicOracle(&client.Messages, cfg, logger), nil
}

func newAnthropicOracle(api countTokensAPI, cfg OracleConfig, logger *zap.Logger) *AnthropicOracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOracleModel
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = time.Minute
	}
	logger = logger.Named("oracle")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "token-oracle",
		MaxRequests: 1,
		Timeout:     cfg.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &AnthropicOracle{
		api:     api,
		model:   cfg.Model,
		breaker: breaker,
		logger:  logger,
	}
}

// CountTokens implements Oracle.
func (o *AnthropicOracle) CountTokens(ctx context.Context, content string) (int, error) {
	out, err := o.breaker.Execute(func() (interface{}, error) {
		resp, err := o.api.CountTokens(ctx, anthropic.MessageCountTokensParams{
			Model: anthropic.Model(o.model),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
			},
		})
		if err != nil {
			return nil, err
		}
		return int(resp.InputTokens), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrOracleUnavailable
		}
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return out.(int), nil
}

// State reports the breaker state, for status output.
func (o *AnthropicOracle) State() string {
	return o.breaker.State().String()
}
