// internal/evaluator/openai.go
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	custom_errors "github-payout-service/internal/errors"
)

// OpenAIConfig configures an OpenAI compatible chat-completions backend.
type OpenAIConfig struct {
	BaseURL           string
	APIKey            string
	GamingModel       string
	HolisticModel     string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// OpenAIEvaluator implements Evaluator on top of the chat-completions API.
type OpenAIEvaluator struct {
	cfg     OpenAIConfig
	client  *openai.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIEvaluator creates an evaluator. A nil httpClient uses a client
// with cfg.Timeout.
func NewOpenAIEvaluator(cfg OpenAIConfig, httpClient *http.Client, logger *slog.Logger) *OpenAIEvaluator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = httpClient

	return &OpenAIEvaluator{
		cfg:     cfg,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.With("component", "evaluator"),
	}
}

// DetectGaming classifies the commits as legitimate work or gaming.
func (e *OpenAIEvaluator) DetectGaming(ctx context.Context, commits []CommitSummary) (GamingVerdict, error) {
	reply, err := e.complete(ctx, e.cfg.GamingModel, gamingSystemPrompt, buildGamingPrompt(commits), 0.2, 1024)
	if err != nil {
		return GamingVerdict{}, err
	}
	v, err := parseGamingVerdict(reply)
	if err != nil {
		return GamingVerdict{}, err
	}
	e.logger.Debug("Gaming detection finished", "is_gaming", v.IsGaming, "confidence", v.Confidence)
	return v, nil
}

// HolisticEvaluate proposes a payout for the push in its project context.
func (e *OpenAIEvaluator) HolisticEvaluate(ctx context.Context, req HolisticRequest) (PayoutVerdict, error) {
	reply, err := e.complete(ctx, e.cfg.HolisticModel, holisticSystemPrompt, buildHolisticPrompt(req), 0.3, 2048)
	if err != nil {
		return PayoutVerdict{}, err
	}
	v, err := parsePayoutVerdict(reply)
	if err != nil {
		return PayoutVerdict{}, err
	}
	e.logger.Debug("Holistic evaluation finished", "payout", v.PayoutAmount, "alignment", v.TaskAlignment)
	return v, nil
}

func (e *OpenAIEvaluator) complete(ctx context.Context, model, system, user string, temperature float32, maxTokens int) (string, error) {
	if e.cfg.APIKey == "" {
		return "", ErrUnavailable
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", custom_errors.ErrEvaluatorUnavailable, err)
	}

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", custom_errors.ErrEvaluatorUnavailable, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("%w: empty completion", custom_errors.ErrEvaluatorUnavailable)
	}
	return resp.Choices[0].Message.Content, nil
}
