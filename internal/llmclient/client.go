// File: internal/llmclient/client.go

// Package llmclient wraps the model API behind a small Caller interface so
// the planner can be tested against a fake. Calls are routed to a fast or
// powerful model tier and always race a hard timeout; the timeout is the
// only cancellation mechanism a model call has.
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/relayforge/agentbus/internal/config"
)

// Tier selects which model a call runs against.
type Tier string

const (
	// TierFast is for high-volume, low-stakes calls: page summarization,
	// step descriptions.
	TierFast Tier = "fast"
	// TierPowerful is for planning and recovery decisions.
	TierPowerful Tier = "powerful"
)

// ErrTimeout marks a call that exceeded its deadline. Distinct from a hard
// API failure so callers can choose a fallback value where one is safe.
var ErrTimeout = errors.New("model call timed out")

// Usage is the token accounting a provider reports, when it reports any.
type Usage struct {
	PromptTokens     int32 `json:"prompt_tokens"`
	CompletionTokens int32 `json:"completion_tokens"`
}

// Response is one model answer.
type Response struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Caller is the single surface the rest of the system talks to a model
// through.
type Caller interface {
	CallModel(ctx context.Context, prompt, systemPrompt string, maxTokens int32, tier Tier) (*Response, error)
}

// GeminiClient is the genai-backed Caller.
type GeminiClient struct {
	cfg    config.LLMConfig
	client *genai.Client
	logger *zap.Logger
}

// NewGeminiClient dials the Gemini API with the configured key.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: API key not configured")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create client: %w", err)
	}
	return &GeminiClient{
		cfg:    cfg,
		client: client,
		logger: logger.Named("llm_client"),
	}, nil
}

// modelFor maps a tier to its configured model name.
func (c *GeminiClient) modelFor(tier Tier) string {
	if tier == TierPowerful {
		return c.cfg.PowerfulModel
	}
	return c.cfg.FastModel
}

// CallModel runs one prompt against the selected tier. The configured API
// timeout bounds the call; exceeding it returns ErrTimeout, never a hang.
func (c *GeminiClient) CallModel(ctx context.Context, prompt, systemPrompt string, maxTokens int32, tier Tier) (*Response, error) {
	model := c.modelFor(tier)
	if maxTokens <= 0 {
		maxTokens = int32(c.cfg.MaxTokens)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	genCfg := &genai.GenerateContentConfig{
		MaxOutputTokens: maxTokens,
	}
	if systemPrompt != "" {
		genCfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	resp, err := c.client.Models.GenerateContent(callCtx, model, genai.Text(prompt), genCfg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			c.logger.Warn("Model call timed out",
				zap.String("model", model),
				zap.Duration("timeout", c.cfg.APITimeout))
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.cfg.APITimeout)
		}
		return nil, fmt.Errorf("llm: generate content: %w", err)
	}

	out := &Response{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	c.logger.Debug("Model call completed",
		zap.String("model", model),
		zap.String("tier", string(tier)),
		zap.Int("content_len", len(out.Content)))
	return out, nil
}
