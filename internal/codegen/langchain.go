package codegen

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// LangchainBackend calls a hosted model through langchaingo. Credentials
// come from ANTHROPIC_API_KEY or OPENAI_API_KEY.
type LangchainBackend struct {
	provider string
	model    string
	llm      llms.Model
	pricing  Pricing
}

// NewLangchainBackend creates a backend for provider "anthropic" or "openai".
func NewLangchainBackend(provider, model string, pricing Pricing) (*LangchainBackend, error) {
	var (
		llm llms.Model
		err error
	)
	switch provider {
	case "anthropic":
		var opts []anthropic.Option
		if model != "" {
			opts = append(opts, anthropic.WithModel(model))
		}
		llm, err = anthropic.New(opts...)
	case "openai":
		var opts []openai.Option
		if model != "" {
			opts = append(opts, openai.WithModel(model))
		}
		llm, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return NewLangchainBackendWithModel(provider, model, llm, pricing), nil
}

// NewLangchainBackendWithModel wraps an existing llms.Model.
func NewLangchainBackendWithModel(provider, model string, llm llms.Model, pricing Pricing) *LangchainBackend {
	return &LangchainBackend{provider: provider, model: model, llm: llm, pricing: pricing}
}

// Name implements Backend.
func (b *LangchainBackend) Name() string {
	return b.provider
}

// Generate implements Backend. The whole prompt goes in one human message
// because not every provider adapter honours system messages.
func (b *LangchainBackend) Generate(ctx context.Context, req Request) (*Response, error) {
	prompt := composePrompt(req)
	msgs := []llms.MessageContent{llms.TextParts(schema.ChatMessageTypeHuman, prompt)}

	opts := []llms.CallOption{llms.WithTemperature(0)}
	if req.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxOutputTokens))
	}

	out, err := b.llm.GenerateContent(ctx, msgs, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s generate: %w", b.provider, err)
	}
	if out == nil || len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s generate: empty response", b.provider)
	}
	choice := out.Choices[0]

	resp := &Response{Text: choice.Content, Model: b.model}
	resp.InputTokens = intInfo(choice.GenerationInfo, "InputTokens", "PromptTokens")
	resp.OutputTokens = intInfo(choice.GenerationInfo, "OutputTokens", "CompletionTokens")
	if resp.InputTokens == 0 {
		resp.InputTokens = estimateTokens(prompt)
	}
	if resp.OutputTokens == 0 {
		resp.OutputTokens = estimateTokens(choice.Content)
	}
	resp.CostUSD = b.pricing.Cost(resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// intInfo reads the first present usage key from provider generation info.
func intInfo(info map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
