package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	openrouterx "github.com/tanpawarit/argo-agent/pkg/openrouter"
)

const summarySystemPrompt = `You maintain the running summary of a conversation between a user and an oceanographic data assistant.
Progressively extend the current summary with the new lines of conversation and return only the new summary.
Keep every figure, region, date range and conclusion that a later answer could depend on. Drop pleasantries.`

// buildSummaryPrompt renders the previous summary and the evicted turns
// into the user message sent to a summarization model.
func buildSummaryPrompt(previous string, turns []contractx.Turn) string {
	var b strings.Builder
	b.WriteString("Current summary:\n")
	if strings.TrimSpace(previous) == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(strings.TrimSpace(previous))
		b.WriteString("\n")
	}
	b.WriteString("\nNew lines of conversation:\n")
	for _, t := range turns {
		b.WriteString(speaker(t.Role))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(t.Content))
		b.WriteString("\n")
	}
	b.WriteString("\nNew summary:")
	return b.String()
}

func speaker(role contractx.Role) string {
	switch role {
	case contractx.RoleUser:
		return "Human"
	case contractx.RoleAssistant:
		return "AI"
	default:
		return "Tool"
	}
}

// NewSummarizer picks the provider named in cfg. The openai provider reuses
// the OpenRouter credentials from fallback when cfg has no API key.
func NewSummarizer(cfg SummaryConfig, fallback openrouterx.Config) (contractx.Summarizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderAnthropic:
		opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
		if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
			opts = append(opts, anthropicoption.WithBaseURL(base))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, anthropicoption.WithRequestTimeout(cfg.Timeout))
		}
		client := anthropic.NewClient(opts...)
		s, err := NewAnthropicSummarizer(&client, cfg.Model, cfg.MaxTokens, cfg.Temperature)
		if err != nil {
			return nil, err
		}
		return s, nil

	default:
		orCfg := fallback
		if key := strings.TrimSpace(cfg.APIKey); key != "" {
			orCfg.APIKey = key
			orCfg.BaseURL = strings.TrimSpace(cfg.BaseURL)
		}
		if cfg.Timeout > 0 {
			orCfg.Timeout = cfg.Timeout
		}
		modelName := strings.TrimSpace(cfg.Model)
		if modelName == "" {
			modelName = strings.TrimSpace(fallback.Model)
		}
		client := openrouterx.NewClient(orCfg)
		if client == nil {
			return nil, fmt.Errorf("%w: no api key for openai summarizer", contractx.ErrValidation)
		}
		s, err := NewOpenAISummarizer(client, modelName, cfg.MaxTokens, cfg.Temperature)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// OpenAISummarizer folds turns with an OpenAI-compatible chat completion.
type OpenAISummarizer struct {
	client      *openai.Client
	model       string
	maxTokens   int64
	temperature float64
}

var _ contractx.Summarizer = (*OpenAISummarizer)(nil)

func NewOpenAISummarizer(client *openai.Client, model string, maxTokens int64, temperature float64) (*OpenAISummarizer, error) {
	if client == nil {
		return nil, errors.New("llm: nil openai client")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("llm: summary model is required")
	}
	return &OpenAISummarizer{
		client:      client,
		model:       strings.TrimSpace(model),
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (s *OpenAISummarizer) Summarize(ctx context.Context, previous string, turns []contractx.Turn) (string, error) {
	const op = "llm.summarize"

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(buildSummaryPrompt(previous, turns)),
		},
		Temperature:         openai.Float(s.temperature),
		MaxCompletionTokens: openai.Int(s.maxTokens),
	})
	if err != nil {
		return "", contractx.ExternalCallError(op, IsTransient(err), err)
	}
	if len(resp.Choices) == 0 {
		return "", contractx.ExternalCallError(op, false,
			fmt.Errorf("%w: no choices in summary response", contractx.ErrSchemaViolation))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// AnthropicSummarizer folds turns with the Anthropic messages API.
type AnthropicSummarizer struct {
	client      *anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

var _ contractx.Summarizer = (*AnthropicSummarizer)(nil)

func NewAnthropicSummarizer(client *anthropic.Client, model string, maxTokens int64, temperature float64) (*AnthropicSummarizer, error) {
	if client == nil {
		return nil, errors.New("llm: nil anthropic client")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("llm: summary model is required")
	}
	return &AnthropicSummarizer{
		client:      client,
		model:       strings.TrimSpace(model),
		maxTokens:   maxTokens,
		temperature: temperature,
	}, nil
}

func (s *AnthropicSummarizer) Summarize(ctx context.Context, previous string, turns []contractx.Turn) (string, error) {
	const op = "llm.summarize"

	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(s.model),
		MaxTokens:   s.maxTokens,
		Temperature: anthropic.Float(s.temperature),
		System:      []anthropic.TextBlockParam{{Text: summarySystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildSummaryPrompt(previous, turns))),
		},
	})
	if err != nil {
		return "", contractx.ExternalCallError(op, IsTransient(err), err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return strings.TrimSpace(b.String()), nil
}
