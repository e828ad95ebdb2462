package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	openrouterx "github.com/tanpawarit/argo-agent/pkg/openrouter"
)

// Purpose selects which model settings a chat model is built with.
type Purpose string

const (
	PurposeDecide    Purpose = "decide"
	PurposeKnowledge Purpose = "knowledge"
)

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.7"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"60s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`

	KnowledgeModel       string  `envconfig:"KNOWLEDGE_MODEL" split_words:"true"`
	KnowledgeTemperature float32 `envconfig:"KNOWLEDGE_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	return nil
}

// OpenRouterFor resolves the model settings for purpose. Knowledge calls
// fall back to the decide model when no override is set.
func (c Config) OpenRouterFor(purpose Purpose) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	if purpose == PurposeKnowledge {
		if v := strings.TrimSpace(c.KnowledgeModel); v != "" {
			modelName = v
		}
		if c.KnowledgeTemperature >= 0 {
			temp = c.KnowledgeTemperature
		}
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// SummaryConfig configures the summarizer used for memory eviction. With
// the openai provider and no API key, the OpenRouter endpoint is reused.
type SummaryConfig struct {
	Provider    string        `split_words:"true" default:"openai"`
	Model       string        `split_words:"true"`
	APIKey      string        `envconfig:"API_KEY" split_words:"true"`
	BaseURL     string        `envconfig:"BASE_URL" split_words:"true"`
	MaxTokens   int64         `split_words:"true" default:"512"`
	Temperature float64       `split_words:"true" default:"0.2"`
	Timeout     time.Duration `split_words:"true" default:"60s"`
}

func (c SummaryConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case ProviderOpenAI:
	case ProviderAnthropic:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("%w: anthropic summarizer requires an api key", contractx.ErrValidation)
		}
		if strings.TrimSpace(c.Model) == "" {
			return fmt.Errorf("%w: anthropic summarizer requires a model", contractx.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown summary provider %q", contractx.ErrValidation, c.Provider)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: summary max tokens must be > 0", contractx.ErrValidation)
	}
	return nil
}
