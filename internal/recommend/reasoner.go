package recommend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"gasguard/internal/config"
)

const (
	groqKeyPrefix = "gsk_"
	groqBaseURL   = "https://api.groq.com/openai/v1"
	groqModel     = "llama-3.3-70b-versatile"
	openAIModel   = "gpt-4o-mini"
)

// Reasoner sends one structured request to an external reasoning service
// and returns its raw reply.
type Reasoner interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// OpenAIReasoner talks to any OpenAI-compatible chat completion endpoint.
type OpenAIReasoner struct {
	client      *openai.Client
	model       string
	provider    string
	timeout     time.Duration
	temperature float32
	maxTokens   int
	logger      zerolog.Logger
}

// NewOpenAIReasoner returns nil when no credential is configured. Keys with
// the Groq prefix select the Groq endpoint and model unless overridden.
func NewOpenAIReasoner(cfg config.ReasoningConfig, logger zerolog.Logger) *OpenAIReasoner {
	key := strings.TrimSpace(cfg.APIKey)
	if key == "" {
		return nil
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	provider := "openai"
	model := cfg.Model
	clientCfg := openai.DefaultConfig(key)
	if strings.HasPrefix(key, groqKeyPrefix) {
		provider = "groq"
		clientCfg.BaseURL = groqBaseURL
		if model == "" {
			model = groqModel
		}
	}
	if model == "" {
		model = openAIModel
	}
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	return &OpenAIReasoner{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		provider:    provider,
		timeout:     timeout,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
		logger:      logger.With().Str("component", "reasoner").Str("provider", provider).Logger(),
	}
}

// Model returns the model name requests are sent to.
func (r *OpenAIReasoner) Model() string { return r.model }

// Provider is "openai" or "groq".
func (r *OpenAIReasoner) Provider() string { return r.provider }

// Complete requests a JSON object reply.
func (r *OpenAIReasoner) Complete(ctx context.Context, system, user string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
		Temperature:    r.temperature,
		MaxTokens:      r.maxTokens,
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &ReasoningError{Kind: KindMalformed, Err: errors.New("empty completion")}
	}

	r.logger.Debug().Str("model", r.model).Int("tokens", resp.Usage.TotalTokens).Msg("completion received")
	return resp.Choices[0].Message.Content, nil
}

var _ Reasoner = (*OpenAIReasoner)(nil)
