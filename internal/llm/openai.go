package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/retry"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrDisabled - провайдер не настроен. Вызывающий код должен уметь жить без него
var ErrDisabled = errors.New("llm provider disabled")

const (
	RoleSystem = openai.ChatMessageRoleSystem
	RoleUser   = openai.ChatMessageRoleUser
)

type Message struct {
	Role    string
	Content string
}

// Provider - генерация ответа по списку сообщений
type Provider interface {
	Enabled() bool
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Config struct {
	// Урл openai-совместимого api, например LiteLLM прокси. Пустой - api openai
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float32
}

// Имплементация Provider поверх openai-совместимого api
type OpenAI struct {
	// sdk для openai
	client *openai.Client
	cfg    Config
	// Флаг вкл/выкл провайдера
	enabled bool
	logger  *zap.Logger
}

func NewOpenAI(cfg Config, logger *zap.Logger) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	p := &OpenAI{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		enabled: cfg.Model != "" && (cfg.APIKey != "" || cfg.BaseURL != ""),
		logger:  logger.Named("llm"),
	}

	p.logger.Info("llm provider configured", zap.Bool("enabled", p.enabled), zap.String("model", cfg.Model))

	return p
}

func (p *OpenAI) Enabled() bool {
	return p.enabled
}

// Complete отправляет сообщения и возвращает текст первого варианта ответа
func (p *OpenAI) Complete(ctx context.Context, messages []Message) (string, error) {
	if !p.enabled {
		return "", ErrDisabled
	}

	request := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	}
	for _, m := range messages {
		request.Messages = append(request.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	var content string
	policy := retry.Policy{
		Attempts: 2,
		Backoff:  time.Second,
		OnRetry: func(attempt int, err error) {
			p.logger.Warn("transient llm failure, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()

		resp, err := p.client.CreateChatCompletion(callCtx, request)
		if err != nil {
			return classify(err)
		}

		// openai отправляет нам несколько вариантов, мы выбираем самый первый
		if len(resp.Choices) == 0 {
			return retry.Permanent(errors.New("empty completion"))
		}

		content = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}

	return content, nil
}

// classify приводит ошибки sdk к StatusError, чтобы retry понимал, что повторять
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &retry.StatusError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &retry.StatusError{StatusCode: reqErr.HTTPStatusCode, Body: reqErr.Error()}
	}

	return err
}
