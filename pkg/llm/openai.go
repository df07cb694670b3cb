package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

const (
	openAIDefaultBaseURL = "https://api.openai.com/v1"

	chatTimeout          = 120 * time.Second
	retryInitialInterval = 2 * time.Second
	retryMaxInterval     = 60 * time.Second
	retryMaxAttempts     = 5
)

// OpenAIConfig configures the OpenAI chat provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint, for tests and proxies.
	BaseURL string

	// Model defaults to DefaultChatModel.
	Model string

	// HTTPClient defaults to a client with a 120s timeout.
	HTTPClient *http.Client

	// Logger defaults to a null logger.
	Logger hclog.Logger
}

// OpenAIProvider runs chat completions against the OpenAI API.
type OpenAIProvider struct {
	apiKey  string
	baseURL string
	model   ModelInfo
	client  *http.Client
	logger  hclog.Logger
}

// NewOpenAI builds the provider, validating the model against the catalog.
func NewOpenAI(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai chat: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = openAIDefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultChatModel
	}
	model, ok := chatModels[cfg.Model]
	if !ok {
		return nil, fmt.Errorf("openai chat: unknown model %q", cfg.Model)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: chatTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   model,
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.Named("openai-chat"),
	}, nil
}

func (p *OpenAIProvider) Name() string    { return "openai" }
func (p *OpenAIProvider) ModelID() string { return p.model.ID }

// EstimateCost predicts the USD cost of a call from token counts.
func (p *OpenAIProvider) EstimateCost(tokensInput, tokensOutput int) float64 {
	return p.model.Cost(tokensInput, tokensOutput)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Chat runs one completion with retries for transient failures.
func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = 0

	var parsed *chatCompletionResponse
	err := backoff.Retry(func() error {
		var opErr error
		parsed, opErr = p.doChatRequest(ctx, req)
		return opErr
	}, backoff.WithContext(backoff.WithMaxRetries(b, retryMaxAttempts-1), ctx))
	if err != nil {
		var le *Error
		if !errors.As(err, &le) {
			return nil, &Error{Provider: "openai", Code: ErrConnection,
				Message: err.Error(), Retriable: true}
		}
		return nil, err
	}

	if len(parsed.Choices) == 0 {
		return nil, &Error{Provider: "openai", Code: ErrBadResponse,
			Message: "no choices in response"}
	}

	resp := &ChatResponse{
		Content:      parsed.Choices[0].Message.Content,
		Model:        parsed.Model,
		TokensInput:  parsed.Usage.PromptTokens,
		TokensOutput: parsed.Usage.CompletionTokens,
		FinishReason: parsed.Choices[0].FinishReason,
		LatencyMS:    time.Since(start).Milliseconds(),
	}
	resp.CostUSD = p.model.Cost(resp.TokensInput, resp.TokensOutput)
	return resp, nil
}

func (p *OpenAIProvider) doChatRequest(ctx context.Context, req ChatRequest) (*chatCompletionResponse, error) {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(chatCompletionRequest{
		Model:       p.model.ID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: "openai", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Provider: "openai", Code: ErrConnection,
			Message: err.Error(), Retriable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyChatError(resp.StatusCode, respBody)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, backoff.Permanent(&Error{Provider: "openai",
			Code: ErrBadResponse, Message: err.Error()})
	}
	return &parsed, nil
}

func classifyChatError(status int, body []byte) error {
	var parsed openAIErrorResponse
	_ = json.Unmarshal(body, &parsed)
	msg := parsed.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusUnauthorized:
		return backoff.Permanent(&Error{Provider: "openai", Code: ErrAuth, Message: msg})
	case status == http.StatusNotFound:
		return backoff.Permanent(&Error{Provider: "openai", Code: ErrModelNotFound, Message: msg})
	case status == http.StatusTooManyRequests:
		lower := strings.ToLower(msg + parsed.Error.Type + parsed.Error.Code)
		if strings.Contains(lower, "quota") {
			return backoff.Permanent(&Error{Provider: "openai",
				Code: ErrQuotaExhausted, Message: msg})
		}
		return &Error{Provider: "openai", Code: ErrRateLimited, Message: msg, Retriable: true}
	case status >= 500:
		return &Error{Provider: "openai", Code: ErrServer, Message: msg, Retriable: true}
	default:
		return backoff.Permanent(&Error{Provider: "openai", Code: ErrBadResponse,
			Message: fmt.Sprintf("status %d: %s", status, msg)})
	}
}
