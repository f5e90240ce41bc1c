package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/deepnoodle-ai/worldflow/retry"
	"github.com/sashabaranov/go-openai"
)

// OpenAIOptions configures the OpenAI generator.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	HTTPClient  *http.Client
	Logger      *slog.Logger

	// MaxRetries re-sends requests that failed with a rate limit or a
	// server error.
	MaxRetries int
	RetryWait  time.Duration
}

// OpenAI generates structured output with the chat completions API.
type OpenAI struct {
	client      *openai.Client
	model       string
	temperature float32
	logger      *slog.Logger
	maxRetries  int
	retryWait   time.Duration
}

// NewOpenAI returns a generator backed by the OpenAI API.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key required")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	config := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		config.BaseURL = opts.BaseURL
	}
	if opts.HTTPClient != nil {
		config.HTTPClient = opts.HTTPClient
	}
	return &OpenAI{
		client:      openai.NewClientWithConfig(config),
		model:       opts.Model,
		temperature: opts.Temperature,
		logger:      opts.Logger,
		maxRetries:  opts.MaxRetries,
		retryWait:   opts.RetryWait,
	}, nil
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: o.temperature,
	}
	if req.Temperature != nil {
		chatReq.Temperature = *req.Temperature
	}
	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})
	if len(req.Schema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "result"
		}
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: req.Schema,
			},
		}
	} else {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	o.logger.Debug("generating via openai", "model", model, "schema", req.SchemaName)
	var resp openai.ChatCompletionResponse
	err := retry.Do(ctx, func() error {
		var err error
		resp, err = o.client.CreateChatCompletion(ctx, chatReq)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return retry.Permanent(err)
		}
		o.logger.Warn("openai request failed", "model", model, "error", err)
		return &EngineError{Provider: "openai", Err: err}
	}, retry.WithMaxRetries(o.maxRetries), retry.WithBaseWait(o.retryWait))
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &EngineError{Provider: "openai", Err: errors.New("no choices returned")}
	}
	content := resp.Choices[0].Message.Content
	if !json.Valid([]byte(content)) {
		return nil, &ValidationError{Schema: req.SchemaName, Err: errors.New("response is not valid JSON")}
	}
	return json.RawMessage(content), nil
}

// statusCode returns the HTTP status of a failed provider call, or 0.
func statusCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
