// Package openai adapts the OpenAI chat completion API to api.Invoker.
//
// PromptCall nodes reach it through their config:
//
//	config = {
//	  provider = "openai"
//	  model    = "gpt-4o-mini"
//	  prompt   = "Summarize ${input.text}"
//	  params   = { temperature = 0.2, max_tokens = 256, json = true }
//	}
//
// Recognized params are system, temperature, top_p, max_tokens, stop and
// json. With json set the reply must be a JSON object and becomes the node
// output; otherwise the output is {"text": ..., "finish_reason": ...}.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/petrijr/promptflow/internal/xjson"
	"github.com/petrijr/promptflow/pkg/api"
)

// DefaultModel is used when neither the request nor Options name one.
const DefaultModel = "gpt-4o-mini"

// ChatClient is the subset of *goopenai.Client the invoker uses.
type ChatClient interface {
	CreateChatCompletion(context.Context, goopenai.ChatCompletionRequest) (goopenai.ChatCompletionResponse, error)
}

// Price is the cost of one million tokens.
type Price struct {
	Input  float64
	Output float64
}

// Options configure an Invoker.
type Options struct {
	Model  string
	System string
	// Prices maps model names to token prices for InvokeResult.Cost.
	Prices map[string]Price
	Logger *slog.Logger
}

// Invoker calls chat completions.
type Invoker struct {
	client ChatClient
	opts   Options
}

var _ api.Invoker = (*Invoker)(nil)

// New wraps an existing client.
func New(client ChatClient, opts Options) *Invoker {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Invoker{client: client, opts: opts}
}

// NewWithKey builds a client for apiKey. An empty baseURL keeps the
// public endpoint.
func NewWithKey(apiKey, baseURL string, opts Options) *Invoker {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(goopenai.NewClientWithConfig(cfg), opts)
}

type params struct {
	System      string   `json:"system"`
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   int      `json:"max_tokens"`
	Stop        []string `json:"stop"`
	JSON        bool     `json:"json"`
}

// Invoke sends req.Prompt as the user message.
func (i *Invoker) Invoke(ctx context.Context, req api.InvokeRequest) (api.InvokeResult, error) {
	var p params
	if len(req.Params) > 0 {
		if err := xjson.Convert(req.Params, &p); err != nil {
			return api.InvokeResult{}, api.Permanent(fmt.Errorf("openai params: %w", err))
		}
	}

	model := req.Model
	if model == "" {
		model = i.opts.Model
	}
	system := p.System
	if system == "" {
		system = i.opts.System
	}

	creq := goopenai.ChatCompletionRequest{
		Model:               model,
		MaxCompletionTokens: p.MaxTokens,
		Stop:                p.Stop,
	}
	if system != "" {
		creq.Messages = append(creq.Messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	creq.Messages = append(creq.Messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})
	if p.Temperature != nil {
		creq.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		creq.TopP = *p.TopP
	}
	if p.JSON {
		creq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := i.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		i.opts.Logger.Warn("openai_call_failed", slog.String("model", model), slog.Any("error", err))
		return api.InvokeResult{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return api.InvokeResult{}, api.Transient(errors.New("openai returned no choices"))
	}
	choice := resp.Choices[0]

	var out map[string]any
	if p.JSON {
		if err := xjson.Unmarshal([]byte(choice.Message.Content), &out); err != nil {
			return api.InvokeResult{}, api.Permanent(fmt.Errorf("openai reply is not a JSON object: %w", err))
		}
	} else {
		out = map[string]any{
			"text":          choice.Message.Content,
			"finish_reason": string(choice.FinishReason),
		}
	}

	return api.InvokeResult{
		Output:     out,
		TokensUsed: int64(resp.Usage.TotalTokens),
		Cost:       i.cost(model, resp.Usage),
	}, nil
}

func (i *Invoker) cost(model string, u goopenai.Usage) float64 {
	price, ok := i.opts.Prices[model]
	if !ok {
		return 0
	}
	return (float64(u.PromptTokens)*price.Input + float64(u.CompletionTokens)*price.Output) / 1e6
}

// classify marks rate limits, server errors and transport failures as
// transient and every other API error as permanent.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return api.Transient(err)
	}
	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return api.Transient(err)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 || status == 0 {
		return api.Transient(err)
	}
	return api.Permanent(err)
}
