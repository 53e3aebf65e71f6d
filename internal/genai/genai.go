// Package genai wraps the OpenAI chat completion API for the bot's
// free-form replies, intent classification and ai_response nodes.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when neither the client nor the request names a model.
const DefaultModel = "gpt-4o-mini"

// ErrNoChoicesReturned is returned when the API answers without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrMissingAPIKey is returned by NewClient when no key is configured.
var ErrMissingAPIKey = errors.New("openai api key not set")

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request describes a single completion call. Zero values fall back to the
// client defaults.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage reports token accounting for a completion.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is the text produced by the model.
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Completer is implemented by Client and MockClient.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// chatService defines the minimal surface of the OpenAI SDK used here.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration for the client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	DebugDir    string
}

// Option configures the client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the default completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithDebugDir enables writing every request/response pair as JSON under dir/debug.
func WithDebugDir(dir string) Option {
	return func(o *Opts) { o.DebugDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int
	debugDir    string
}

// NewClient initializes a new GenAI client. The key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: 0.7, MaxTokens: 500}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("GenAI client initialized", "model", cfg.Model, "base_url", cfg.BaseURL, "debug", cfg.DebugDir != "")
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugDir:    cfg.DebugDir,
	}, nil
}

// Complete sends the transcript to the model and returns the first choice.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("genai: empty message list")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		model = DefaultModel
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toParams(req.Messages),
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(maxTokens))
	}

	start := time.Now()
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("GenAI.Complete: API call failed", "model", model, "error", err)
		return nil, fmt.Errorf("genai: chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		slog.Warn("GenAI.Complete: no choices returned", "model", model)
		return nil, ErrNoChoicesReturned
	}

	out := &Completion{
		Text:  strings.TrimSpace(resp.Choices[0].Message.Content),
		Model: model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	slog.Debug("GenAI.Complete: succeeded", "model", model, "tokens", out.Usage.TotalTokens, "elapsed", time.Since(start))
	c.writeDebug(model, req, out)
	return out, nil
}

// Generate is a convenience wrapper for a single system + user exchange.
func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	res, err := c.Complete(ctx, Request{Messages: []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	}})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

type debugEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	Model     string      `json:"model"`
	Request   Request     `json:"request"`
	Response  *Completion `json:"response"`
}

// writeDebug persists a request/response pair when debug output is enabled.
// Failures are logged and otherwise ignored.
func (c *Client) writeDebug(model string, req Request, res *Completion) {
	if c.debugDir == "" {
		return
	}
	dir := filepath.Join(c.debugDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI debug dir create failed", "dir", dir, "error", err)
		return
	}
	now := time.Now().UTC()
	data, err := json.MarshalIndent(debugEntry{Timestamp: now, Model: model, Request: req, Response: res}, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug marshal failed", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%d.json", now.Format("20060102T150405"), now.UnixNano())
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("GenAI debug write failed", "error", err)
	}
}
