// Package llm adapts agentkit chat providers (OpenRouter by default) to the
// engine's completion vocabulary, with structured tool-call support.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	kit "github.com/vinayprograms/agentkit/llm"
	"golang.org/x/time/rate"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// DefaultProvider routes through agentkit's OpenAI-compatible adapter.
const DefaultProvider = "openrouter"

// ErrNotConfigured is returned when no API key was provided.
var ErrNotConfigured = errors.New("llm: api key not configured")

// Message is one conversation turn.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured tool request made by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function definition offered to the model.
type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes one callable function.
type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a single chat completion round-trip.
type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
	Tools     []Tool
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the assistant turn plus its usage.
type Response struct {
	Message Message
	Usage   Usage
}

// Completer is what the engine and the memory compactor depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderFactory builds an agentkit provider. kit.NewProvider in production.
type ProviderFactory func(kit.ProviderConfig) (kit.Provider, error)

// Options configures a Client.
type Options struct {
	Provider   string // agentkit provider name; empty means DefaultProvider.
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // Per-call timeout; a timeout fails the calling run.
	RPS        float64       // Client-side request pacing; 0 disables it.
	MaxRetries int           // Transient-error retries inside the provider.
}

type providerKey struct {
	model     string
	maxTokens int
}

// Client keeps one provider per (model, max_tokens) pair, since agentkit
// fixes both at construction.
type Client struct {
	opts        Options
	limiter     *rate.Limiter
	newProvider ProviderFactory

	mu        sync.Mutex
	providers map[providerKey]kit.Provider
}

// NewClient creates a gateway client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = DefaultProvider
	}
	c := &Client{
		opts:        opts,
		newProvider: kit.NewProvider,
		providers:   make(map[providerKey]kit.Provider),
	}
	if opts.RPS > 0 {
		burst := int(opts.RPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

// WithProviderFactory replaces how providers are built.
func (c *Client) WithProviderFactory(f ProviderFactory) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.newProvider = f
	c.providers = make(map[providerKey]kit.Provider)
	return c
}

func (c *Client) provider(model string, maxTokens int) (kit.Provider, error) {
	key := providerKey{model: model, maxTokens: maxTokens}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[key]; ok {
		return p, nil
	}
	p, err := c.newProvider(kit.ProviderConfig{
		Provider:    c.opts.Provider,
		Model:       model,
		APIKey:      c.opts.APIKey,
		BaseURL:     c.opts.BaseURL,
		MaxTokens:   maxTokens,
		RetryConfig: kit.RetryConfig{MaxRetries: c.opts.MaxRetries},
	})
	if err != nil {
		return nil, fmt.Errorf("llm: provider for %s: %w", model, err)
	}
	c.providers[key] = p
	return p, nil
}

// Complete performs one chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.opts.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if req.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	p, err := c.provider(req.Model, req.MaxTokens)
	if err != nil {
		return nil, err
	}
	chat, err := toChatRequest(req)
	if err != nil {
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("llm: rate limit wait: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := p.Chat(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("llm: chat %s: %w", req.Model, err)
	}
	if resp == nil {
		return nil, errors.New("llm: empty response")
	}
	return fromChatResponse(resp)
}

func toChatRequest(req Request) (kit.ChatRequest, error) {
	out := kit.ChatRequest{Messages: make([]kit.Message, 0, len(req.Messages))}
	for _, m := range req.Messages {
		km := kit.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			km.ToolCalls = append(km.ToolCalls, kit.ToolCallResponse{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: decodeArgs(tc.Function.Arguments),
			})
		}
		out.Messages = append(out.Messages, km)
	}
	for _, t := range req.Tools {
		params := map[string]interface{}{}
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &params); err != nil {
				return kit.ChatRequest{}, fmt.Errorf("llm: tool %s parameters: %w", t.Function.Name, err)
			}
		}
		out.Tools = append(out.Tools, kit.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return out, nil
}

// decodeArgs keeps malformed argument strings under "raw" so replayed
// history still reaches the provider.
func decodeArgs(s string) map[string]interface{} {
	args := map[string]interface{}{}
	if s == "" {
		return args
	}
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return map[string]interface{}{"raw": s}
	}
	return args
}

func fromChatResponse(resp *kit.ChatResponse) (*Response, error) {
	msg := Message{Role: RoleAssistant, Content: resp.Content}
	for _, tc := range resp.ToolCalls {
		args := []byte("{}")
		if tc.Args != nil {
			b, err := json.Marshal(tc.Args)
			if err != nil {
				return nil, fmt.Errorf("llm: tool call %s arguments: %w", tc.Name, err)
			}
			args = b
		}
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:       tc.ID,
			Type:     "function",
			Function: FunctionCall{Name: tc.Name, Arguments: string(args)},
		})
	}
	return &Response{
		Message: msg,
		Usage:   Usage{PromptTokens: resp.InputTokens, CompletionTokens: resp.OutputTokens},
	}, nil
}
