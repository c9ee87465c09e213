package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	kit "github.com/vinayprograms/agentkit/llm"
)

func mockClient(t *testing.T, opts Options, mock *kit.MockProvider, configs *[]kit.ProviderConfig) *Client {
	t.Helper()
	return NewClient(opts).WithProviderFactory(func(cfg kit.ProviderConfig) (kit.Provider, error) {
		if configs != nil {
			*configs = append(*configs, cfg)
		}
		return mock, nil
	})
}

func TestCompleteParsesToolCalls(t *testing.T) {
	mock := kit.NewMockProvider()
	mock.ChatFunc = func(_ context.Context, req kit.ChatRequest) (*kit.ChatResponse, error) {
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "sql_query", req.Tools[0].Name)
		assert.Equal(t, "object", req.Tools[0].Parameters["type"])
		return &kit.ChatResponse{
			ToolCalls: []kit.ToolCallResponse{
				{ID: "call_1", Name: "sql_query", Args: map[string]interface{}{"query": "select * from metrics"}},
			},
			InputTokens:  120,
			OutputTokens: 18,
		}, nil
	}
	var configs []kit.ProviderConfig
	c := mockClient(t, Options{BaseURL: "https://openrouter.ai/api/v1", APIKey: "or-key"}, mock, &configs)

	resp, err := c.Complete(context.Background(), Request{
		Model:     "anthropic/claude-3.5-sonnet",
		MaxTokens: 4096,
		Messages:  []Message{{Role: RoleUser, Content: "how are metrics?"}},
		Tools: []Tool{{Type: "function", Function: FunctionDefinition{
			Name: "sql_query", Parameters: json.RawMessage(`{"type":"object"}`),
		}}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.Equal(t, "call_1", resp.Message.ToolCalls[0].ID)
	assert.Equal(t, "function", resp.Message.ToolCalls[0].Type)
	assert.JSONEq(t, `{"query":"select * from metrics"}`, resp.Message.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 120, resp.Usage.PromptTokens)
	assert.Equal(t, 18, resp.Usage.CompletionTokens)

	require.Len(t, configs, 1)
	assert.Equal(t, DefaultProvider, configs[0].Provider)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", configs[0].Model)
	assert.Equal(t, 4096, configs[0].MaxTokens)
	assert.Equal(t, "or-key", configs[0].APIKey)
	assert.Equal(t, "https://openrouter.ai/api/v1", configs[0].BaseURL)
}

func TestCompleteReplaysToolHistory(t *testing.T) {
	mock := kit.NewMockProvider()
	mock.SetResponse("done")
	c := mockClient(t, Options{APIKey: "k"}, mock, nil)

	_, err := c.Complete(context.Background(), Request{
		Model: "m",
		Messages: []Message{
			{Role: RoleUser, Content: "go"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "c1", Type: "function", Function: FunctionCall{Name: "file_search", Arguments: `{"query":"q3"}`}},
				{ID: "c2", Type: "function", Function: FunctionCall{Name: "sql_query", Arguments: `not json`}},
			}},
			{Role: RoleTool, ToolCallID: "c1", Content: `{"results":[]}`},
		},
	})
	require.NoError(t, err)

	sent := mock.LastRequest().Messages
	require.Len(t, sent, 3)
	require.Len(t, sent[1].ToolCalls, 2)
	assert.Equal(t, "q3", sent[1].ToolCalls[0].Args["query"])
	assert.Equal(t, "not json", sent[1].ToolCalls[1].Args["raw"])
	assert.Equal(t, "c1", sent[2].ToolCallID)
}

func TestCompleteReusesProviderPerModelAndBudget(t *testing.T) {
	mock := kit.NewMockProvider()
	mock.SetResponse("ok")
	var configs []kit.ProviderConfig
	c := mockClient(t, Options{APIKey: "k"}, mock, &configs)

	ctx := context.Background()
	for _, req := range []Request{
		{Model: "a", MaxTokens: 100},
		{Model: "a", MaxTokens: 100},
		{Model: "a", MaxTokens: 200},
		{Model: "b", MaxTokens: 100},
	} {
		_, err := c.Complete(ctx, req)
		require.NoError(t, err)
	}
	assert.Len(t, configs, 3)
}

func TestCompleteSurfacesProviderError(t *testing.T) {
	mock := kit.NewMockProvider()
	mock.ChatFunc = func(context.Context, kit.ChatRequest) (*kit.ChatResponse, error) {
		return nil, errors.New("status 429: rate limited")
	}
	_, err := mockClient(t, Options{APIKey: "k"}, mock, nil).Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Contains(t, err.Error(), "rate limited")
}

func TestCompleteProviderConstructionError(t *testing.T) {
	c := NewClient(Options{APIKey: "k"}).WithProviderFactory(func(kit.ProviderConfig) (kit.Provider, error) {
		return nil, errors.New("unknown provider")
	})
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestCompleteTimeout(t *testing.T) {
	var sawDeadline atomic.Bool
	mock := kit.NewMockProvider()
	mock.ChatFunc = func(ctx context.Context, _ kit.ChatRequest) (*kit.ChatResponse, error) {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c := mockClient(t, Options{APIKey: "k", Timeout: 20 * time.Millisecond}, mock, nil)
	_, err := c.Complete(context.Background(), Request{Model: "m"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, sawDeadline.Load())
}

func TestCompleteWithoutKey(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "http://unused"}).Complete(context.Background(), Request{Model: "m"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestCompleteRequiresModel(t *testing.T) {
	_, err := NewClient(Options{APIKey: "k"}).Complete(context.Background(), Request{})
	assert.Error(t, err)
}
