package telemetry

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/model"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "yakuin", "test", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEngineObserverOnNoopProvider(t *testing.T) {
	o, err := NewEngineObserver()
	require.NoError(t, err)

	agent := model.Agent{ID: uuid.New(), Name: "cfo-agent"}
	assert.NotPanics(t, func() {
		ctx := o.RunStarted(context.Background(), agent, uuid.New())
		o.ToolInvoked(ctx, agent, model.ToolCall{ToolID: "sql_query", DurationMS: 4})
		o.RunFinished(ctx, agent, model.ExecutionResult{
			Status: model.ExecutionStatusFailed, DurationMS: 1200, TokensIn: 1000, TokensOut: 100,
			CostEstimateUSD: 0.0045, Error: "upstream timeout",
		})
	})
}
