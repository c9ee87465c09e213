package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/model"
	"github.com/ashita-ai/yakuin/internal/storage"
	"github.com/ashita-ai/yakuin/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newAgent(t *testing.T) model.Agent {
	t.Helper()
	spec := model.AgentSpec{
		Name:           "agent-" + uuid.New().String()[:8],
		RoleDefinition: "You are a test agent used by storage tests.",
		Capabilities:   []string{"testing"},
		Memory:         model.MemoryPolicy{Scope: model.MemoryScopePrivate, MaxTokens: 4000, RetentionDays: 90},
		Guardrails:     model.Guardrails{BudgetUSDPerDay: 10, MaxToolCallsPerRun: 50},
		LLM:            model.LLMConfig{Model: "anthropic/claude-sonnet-4", Temperature: 0.3, MaxTokens: 4096},
	}
	agent, err := testDB.CreateAgent(context.Background(), spec)
	require.NoError(t, err)
	return agent
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), os.DirFS("../../migrations")))
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)
	assert.Equal(t, model.AgentStatusActive, agent.Status)
	assert.Equal(t, agent.Name, agent.DisplayName)

	got, err := testDB.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, agent.Spec.RoleDefinition, got.Spec.RoleDefinition)
	assert.Equal(t, 50, got.Spec.Guardrails.MaxToolCallsPerRun)

	byName, err := testDB.GetAgentByName(ctx, agent.Name)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, byName.ID)

	_, err = testDB.CreateAgent(ctx, agent.Spec)
	assert.ErrorIs(t, err, storage.ErrConflict)

	_, err = testDB.GetAgent(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateAgentSpecKeepsName(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	spec := agent.Spec
	spec.DisplayName = "Renamed Display"
	updated, err := testDB.UpdateAgentSpec(ctx, agent.ID, spec)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Display", updated.DisplayName)

	spec.Name = "different-name"
	_, err = testDB.UpdateAgentSpec(ctx, agent.ID, spec)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertAgent(t *testing.T) {
	ctx := context.Background()
	spec := model.AgentSpec{Name: "upsert-" + uuid.New().String()[:8], RoleDefinition: "first definition"}

	first, created, err := testDB.UpsertAgent(ctx, spec)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = testDB.SetAgentStatus(ctx, first.ID, model.AgentStatusDeployed)
	require.NoError(t, err)

	spec.RoleDefinition = "second definition"
	second, created, err := testDB.UpsertAgent(ctx, spec)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "second definition", second.Spec.RoleDefinition)
	assert.Equal(t, model.AgentStatusDeployed, second.Status, "upsert must not reset status")
}

func TestListAgentsByStatus(t *testing.T) {
	ctx := context.Background()
	a := newAgent(t)
	_, err := testDB.SetAgentStatus(ctx, a.ID, model.AgentStatusInactive)
	require.NoError(t, err)

	inactive := model.AgentStatusInactive
	agents, err := testDB.ListAgents(ctx, &inactive)
	require.NoError(t, err)
	found := false
	for _, got := range agents {
		assert.Equal(t, model.AgentStatusInactive, got.Status)
		if got.ID == a.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	exec, err := testDB.CreateExecution(ctx, agent.ID, "ping", model.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusRunning, exec.Status)

	_, err = testDB.InsertToolCall(ctx, model.ToolCall{
		ExecutionID: exec.ID,
		ToolID:      "sql_query",
		Input:       json.RawMessage(`{"query":"SELECT 1","table":"metrics"}`),
		Output:      json.RawMessage(`{"message":"ok"}`),
		DurationMS:  3,
	})
	require.NoError(t, err)

	_, err = testDB.CreateArtifact(ctx, model.Artifact{
		ExecutionID: exec.ID, AgentID: agent.ID, Title: "report", Content: "pong",
	})
	require.NoError(t, err)

	err = testDB.FinishExecution(ctx, exec.ID, model.ExecutionOutcome{
		Status: model.ExecutionStatusCompleted, DurationMS: 12, TokensIn: 1000, TokensOut: 100,
		CostEstimateUSD: 0.0045,
	})
	require.NoError(t, err)

	err = testDB.FinishExecution(ctx, exec.ID, model.ExecutionOutcome{Status: model.ExecutionStatusFailed, Error: "late"})
	assert.ErrorIs(t, err, storage.ErrAlreadyTerminal)

	detail, err := testDB.GetExecutionDetail(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, detail.Status)
	require.NotNil(t, detail.EndedAt)
	assert.Nil(t, detail.Error)
	require.Len(t, detail.ToolCalls, 1)
	assert.JSONEq(t, `{"message":"ok"}`, string(detail.ToolCalls[0].Output))
	require.Len(t, detail.Artifacts, 1)
	assert.Equal(t, model.ArtifactTypeMarkdown, detail.Artifacts[0].ArtifactType)

	latest, err := testDB.LatestArtifact(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, "pong", latest.Content)

	spent, err := testDB.SpentSince(ctx, agent.ID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.0045, spent, 1e-9)
}

func TestCompleteExecutionIsAtomic(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	exec, err := testDB.CreateExecution(ctx, agent.ID, "ping", model.TriggerManual)
	require.NoError(t, err)

	outcome := model.ExecutionOutcome{Status: model.ExecutionStatusCompleted, DurationMS: 7, TokensIn: 10, TokensOut: 2}
	art, err := testDB.CompleteExecution(ctx, exec.ID, outcome,
		model.Artifact{AgentID: agent.ID, Title: "report", Content: "pong"},
		model.Memory{AgentID: agent.ID, Content: "Ran with prompt: 'ping'.", MemoryType: model.MemoryTypeExecution, TokenCount: 4},
	)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, art.ExecutionID)

	detail, err := testDB.GetExecutionDetail(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, detail.Status)
	require.Len(t, detail.Artifacts, 1)
	assert.Equal(t, art.ID, detail.Artifacts[0].ID)

	// A second completion of the same row writes nothing.
	_, err = testDB.CompleteExecution(ctx, exec.ID, outcome,
		model.Artifact{AgentID: agent.ID, Title: "again", Content: "dup"},
		model.Memory{AgentID: agent.ID, Content: "dup", MemoryType: model.MemoryTypeExecution},
	)
	assert.ErrorIs(t, err, storage.ErrAlreadyTerminal)

	arts, err := testDB.ListArtifacts(ctx, exec.ID)
	require.NoError(t, err)
	assert.Len(t, arts, 1)

	var contents []string
	require.NoError(t, testDB.ScanMemoriesNewestFirst(ctx, agent.ID, func(m model.Memory) bool {
		contents = append(contents, m.Content)
		return true
	}))
	assert.Equal(t, []string{"Ran with prompt: 'ping'."}, contents)
}

func TestListExecutionsByAgent(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)
	for range 3 {
		_, err := testDB.CreateExecution(ctx, agent.ID, "p", model.TriggerSchedule)
		require.NoError(t, err)
	}

	execs, total, err := testDB.ListExecutionsByAgent(ctx, agent.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, execs, 2)
}

func TestListExecutionsAcrossAgents(t *testing.T) {
	ctx := context.Background()
	a, b := newAgent(t), newAgent(t)
	_, err := testDB.CreateExecution(ctx, a.ID, "p", model.TriggerManual)
	require.NoError(t, err)
	_, err = testDB.CreateExecution(ctx, b.ID, "p", model.TriggerManual)
	require.NoError(t, err)

	all, total, err := testDB.ListExecutions(ctx, nil, 100, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, 2)
	seen := map[uuid.UUID]bool{}
	for _, e := range all {
		seen[e.AgentID] = true
	}
	assert.True(t, seen[a.ID])
	assert.True(t, seen[b.ID])

	only, total, err := testDB.ListExecutions(ctx, &b.ID, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, only, 1)
	assert.Equal(t, b.ID, only[0].AgentID)
}

func TestGetArtifact(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)
	exec, err := testDB.CreateExecution(ctx, agent.ID, "ping", model.TriggerManual)
	require.NoError(t, err)
	art, err := testDB.CreateArtifact(ctx, model.Artifact{
		ExecutionID: exec.ID, AgentID: agent.ID, Title: "report", Content: "pong",
	})
	require.NoError(t, err)

	got, err := testDB.GetArtifact(ctx, art.ID)
	require.NoError(t, err)
	assert.Equal(t, "pong", got.Content)
	assert.Equal(t, exec.ID, got.ExecutionID)

	_, err = testDB.GetArtifact(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLatestArtifactNotFound(t *testing.T) {
	_, err := testDB.LatestArtifact(context.Background(), newAgent(t).ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPermissionsExactMatch(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	p1, err := testDB.GrantPermission(ctx, agent.ID, model.ResourceTable, "metrics", model.PermissionRead)
	require.NoError(t, err)
	p2, err := testDB.GrantPermission(ctx, agent.ID, model.ResourceTable, "metrics", model.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID, "granting twice must be idempotent")

	ok, err := testDB.HasPermission(ctx, agent.ID, model.ResourceTable, "metrics")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = testDB.HasPermission(ctx, agent.ID, model.ResourceTable, "metrics_2024")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = testDB.HasPermission(ctx, agent.ID, model.ResourceVectorNamespace, "metrics")
	require.NoError(t, err)
	assert.False(t, ok)

	perms, err := testDB.ListPermissions(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 1)
}

func TestGrantIsUniquePerResource(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	read, err := testDB.GrantPermission(ctx, agent.ID, model.ResourceFile, "q3.pdf", model.PermissionRead)
	require.NoError(t, err)
	write, err := testDB.GrantPermission(ctx, agent.ID, model.ResourceFile, "q3.pdf", model.Permission("write"))
	require.NoError(t, err)
	assert.Equal(t, read.ID, write.ID)
	assert.Equal(t, model.Permission("write"), write.Permission)

	perms, err := testDB.ListPermissions(ctx, agent.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, model.Permission("write"), perms[0].Permission)

	ok, err := testDB.HasPermission(ctx, agent.ID, model.ResourceFile, "q3.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccessLogIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)

	require.NoError(t, testDB.InsertAccessLog(ctx, model.AccessLogEntry{
		AgentID: agent.ID, ResourceType: model.ResourceTable, ResourceID: "metrics",
		Action: "read", Decision: model.DecisionDeny,
	}))

	entries, err := testDB.ListAccessLog(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.DecisionDeny, entries[0].Decision)

	_, err = testDB.Pool().Exec(ctx, `DELETE FROM access_log WHERE agent_id = $1`, agent.ID)
	require.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `UPDATE access_log SET decision = 'allow' WHERE agent_id = $1`, agent.ID)
	require.Error(t, err)
}

func TestMemoryReplaceAndPrune(t *testing.T) {
	ctx := context.Background()
	agent := newAgent(t)
	base := time.Now().UTC().Add(-48 * time.Hour)

	var ids []uuid.UUID
	for i := range 4 {
		m, err := testDB.InsertMemory(ctx, model.Memory{
			AgentID: agent.ID, Content: "fact", MemoryType: model.MemoryTypeFact,
			TokenCount: 1, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	oldest, err := testDB.OldestMemories(ctx, agent.ID, 2)
	require.NoError(t, err)
	require.Len(t, oldest, 2)
	assert.Equal(t, ids[0], oldest[0].ID)
	assert.Equal(t, ids[1], oldest[1].ID)

	_, err = testDB.ReplaceMemories(ctx, agent.ID, ids[:2], model.Memory{
		Content: "[SUMMARY] two facts", MemoryType: model.MemoryTypeSummary, TokenCount: 3,
		CreatedAt: base.Add(-time.Hour),
	})
	require.NoError(t, err)

	n, err := testDB.CountMemories(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var seen []model.MemoryType
	require.NoError(t, testDB.ScanMemoriesNewestFirst(ctx, agent.ID, func(m model.Memory) bool {
		seen = append(seen, m.MemoryType)
		return len(seen) < 2
	}))
	assert.Equal(t, []model.MemoryType{model.MemoryTypeFact, model.MemoryTypeFact}, seen)

	pruned, err := testDB.PruneMemories(ctx, agent.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	left, err := testDB.ListMemories(ctx, agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, model.MemoryTypeSummary, left[0].MemoryType)
}

func TestChunkSearchFiltersNamespace(t *testing.T) {
	ctx := context.Background()
	fileID := uuid.New()
	ns := "ns-" + uuid.New().String()[:8]

	_, err := testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: fileID, Filename: "a.md", Namespace: ns, ChunkIndex: 0, ChunkText: "revenue", Embedding: []float32{1, 0, 0}},
		{FileID: fileID, Filename: "a.md", Namespace: ns, ChunkIndex: 1, ChunkText: "costs", Embedding: []float32{0, 1, 0}},
		{FileID: uuid.New(), Filename: "b.md", Namespace: ns + "-other", ChunkIndex: 0, ChunkText: "secret", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	hits, err := testDB.SearchChunks(ctx, []float32{1, 0, 0}, []string{ns}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "revenue", hits[0].ChunkText)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	for _, h := range hits {
		assert.Equal(t, ns, h.Namespace)
	}

	none, err := testDB.SearchChunks(ctx, []float32{1, 0, 0}, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	got, err := testDB.GetChunks(ctx, []uuid.UUID{hits[1].ChunkID, hits[0].ChunkID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "costs", got[0].ChunkText)
}

func TestReingestTrimsTrailingChunks(t *testing.T) {
	ctx := context.Background()
	fileID := uuid.New()
	ns := "ns-" + uuid.New().String()[:8]

	first, err := testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: fileID, Filename: "plan.md", Namespace: ns, ChunkIndex: 0, ChunkText: "q1", Embedding: []float32{1, 0, 0}},
		{FileID: fileID, Filename: "plan.md", Namespace: ns, ChunkIndex: 1, ChunkText: "q2", Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	second, err := testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: fileID, Filename: "plan.md", Namespace: ns, ChunkIndex: 0, ChunkText: "q1 revised", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID, "a replaced chunk keeps its id")

	hits, err := testDB.SearchChunks(ctx, []float32{1, 0, 0}, []string{ns}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "q1 revised", hits[0].ChunkText)
}

func TestFileSummaries(t *testing.T) {
	ctx := context.Background()
	ns := "ns-" + uuid.New().String()[:8]
	done, pending := uuid.New(), uuid.New()

	_, err := testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: done, Filename: "q3.md", Namespace: ns, ChunkIndex: 0, ChunkText: "a", Embedding: []float32{1, 0, 0}},
		{FileID: done, Filename: "q3.md", Namespace: ns, ChunkIndex: 1, ChunkText: "b", Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)
	_, err = testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: pending, Filename: "q4.md", Namespace: ns, ChunkIndex: 0, ChunkText: "c", Embedding: []float32{1, 0, 0}},
		{FileID: pending, Filename: "q4.md", Namespace: ns, ChunkIndex: 1, ChunkText: "d"},
	})
	require.NoError(t, err)

	files, err := testDB.ListFiles(ctx, ns, 10, 0)
	require.NoError(t, err)
	require.Len(t, files, 2)
	byID := map[uuid.UUID]model.FileSummary{}
	for _, f := range files {
		assert.Equal(t, ns, f.Namespace)
		byID[f.FileID] = f
	}
	assert.Equal(t, model.FileStatusIndexed, byID[done].Status)
	assert.Equal(t, 2, byID[done].Chunks)
	assert.Equal(t, model.FileStatusPending, byID[pending].Status)
	assert.Equal(t, 1, byID[pending].ChunksEmbedded)

	st, err := testDB.GetFileStatus(ctx, done)
	require.NoError(t, err)
	assert.Equal(t, "q3.md", st.Filename)
	assert.Equal(t, 2, st.ChunksEmbedded)

	_, err = testDB.GetFileStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChunkSearchSkipsZeroVectors(t *testing.T) {
	ctx := context.Background()
	ns := "ns-" + uuid.New().String()[:8]
	_, err := testDB.InsertChunks(ctx, []model.FileChunk{
		{FileID: uuid.New(), Filename: "z.md", Namespace: ns, ChunkIndex: 0, ChunkText: "zero", Embedding: []float32{0, 0, 0}},
		{FileID: uuid.New(), Filename: "r.md", Namespace: ns, ChunkIndex: 0, ChunkText: "real", Embedding: []float32{1, 0, 0}},
	})
	require.NoError(t, err)

	hits, err := testDB.SearchChunks(ctx, []float32{1, 0, 0}, []string{ns}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "real", hits[0].ChunkText)

	hits, err = testDB.SearchChunks(ctx, []float32{0, 0, 0}, []string{ns}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
