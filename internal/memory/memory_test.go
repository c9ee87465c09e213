package memory

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/yakuin/internal/llm"
	"github.com/ashita-ai/yakuin/internal/model"
)

type fakeBackend struct {
	mu   sync.Mutex
	rows []model.Memory
}

func (f *fakeBackend) sorted(agentID uuid.UUID) []model.Memory {
	var out []model.Memory
	for _, m := range f.rows {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (f *fakeBackend) InsertMemory(_ context.Context, m model.Memory) (model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m.ID = uuid.New()
	f.rows = append(f.rows, m)
	return m, nil
}

func (f *fakeBackend) ScanMemoriesNewestFirst(_ context.Context, agentID uuid.UUID, fn func(model.Memory) bool) error {
	f.mu.Lock()
	rows := f.sorted(agentID)
	f.mu.Unlock()
	for i := len(rows) - 1; i >= 0; i-- {
		if !fn(rows[i]) {
			return nil
		}
	}
	return nil
}

func (f *fakeBackend) CountMemories(_ context.Context, agentID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sorted(agentID)), nil
}

func (f *fakeBackend) OldestMemories(_ context.Context, agentID uuid.UUID, n int) ([]model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.sorted(agentID)
	if n > len(rows) {
		n = len(rows)
	}
	return rows[:n], nil
}

func (f *fakeBackend) ReplaceMemories(_ context.Context, agentID uuid.UUID, ids []uuid.UUID, summary model.Memory) (model.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := map[uuid.UUID]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.rows[:0]
	for _, m := range f.rows {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	f.rows = kept
	summary.ID = uuid.New()
	summary.AgentID = agentID
	f.rows = append(f.rows, summary)
	return summary, nil
}

func (f *fakeBackend) PruneMemories(_ context.Context, agentID uuid.UUID, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	kept := f.rows[:0]
	for _, m := range f.rows {
		if m.AgentID == agentID && m.CreatedAt.Before(cutoff) && m.MemoryType != model.MemoryTypeSummary {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.rows = kept
	return n, nil
}

type fakeSummarizer struct {
	text  string
	err   error
	input string
}

func (f *fakeSummarizer) Summarize(_ context.Context, entries string) (string, error) {
	f.input = entries
	return f.text, f.err
}

func newTestStore(b *fakeBackend, s Summarizer) (*Store, *time.Time) {
	st := NewStore(b, s, slog.New(slog.DiscardHandler))
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	st.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return st, &clock
}

func TestAppendThenGetUnbounded(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(&fakeBackend{}, nil)
	agent := uuid.New()

	m, err := store.Append(ctx, agent, "Q3 revenue grew 12 percent", model.MemoryTypeFact)
	require.NoError(t, err)
	assert.Equal(t, 5, m.TokenCount)

	text, err := store.Get(ctx, agent, math.MaxInt32)
	require.NoError(t, err)
	assert.Equal(t, "[2026-03-01] Q3 revenue grew 12 percent", text)
}

func TestGetZeroBudgetIsEmpty(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(&fakeBackend{}, nil)
	agent := uuid.New()
	_, err := store.Append(ctx, agent, "something", "")
	require.NoError(t, err)

	text, err := store.Get(ctx, agent, 0)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestGetKeepsNewestWithinBudgetInChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(&fakeBackend{}, nil)
	agent := uuid.New()
	for _, c := range []string{"one two three", "four five", "six seven", "eight"} {
		_, err := store.Append(ctx, agent, c, model.MemoryTypeFact)
		require.NoError(t, err)
	}

	// Budget 5: "eight" (1) + "six seven" (2) + "four five" (2) fit; "one two three" does not.
	text, err := store.Get(ctx, agent, 5)
	require.NoError(t, err)
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[0], "four five"))
	assert.True(t, strings.HasSuffix(lines[2], "eight"))
}

func TestGetIsolatesAgents(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(&fakeBackend{}, nil)
	a, b := uuid.New(), uuid.New()
	_, err := store.Append(ctx, a, "private to a", model.MemoryTypeFact)
	require.NoError(t, err)

	text, err := store.Get(ctx, b, 1000)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestAppendRejectsUnknownType(t *testing.T) {
	store, _ := newTestStore(&fakeBackend{}, nil)
	_, err := store.Append(context.Background(), uuid.New(), "x", "note")
	assert.Error(t, err)
}

func TestCompactNoopAtThreshold(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	sum := &fakeSummarizer{text: "unused"}
	store, _ := newTestStore(backend, sum)
	agent := uuid.New()
	for range 4 {
		_, err := store.Append(ctx, agent, "fact", model.MemoryTypeFact)
		require.NoError(t, err)
	}

	res, err := store.Compact(ctx, agent, 4)
	require.NoError(t, err)
	assert.False(t, res.Compacted)
	assert.Empty(t, sum.input, "summarizer must not be called")
	n, _ := backend.CountMemories(ctx, agent)
	assert.Equal(t, 4, n)
}

func TestCompactSkipsWhenHalfIsOneRow(t *testing.T) {
	for _, rows := range []int{2, 3} {
		ctx := context.Background()
		backend := &fakeBackend{}
		sum := &fakeSummarizer{text: "unused"}
		store, _ := newTestStore(backend, sum)
		agent := uuid.New()
		for range rows {
			_, err := store.Append(ctx, agent, "fact", model.MemoryTypeFact)
			require.NoError(t, err)
		}

		res, err := store.Compact(ctx, agent, 1)
		require.NoError(t, err)
		assert.False(t, res.Compacted, "rows=%d", rows)
		assert.Equal(t, rows, res.After)
		assert.Empty(t, sum.input)
		n, _ := backend.CountMemories(ctx, agent)
		assert.Equal(t, rows, n)
	}
}

func TestCompactReplacesOldestHalf(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	sum := &fakeSummarizer{text: "Revenue up; hired two engineers."}
	store, _ := newTestStore(backend, sum)
	agent := uuid.New()
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		_, err := store.Append(ctx, agent, c, model.MemoryTypeFact)
		require.NoError(t, err)
	}

	res, err := store.Compact(ctx, agent, 3)
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.Equal(t, 2, res.Summarized)
	assert.Equal(t, 4, res.After)
	assert.Equal(t, "- [2026-03-01] a\n- [2026-03-01] b\n", sum.input)

	rows := backend.sorted(agent)
	require.Len(t, rows, 4)
	summaries := 0
	for _, m := range rows {
		if m.MemoryType == model.MemoryTypeSummary {
			summaries++
			assert.Equal(t, "[SUMMARY] Revenue up; hired two engineers.", m.Content)
		}
	}
	assert.Equal(t, 1, summaries)
	assert.Equal(t, model.MemoryTypeSummary, rows[0].MemoryType, "summary stays at the front")
}

func TestCompactSummarizerFailureDeletesNothing(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	store, _ := newTestStore(backend, &fakeSummarizer{err: errors.New("gateway down")})
	agent := uuid.New()
	for range 6 {
		_, err := store.Append(ctx, agent, "fact", model.MemoryTypeFact)
		require.NoError(t, err)
	}

	_, err := store.Compact(ctx, agent, 2)
	require.Error(t, err)
	n, _ := backend.CountMemories(ctx, agent)
	assert.Equal(t, 6, n)
}

func TestPruneKeepsSummaries(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{}
	store, _ := newTestStore(backend, nil)
	agent := uuid.New()
	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	backend.rows = []model.Memory{
		{ID: uuid.New(), AgentID: agent, Content: "old fact", MemoryType: model.MemoryTypeFact, CreatedAt: old},
		{ID: uuid.New(), AgentID: agent, Content: "[SUMMARY] old", MemoryType: model.MemoryTypeSummary, CreatedAt: old},
	}
	_, err := store.Append(ctx, agent, "fresh", model.MemoryTypeExecution)
	require.NoError(t, err)

	n, err := store.Prune(ctx, agent, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Len(t, backend.sorted(agent), 2)

	n, err = store.Prune(ctx, agent, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type fakeCompleter struct {
	req  llm.Request
	resp *llm.Response
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.req = req
	return f.resp, nil
}

func TestLLMSummarizerRequest(t *testing.T) {
	fc := &fakeCompleter{resp: &llm.Response{Message: llm.Message{Content: "  facts  "}}}
	out, err := LLMSummarizer{Completer: fc, Model: "m"}.Summarize(context.Background(), "- [2026-03-01] a")
	require.NoError(t, err)
	assert.Equal(t, "facts", out)
	assert.Equal(t, CompactionPrompt, fc.req.Messages[0].Content)
	assert.Equal(t, 1000, fc.req.MaxTokens)
}
