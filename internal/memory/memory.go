// Package memory implements the per-agent append-only fact log: budgeted
// retrieval for prompts, LLM-driven compaction, and retention pruning.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/yakuin/internal/llm"
	"github.com/ashita-ai/yakuin/internal/model"
)

// Backend is the persistence the store needs. *storage.DB satisfies it.
type Backend interface {
	InsertMemory(ctx context.Context, m model.Memory) (model.Memory, error)
	ScanMemoriesNewestFirst(ctx context.Context, agentID uuid.UUID, fn func(model.Memory) bool) error
	CountMemories(ctx context.Context, agentID uuid.UUID) (int, error)
	OldestMemories(ctx context.Context, agentID uuid.UUID, n int) ([]model.Memory, error)
	ReplaceMemories(ctx context.Context, agentID uuid.UUID, ids []uuid.UUID, summary model.Memory) (model.Memory, error)
	PruneMemories(ctx context.Context, agentID uuid.UUID, cutoff time.Time) (int64, error)
}

// Summarizer condenses a block of dated bullet lines into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, entries string) (string, error)
}

// Store reads and writes agent memory.
type Store struct {
	backend    Backend
	summarizer Summarizer
	logger     *slog.Logger
	now        func() time.Time
}

// NewStore creates a store. summarizer may be nil, in which case Compact
// is a no-op.
func NewStore(backend Backend, summarizer Summarizer, logger *slog.Logger) *Store {
	return &Store{backend: backend, summarizer: summarizer, logger: logger, now: time.Now}
}

// CountTokens approximates tokens as whitespace-separated words.
func CountTokens(s string) int {
	return len(strings.Fields(s))
}

func weight(m model.Memory) int {
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	return CountTokens(m.Content)
}

// Get returns the newest memories that fit in maxTokens, rendered
// oldest-first as "[YYYY-MM-DD] content" lines. Rows past the budget are
// left in place.
func (s *Store) Get(ctx context.Context, agentID uuid.UUID, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	var (
		window []model.Memory
		used   int
	)
	err := s.backend.ScanMemoriesNewestFirst(ctx, agentID, func(m model.Memory) bool {
		w := weight(m)
		if used+w > maxTokens {
			return false
		}
		used += w
		window = append(window, m)
		return true
	})
	if err != nil {
		return "", fmt.Errorf("memory: get: %w", err)
	}

	var b strings.Builder
	for i := len(window) - 1; i >= 0; i-- {
		m := window[i]
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s", m.CreatedAt.UTC().Format(time.DateOnly), m.Content)
	}
	return b.String(), nil
}

// Append writes one memory row.
func (s *Store) Append(ctx context.Context, agentID uuid.UUID, content string, memoryType model.MemoryType) (model.Memory, error) {
	if memoryType == "" {
		memoryType = model.MemoryTypeFact
	}
	if !memoryType.Valid() {
		return model.Memory{}, fmt.Errorf("memory: unknown memory type %q", memoryType)
	}
	m, err := s.backend.InsertMemory(ctx, model.Memory{
		AgentID:    agentID,
		Content:    content,
		MemoryType: memoryType,
		TokenCount: CountTokens(content),
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return model.Memory{}, fmt.Errorf("memory: append: %w", err)
	}
	return m, nil
}

// CompactResult reports what a compaction did.
type CompactResult struct {
	Compacted  bool   `json:"compacted"`
	Before     int    `json:"before"`
	Summarized int    `json:"summarized"`
	After      int    `json:"after"`
	SummaryID  string `json:"summary_id,omitempty"`
}

// Compact replaces the oldest half of an agent's memories with one summary
// row when the agent has more than maxEntries rows. A half smaller than two
// rows is left alone, since summarizing it would not shrink the table.
// Nothing is deleted unless the summarizer succeeds.
func (s *Store) Compact(ctx context.Context, agentID uuid.UUID, maxEntries int) (CompactResult, error) {
	total, err := s.backend.CountMemories(ctx, agentID)
	if err != nil {
		return CompactResult{}, fmt.Errorf("memory: compact: %w", err)
	}
	res := CompactResult{Before: total, After: total}
	if total <= maxEntries || total/2 < 2 || s.summarizer == nil {
		return res, nil
	}

	oldest, err := s.backend.OldestMemories(ctx, agentID, total/2)
	if err != nil {
		return res, fmt.Errorf("memory: compact: %w", err)
	}
	if len(oldest) == 0 {
		return res, nil
	}

	var b strings.Builder
	ids := make([]uuid.UUID, 0, len(oldest))
	for _, m := range oldest {
		fmt.Fprintf(&b, "- [%s] %s\n", m.CreatedAt.UTC().Format(time.DateOnly), m.Content)
		ids = append(ids, m.ID)
	}

	summary, err := s.summarizer.Summarize(ctx, b.String())
	if err != nil {
		return res, fmt.Errorf("memory: summarize: %w", err)
	}

	content := "[SUMMARY] " + strings.TrimSpace(summary)
	// The summary takes the oldest summarized timestamp so it keeps its
	// place at the front of the chronological window.
	row, err := s.backend.ReplaceMemories(ctx, agentID, ids, model.Memory{
		Content:    content,
		MemoryType: model.MemoryTypeSummary,
		TokenCount: CountTokens(content),
		CreatedAt:  oldest[0].CreatedAt,
	})
	if err != nil {
		return res, fmt.Errorf("memory: compact: %w", err)
	}

	s.logger.Info("memory: compacted", "agent_id", agentID, "summarized", len(ids), "before", total)
	res.Compacted = true
	res.Summarized = len(ids)
	res.After = total - len(ids) + 1
	res.SummaryID = row.ID.String()
	return res, nil
}

// Prune deletes non-summary memories older than retentionDays. A
// non-positive retention keeps everything.
func (s *Store) Prune(ctx context.Context, agentID uuid.UUID, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	n, err := s.backend.PruneMemories(ctx, agentID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("memory: prune: %w", err)
	}
	return n, nil
}

// CompactionPrompt is the system prompt used to summarize memory batches.
const CompactionPrompt = "Summarize these agent memory entries into a concise set of key facts and decisions. Preserve dates and important details."

// LLMSummarizer summarizes through a chat completion gateway.
type LLMSummarizer struct {
	Completer llm.Completer
	Model     string
}

// Summarize implements Summarizer.
func (s LLMSummarizer) Summarize(ctx context.Context, entries string) (string, error) {
	resp, err := s.Completer.Complete(ctx, llm.Request{
		Model: s.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: CompactionPrompt},
			{Role: llm.RoleUser, Content: entries},
		},
		MaxTokens: 1000,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Message.Content)
	if text == "" {
		return "", fmt.Errorf("memory: summarizer returned empty text")
	}
	return text, nil
}
