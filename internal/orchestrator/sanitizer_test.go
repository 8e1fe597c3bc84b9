package orchestrator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub-ai/agenthub/internal/llm"
)

func TestSanitizeCleanHistoryIsFixedPoint(t *testing.T) {
	history := []llm.Message{
		llm.SystemMessage("instructions"),
		llm.HumanMessage("list the open tickets"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "tickets_list"}),
		llm.ToolMessage("c1", "tickets_list", "3 open tickets"),
		llm.AssistantMessage("You have 3 open tickets."),
		llm.HumanMessage("thanks"),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.False(t, stats.Dirty())
	assert.Equal(t, history, out)
}

func TestSanitizeReordersResultsAfterInvocation(t *testing.T) {
	// The result for c2 is stored before c1's even though the assistant
	// issued c1 first; sanitize restores issue order.
	history := []llm.Message{
		llm.HumanMessage("check both services"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "check"}, llm.ToolCall{ID: "c2", Name: "check"}),
		llm.ToolMessage("c2", "check", "beta ok"),
		llm.ToolMessage("c1", "check", "alpha ok"),
	}

	out, _ := Sanitize(history, SanitizerOptions{})
	require.Len(t, out, 4)
	assert.Equal(t, "c1", out[2].ToolID)
	assert.Equal(t, "c2", out[3].ToolID)
}

func TestSanitizeDropsOrphanResults(t *testing.T) {
	history := []llm.Message{
		llm.HumanMessage("hello"),
		llm.ToolMessage("ghost", "mystery", "leftover output"),
		llm.AssistantMessage("Hi there."),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.Equal(t, 1, stats.DroppedOrphanResults)
	require.Len(t, out, 2)
	assert.Equal(t, llm.RoleHuman, out[0].Role)
	assert.Equal(t, llm.RoleAssistant, out[1].Role)
}

func TestSanitizeStripsUnservedInvocations(t *testing.T) {
	history := []llm.Message{
		llm.HumanMessage("do two things"),
		llm.AssistantMessage("working", llm.ToolCall{ID: "c1", Name: "a"}, llm.ToolCall{ID: "c2", Name: "b"}),
		llm.ToolMessage("c1", "a", "done"),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.Equal(t, 1, stats.StrippedInvocations)
	require.Len(t, out, 3)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "c1", out[1].ToolCalls[0].ID)
}

func TestSanitizeDropsEmptyFullyStrippedAssistant(t *testing.T) {
	history := []llm.Message{
		llm.HumanMessage("go"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "a"}),
		llm.AssistantMessage("All done."),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.Equal(t, 1, stats.StrippedInvocations)
	require.Len(t, out, 2)
	assert.Equal(t, "All done.", out[1].Content)
}

func TestSanitizeDropsAdjacentAssistants(t *testing.T) {
	history := []llm.Message{
		llm.HumanMessage("hi"),
		llm.AssistantMessage("first answer"),
		llm.AssistantMessage("second answer"),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.Equal(t, 1, stats.DroppedAdjacentAI)
	require.Len(t, out, 2)
	assert.Equal(t, "first answer", out[1].Content)
}

func TestSanitizeRelocatesHumanToFront(t *testing.T) {
	history := []llm.Message{
		llm.AssistantMessage("welcome"),
		llm.HumanMessage("what can you do"),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.True(t, stats.RelocatedHuman)
	require.Len(t, out, 2)
	assert.Equal(t, llm.RoleHuman, out[0].Role)
	assert.Equal(t, "what can you do", out[0].Content)
}

func TestSanitizeRelocationRepairsNewAdjacency(t *testing.T) {
	history := []llm.Message{
		llm.AssistantMessage("welcome"),
		llm.HumanMessage("what can you do"),
		llm.AssistantMessage("plenty"),
	}

	out, stats := Sanitize(history, SanitizerOptions{})
	assert.True(t, stats.RelocatedHuman)
	assert.Equal(t, 1, stats.DroppedAdjacentAI)
	require.Len(t, out, 2)
	assert.Equal(t, llm.RoleHuman, out[0].Role)
	assert.Equal(t, llm.RoleAssistant, out[1].Role)
	assert.Equal(t, "welcome", out[1].Content)
}

func TestSanitizeKeepsSystemMessagesThroughWindowing(t *testing.T) {
	history := []llm.Message{llm.SystemMessage("rules")}
	for i := 0; i < 10; i++ {
		history = append(history,
			llm.HumanMessage(fmt.Sprintf("question %d", i)),
			llm.AssistantMessage(fmt.Sprintf("answer %d", i)),
		)
	}

	out, stats := Sanitize(history, SanitizerOptions{WindowTurns: 3})
	assert.Equal(t, 7, stats.TurnsWindowed)
	require.Len(t, out, 7) // system + 3 turns of 2
	assert.Equal(t, llm.RoleSystem, out[0].Role)
	assert.Equal(t, "question 7", out[1].Content)
	assert.Equal(t, "answer 9", out[6].Content)
}

func TestSanitizeWindowNeverSplitsInvocationFromResult(t *testing.T) {
	history := []llm.Message{
		llm.HumanMessage("old request"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c1", Name: "op"}),
		llm.ToolMessage("c1", "op", "old result"),
		llm.AssistantMessage("done"),
		llm.HumanMessage("new request"),
		llm.AssistantMessage("", llm.ToolCall{ID: "c2", Name: "op"}),
		llm.ToolMessage("c2", "op", "new result"),
	}

	out, _ := Sanitize(history, SanitizerOptions{WindowTurns: 1})
	require.Len(t, out, 3)
	assert.Equal(t, "new request", out[0].Content)
	require.Len(t, out[1].ToolCalls, 1)
	assert.Equal(t, "c2", out[2].ToolID)
}

func TestSanitizeTokenBudgetDropsOldestTurns(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'a'
	}
	history := []llm.Message{
		llm.HumanMessage(string(long)),
		llm.AssistantMessage("ok"),
		llm.HumanMessage("short question"),
	}

	out, stats := Sanitize(history, SanitizerOptions{TokenBudget: 100})
	assert.Equal(t, 1, stats.TurnsDroppedForBudget)
	require.Len(t, out, 1)
	assert.Equal(t, "short question", out[0].Content)
}

func TestSanitizeTokenBudgetKeepsFinalTurn(t *testing.T) {
	long := make([]byte, 4000)
	for i := range long {
		long[i] = 'b'
	}
	history := []llm.Message{llm.HumanMessage(string(long))}

	out, stats := Sanitize(history, SanitizerOptions{TokenBudget: 10})
	assert.Equal(t, 0, stats.TurnsDroppedForBudget)
	require.Len(t, out, 1)
}

func TestSanitizeEmptyHistory(t *testing.T) {
	out, stats := Sanitize(nil, SanitizerOptions{})
	assert.Empty(t, out)
	assert.False(t, stats.Dirty())
}
