package orchestrator

import (
	"github.com/agenthub-ai/agenthub/internal/llm"
)

// SanitizerOptions bounds the history handed to the inference endpoint.
type SanitizerOptions struct {
	// WindowTurns keeps only the last K conversational turns. Zero disables
	// turn windowing.
	WindowTurns int
	// TokenBudget drops oldest whole turns while the token estimate exceeds
	// it. Zero disables the budget. The final turn always survives.
	TokenBudget int
	// Model selects the token encoding for the budget estimate.
	Model string
}

// SanitizeStats records the corrections applied to a history.
type SanitizeStats struct {
	DroppedOrphanResults  int
	DroppedAdjacentAI     int
	StrippedInvocations   int
	RelocatedHuman        bool
	TurnsWindowed         int
	TurnsDroppedForBudget int
}

// Dirty reports whether sanitization changed anything worth logging.
func (s SanitizeStats) Dirty() bool {
	return s.DroppedOrphanResults > 0 || s.DroppedAdjacentAI > 0 ||
		s.StrippedInvocations > 0 || s.RelocatedHuman ||
		s.TurnsWindowed > 0 || s.TurnsDroppedForBudget > 0
}

// Sanitize rewrites a message history to satisfy the inference endpoint's
// structural invariants: every ai invocation immediately followed by its
// matching results in issue order, no adjacent ai messages, and a human
// message leading the conversation. It is a pure function; a history that
// already satisfies the invariants passes through unchanged.
func Sanitize(messages []llm.Message, opts SanitizerOptions) ([]llm.Message, SanitizeStats) {
	var stats SanitizeStats

	var systems, convo []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			systems = append(systems, msg)
		} else {
			convo = append(convo, msg)
		}
	}

	repaired := repairOrdering(convo, &stats)
	repaired = ensureLeadingHuman(repaired, &stats)
	if stats.RelocatedHuman {
		// Pulling the human out can leave two ai messages adjacent where
		// it used to sit.
		repaired = repairOrdering(repaired, &stats)
	}

	turns := splitTurns(repaired)
	if opts.WindowTurns > 0 && len(turns) > opts.WindowTurns {
		stats.TurnsWindowed = len(turns) - opts.WindowTurns
		turns = turns[len(turns)-opts.WindowTurns:]
	}
	if opts.TokenBudget > 0 {
		for len(turns) > 1 {
			estimate := estimateTokens(opts.Model, systems, flattenTurns(turns))
			if estimate <= opts.TokenBudget {
				break
			}
			turns = turns[1:]
			stats.TurnsDroppedForBudget++
		}
	}

	out := make([]llm.Message, 0, len(systems)+len(repaired))
	out = append(out, systems...)
	out = append(out, flattenTurns(turns)...)
	return out, stats
}

// repairOrdering enforces invocation/result adjacency and drops orphan
// results and directly adjacent ai messages.
func repairOrdering(convo []llm.Message, stats *SanitizeStats) []llm.Message {
	consumed := make([]bool, len(convo))
	out := make([]llm.Message, 0, len(convo))

	for i, msg := range convo {
		if consumed[i] {
			continue
		}

		switch msg.Role {
		case llm.RoleHuman:
			out = append(out, msg)

		case llm.RoleTool:
			// Reached here only when no preceding ai message claimed it.
			stats.DroppedOrphanResults++

		case llm.RoleAssistant:
			if len(out) > 0 && out[len(out)-1].Role == llm.RoleAssistant {
				stats.DroppedAdjacentAI++
				continue
			}

			if len(msg.ToolCalls) == 0 {
				out = append(out, msg)
				continue
			}

			// Pair each invocation with its result, in issue order.
			var results []llm.Message
			var served []llm.ToolCall
			for _, call := range msg.ToolCalls {
				for j := i + 1; j < len(convo); j++ {
					if consumed[j] || convo[j].Role != llm.RoleTool {
						continue
					}
					if convo[j].ToolID == call.ID {
						consumed[j] = true
						results = append(results, convo[j])
						served = append(served, call)
						break
					}
				}
			}

			if len(served) < len(msg.ToolCalls) {
				stats.StrippedInvocations += len(msg.ToolCalls) - len(served)
			}
			msg.ToolCalls = served
			if len(msg.ToolCalls) == 0 && msg.Content == "" {
				continue
			}
			out = append(out, msg)
			out = append(out, results...)
		}
	}

	return out
}

// ensureLeadingHuman relocates the most recent human message to the front
// when the conversation opens with something else.
func ensureLeadingHuman(convo []llm.Message, stats *SanitizeStats) []llm.Message {
	if len(convo) == 0 || convo[0].Role == llm.RoleHuman {
		return convo
	}

	for i := len(convo) - 1; i >= 0; i-- {
		if convo[i].Role != llm.RoleHuman {
			continue
		}
		human := convo[i]
		rest := make([]llm.Message, 0, len(convo)-1)
		rest = append(rest, convo[:i]...)
		rest = append(rest, convo[i+1:]...)
		stats.RelocatedHuman = true
		return append([]llm.Message{human}, rest...)
	}

	// No human message anywhere; nothing to relocate.
	return convo
}

// splitTurns groups a conversation into turns, each starting at a human
// message. Grouping at turn boundaries guarantees windowing never separates
// an invocation from its result.
func splitTurns(convo []llm.Message) [][]llm.Message {
	var turns [][]llm.Message
	for _, msg := range convo {
		if msg.Role == llm.RoleHuman || len(turns) == 0 {
			turns = append(turns, []llm.Message{msg})
			continue
		}
		turns[len(turns)-1] = append(turns[len(turns)-1], msg)
	}
	return turns
}

func flattenTurns(turns [][]llm.Message) []llm.Message {
	var out []llm.Message
	for _, turn := range turns {
		out = append(out, turn...)
	}
	return out
}
