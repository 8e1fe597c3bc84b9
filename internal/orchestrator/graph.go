package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/catalog"
	"github.com/agenthub-ai/agenthub/internal/events"
	"github.com/agenthub-ai/agenthub/internal/llm"
	"github.com/agenthub-ai/agenthub/internal/logger"
)

// Invoker executes a catalog operation against its owning backend. The
// implementation is responsible for recovery on dead connections; a returned
// error here is final for the invocation.
type Invoker interface {
	Invoke(ctx context.Context, operation string, args map[string]interface{}) (*backend.CallResult, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, operation string, args map[string]interface{}) (*backend.CallResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, operation string, args map[string]interface{}) (*backend.CallResult, error) {
	return f(ctx, operation, args)
}

// Options configures a compiled graph.
type Options struct {
	Client       llm.Client
	Catalog      *catalog.Catalog
	Invoker      Invoker
	Continuation ContinuationPolicy
	Intent       IntentDetector
	Events       events.Emitter

	MaxLoops    int
	WindowTurns int
	TokenBudget int
	Temperature float64
	MaxTokens   int
}

// Turn is one inbound human message together with the conversation it
// belongs to.
type Turn struct {
	Tenant         string
	ConversationID string
	History        []llm.Message
	Input          string
}

// Result carries the turn outcome. Messages holds every message produced
// during the turn, starting with the human input, so callers can append it
// to the stored conversation as-is.
type Result struct {
	Output      string
	Messages    []llm.Message
	Invocations int
}

// Graph is the compiled per-tenant decision loop. A graph is immutable after
// Compile and safe for concurrent Run calls; all per-turn state lives on the
// stack.
type Graph struct {
	client       llm.Client
	catalog      *catalog.Catalog
	invoker      Invoker
	continuation ContinuationPolicy
	intent       IntentDetector
	emitter      events.Emitter
	log          *logger.Logger

	maxLoops    int
	windowTurns int
	tokenBudget int
	temperature float64
	maxTokens   int

	preamble string
}

const defaultMaxLoops = 8

// Compile validates options, fills defaults and renders the system preamble.
func Compile(opts Options) (*Graph, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("orchestrator: a model client is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = EmptyCatalog()
	}
	if opts.Catalog.Len() > 0 && opts.Invoker == nil {
		return nil, fmt.Errorf("orchestrator: an invoker is required when the catalog is non-empty")
	}
	if opts.Continuation == nil {
		opts.Continuation = NewStepCountPolicy()
	}
	if opts.Intent == nil {
		opts.Intent = NewLexicalIntentDetector()
	}
	if opts.Events == nil {
		opts.Events = events.NopEmitter{}
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = defaultMaxLoops
	}

	g := &Graph{
		client:       opts.Client,
		catalog:      opts.Catalog,
		invoker:      opts.Invoker,
		continuation: opts.Continuation,
		intent:       opts.Intent,
		emitter:      opts.Events,
		log:          logger.WithPrefix("graph"),
		maxLoops:     opts.MaxLoops,
		windowTurns:  opts.WindowTurns,
		tokenBudget:  opts.TokenBudget,
		temperature:  opts.Temperature,
		maxTokens:    opts.MaxTokens,
	}
	g.preamble = renderPreamble(opts.Catalog)
	return g, nil
}

// EmptyCatalog returns a catalog with no operations, for model-only graphs.
func EmptyCatalog() *catalog.Catalog {
	c, _ := catalog.NewBuilder().Build(context.Background(), nil)
	return c
}

// Run executes one turn through the decision loop.
func (g *Graph) Run(ctx context.Context, turn *Turn) (*Result, error) {
	g.emitter.Emit(events.New(events.TypeTurnStart, turn.Tenant, map[string]interface{}{
		"conversation": turn.ConversationID,
	}))

	human := llm.HumanMessage(turn.Input)
	raw := append(append([]llm.Message{}, turn.History...), human)
	sanitized, stats := Sanitize(raw, SanitizerOptions{
		WindowTurns: g.windowTurns,
		TokenBudget: g.tokenBudget,
		Model:       g.client.ModelName(),
	})
	if stats.Dirty() {
		g.emitter.Emit(events.New(events.TypeSanitizerRepair, turn.Tenant, map[string]interface{}{
			"dropped_orphan_results": stats.DroppedOrphanResults,
			"dropped_adjacent_ai":    stats.DroppedAdjacentAI,
			"stripped_invocations":   stats.StrippedInvocations,
			"turns_windowed":         stats.TurnsWindowed,
			"turns_dropped_budget":   stats.TurnsDroppedForBudget,
		}))
	}

	result := &Result{Messages: []llm.Message{human}}

	// Generation intent never needs backends, so requests to produce fresh
	// content skip the decision loop entirely.
	if g.catalog.Len() == 0 || g.intent.IsGenerationRequest(turn.Input) {
		out, err := g.synthesizeProse(ctx, sanitized, result.Invocations)
		if err != nil {
			return nil, err
		}
		result.Output = out
		result.Messages = append(result.Messages, llm.AssistantMessage(out))
		g.emitTurnEnd(turn, result)
		return result, nil
	}

	output, err := g.runLoop(ctx, turn, sanitized, result)
	if err != nil {
		return nil, err
	}
	result.Output = output
	g.emitTurnEnd(turn, result)
	return result, nil
}

func (g *Graph) emitTurnEnd(turn *Turn, result *Result) {
	g.emitter.Emit(events.New(events.TypeTurnEnd, turn.Tenant, map[string]interface{}{
		"conversation": turn.ConversationID,
		"invocations":  result.Invocations,
	}))
}

// runLoop is the decide/invoke cycle. It returns the final output once the
// model stops requesting invocations, a short-circuit fires, or the
// continuation policy reports the request satisfied.
func (g *Graph) runLoop(ctx context.Context, turn *Turn, messages []llm.Message, result *Result) (string, error) {
	tools := g.catalog.ToolDefs()

	for loop := 0; loop < g.maxLoops; loop++ {
		resp, err := g.client.Complete(ctx, &llm.CompletionRequest{
			Messages:     messages,
			Tools:        tools,
			Temperature:  g.temperature,
			MaxTokens:    g.maxTokens,
			SystemPrompt: g.preamble,
		})
		if err != nil {
			return "", fmt.Errorf("decision step failed: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			// The model answered without requesting work.
			if strings.TrimSpace(resp.Content) != "" {
				result.Messages = append(result.Messages, llm.AssistantMessage(resp.Content))
				return resp.Content, nil
			}
			return g.appendProse(ctx, messages, result)
		}

		assistant := llm.AssistantMessage(resp.Content, resp.ToolCalls...)
		messages = append(messages, assistant)
		result.Messages = append(result.Messages, assistant)

		var lastOp *catalog.Operation
		var lastResult *backend.CallResult
		for _, call := range resp.ToolCalls {
			op, ok := g.catalog.Lookup(call.Name)
			if !ok {
				g.emitter.Emit(events.New(events.TypeInvocationReject, turn.Tenant, map[string]interface{}{
					"operation": call.Name,
				}))
				refusal := fmt.Sprintf("Operation %q is not available. Use only the operations listed in the instructions.", call.Name)
				toolMsg := llm.ToolMessage(call.ID, call.Name, refusal)
				messages = append(messages, toolMsg)
				result.Messages = append(result.Messages, toolMsg)
				continue
			}

			g.emitter.Emit(events.New(events.TypeInvocationOK, turn.Tenant, map[string]interface{}{
				"operation": op.Name,
				"backend":   op.Backend,
			}))

			callResult, err := g.invoker.Invoke(ctx, op.Name, call.Arguments)
			var text string
			if err != nil {
				text = fmt.Sprintf("[backend:error] %v", err)
				g.log.Warn("invocation %s failed: %v", op.Name, err)
			} else {
				text = callResult.Flatten()
				opCopy := op
				lastOp, lastResult = &opCopy, callResult
			}
			result.Invocations++

			toolMsg := llm.ToolMessage(call.ID, op.Name, text)
			messages = append(messages, toolMsg)
			result.Messages = append(result.Messages, toolMsg)
		}

		// Presentation metadata on the final invocation can end the turn
		// without a synthesis call.
		if lastOp != nil && lastResult != nil {
			meta := ParseResponseMeta(lastOp.ResponseHandling)
			if meta.ShortCircuits() {
				if out, ok := meta.Apply(lastResult); ok {
					result.Messages = append(result.Messages, llm.AssistantMessage(out))
					return out, nil
				}
				raw := lastResult.Flatten()
				result.Messages = append(result.Messages, llm.AssistantMessage(raw))
				return raw, nil
			}
		}

		if g.continuation.ShouldContinue(turn.Input, result.Invocations) {
			continue
		}
		return g.appendProse(ctx, messages, result)
	}

	g.log.Warn("loop budget exhausted for tenant %s", turn.Tenant)
	return g.appendProse(ctx, messages, result)
}

// appendProse runs the synthesis completion and records its output.
func (g *Graph) appendProse(ctx context.Context, messages []llm.Message, result *Result) (string, error) {
	out, err := g.synthesizeProse(ctx, messages, result.Invocations)
	if err != nil {
		return "", err
	}
	result.Messages = append(result.Messages, llm.AssistantMessage(out))
	return out, nil
}

// synthesizeProse asks the model for a final answer with no tools offered.
func (g *Graph) synthesizeProse(ctx context.Context, messages []llm.Message, invocations int) (string, error) {
	system := synthesisPreamble
	if invocations == 0 {
		system = synthesisPreamble + "\n" + noResultsInstruction
	}
	resp, err := g.client.Complete(ctx, &llm.CompletionRequest{
		Messages:     messages,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
		SystemPrompt: system,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis step failed: %w", err)
	}
	return resp.Content, nil
}

const synthesisPreamble = "Produce the final answer for the user based on the conversation so far. " +
	"Be direct and concise. Present results from completed operations faithfully."

const noResultsInstruction = "No operations were executed for this request. " +
	"Do not claim to have performed actions or obtained results you do not have."

// renderPreamble builds the decision-step system prompt from the catalog.
func renderPreamble(c *catalog.Catalog) string {
	var b strings.Builder
	b.WriteString("You are an assistant that can call remote operations to fulfil user requests.\n")

	ops := c.Operations()
	if len(ops) == 0 {
		b.WriteString("No operations are currently available; answer from your own knowledge.\n")
		return b.String()
	}

	b.WriteString("\nAvailable operations:\n")
	sorted := append([]catalog.Operation{}, ops...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for _, op := range sorted {
		desc := op.Description
		if desc == "" {
			desc = "(no description)"
		}
		fmt.Fprintf(&b, "- %s: %s\n", op.Name, desc)
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Call only the operations listed above, with arguments matching their schemas.\n")
	b.WriteString("- When no operation is relevant, answer directly without calling anything.\n")
	b.WriteString("- Never invent operation results; report only what the results contain.\n")
	return b.String()
}

// Mermaid renders the decision loop and the catalog routing as a mermaid
// flowchart.
func (g *Graph) Mermaid() string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	b.WriteString("    start([turn]) --> decide[decide]\n")
	b.WriteString("    decide -->|no invocations| synthesize[synthesize]\n")
	b.WriteString("    decide -->|invocations| invoke[invoke_tools]\n")
	b.WriteString("    invoke -->|continue| decide\n")
	b.WriteString("    invoke -->|done| synthesize\n")
	b.WriteString("    synthesize --> finish([end])\n")

	ops := g.catalog.Operations()
	if len(ops) > 0 {
		sorted := append([]catalog.Operation{}, ops...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for i, op := range sorted {
			fmt.Fprintf(&b, "    invoke -.-> op%d[\"%s (%s)\"]\n", i, op.Name, op.Backend)
		}
	}
	return b.String()
}
