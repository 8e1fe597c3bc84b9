package orchestrator

import (
	"regexp"
	"strings"
)

// ContinuationPolicy decides whether a turn that already executed some
// invocations still has unserved steps. Implementations must be pure
// functions of their inputs.
type ContinuationPolicy interface {
	// Name identifies the policy in logs and events.
	Name() string
	// EstimateSteps estimates how many tool invocations the request implies.
	EstimateSteps(request string) int
	// ShouldContinue reports whether more invocations are expected given how
	// many already ran this turn.
	ShouldContinue(request string, invocations int) bool
}

// IntentDetector classifies the latest human turn. A generation request
// (make something new, no existing resource referenced) bypasses tool
// binding for the decision call.
type IntentDetector interface {
	Name() string
	IsGenerationRequest(text string) bool
}

var (
	sequencingConnectives = regexp.MustCompile(`(?i)\b(then|next|after that|afterwards?|followed by|also)\b`)
	numberedListItem      = regexp.MustCompile(`(?m)(^|\s)\d+[.)]\s`)
	sentenceSplit         = regexp.MustCompile(`[.!?;\n]+`)
)

// actionVerbs are the verbs the step estimator recognizes. Matching is on
// lowercase word boundaries.
var actionVerbs = []string{
	"search", "find", "refactor", "format", "validate", "analyze", "analyse",
	"generate", "convert", "fix", "create", "update", "delete", "list",
	"fetch", "send", "check", "run", "deploy", "build", "test", "rename",
	"move", "summarize", "translate",
}

// StepCountPolicy is the default continuation heuristic: a request is
// multi-step when it carries a sequencing connective, names at least two
// distinct action verbs, or contains at least two imperative sentences. The
// step estimate comes from numbered list items, connective count, or the
// distinct-verb count, never below one.
type StepCountPolicy struct{}

// NewStepCountPolicy returns the default continuation heuristic.
func NewStepCountPolicy() *StepCountPolicy {
	return &StepCountPolicy{}
}

func (p *StepCountPolicy) Name() string {
	return "step-count"
}

func (p *StepCountPolicy) ShouldContinue(request string, invocations int) bool {
	if !p.isMultiStep(request) {
		return false
	}
	return invocations < p.EstimateSteps(request)
}

func (p *StepCountPolicy) isMultiStep(request string) bool {
	if sequencingConnectives.MatchString(request) {
		return true
	}
	if len(distinctActionVerbs(request)) >= 2 {
		return true
	}
	return countImperativeSentences(request) >= 2
}

func (p *StepCountPolicy) EstimateSteps(request string) int {
	if items := numberedListItem.FindAllString(request, -1); len(items) >= 2 {
		return len(items)
	}
	if connectives := sequencingConnectives.FindAllString(request, -1); len(connectives) > 0 {
		return len(connectives) + 1
	}
	if verbs := distinctActionVerbs(request); len(verbs) > 1 {
		return len(verbs)
	}
	return 1
}

func distinctActionVerbs(text string) []string {
	lowered := strings.ToLower(text)
	words := splitWords(lowered)

	seen := make(map[string]struct{})
	var found []string
	for _, verb := range actionVerbs {
		if _, ok := words[verb]; !ok {
			continue
		}
		if _, dup := seen[verb]; dup {
			continue
		}
		seen[verb] = struct{}{}
		found = append(found, verb)
	}
	return found
}

func splitWords(text string) map[string]struct{} {
	words := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(text, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_'
	}) {
		words[word] = struct{}{}
	}
	return words
}

func countImperativeSentences(text string) int {
	count := 0
	for _, sentence := range sentenceSplit.Split(text, -1) {
		fields := strings.Fields(strings.ToLower(sentence))
		if len(fields) == 0 {
			continue
		}
		first := strings.Trim(fields[0], ",:")
		for _, verb := range actionVerbs {
			if first == verb {
				count++
				break
			}
		}
	}
	return count
}

var (
	generationKeywords = regexp.MustCompile(`(?i)\b(write|create|generate|draft|compose|make|produce|build)\b`)
	existingMarkers    = regexp.MustCompile(`(?i)(https?://|\bexisting\b|\bcurrent\b|\.[a-z0-9]{1,4}\b|[/\\])`)
)

// LexicalIntentDetector flags "generate something new" requests by keyword:
// a generation verb present and no reference to an existing resource (path,
// URL, or an "existing"/"current" marker).
type LexicalIntentDetector struct{}

// NewLexicalIntentDetector returns the default intent detector.
func NewLexicalIntentDetector() *LexicalIntentDetector {
	return &LexicalIntentDetector{}
}

func (d *LexicalIntentDetector) Name() string {
	return "lexical-intent"
}

func (d *LexicalIntentDetector) IsGenerationRequest(text string) bool {
	if !generationKeywords.MatchString(text) {
		return false
	}
	return !existingMarkers.MatchString(text)
}
