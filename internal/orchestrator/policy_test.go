package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepCountPolicyShouldContinue(t *testing.T) {
	policy := NewStepCountPolicy()

	tests := []struct {
		name        string
		request     string
		invocations int
		want        bool
	}{
		{
			name:        "single step satisfied after one invocation",
			request:     "look up the weather in Berlin",
			invocations: 1,
			want:        false,
		},
		{
			name:        "connective with one invocation continues",
			request:     "search for `foo`, then refactor it",
			invocations: 1,
			want:        true,
		},
		{
			name:        "connective with two invocations is done",
			request:     "search for `foo`, then refactor it",
			invocations: 2,
			want:        false,
		},
		{
			name:        "two distinct verbs need two invocations",
			request:     "validate the config and deploy the service",
			invocations: 1,
			want:        true,
		},
		{
			name:        "two distinct verbs satisfied",
			request:     "validate the config and deploy the service",
			invocations: 2,
			want:        false,
		},
		{
			name:        "repeated verb counts once",
			request:     "search the index, search the archive",
			invocations: 1,
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldContinue(tt.request, tt.invocations))
		})
	}
}

func TestStepCountPolicyEstimateSteps(t *testing.T) {
	policy := NewStepCountPolicy()

	tests := []struct {
		name    string
		request string
		want    int
	}{
		{"plain request", "what is the capital of France", 1},
		{"numbered list wins", "do these: 1. fetch the report 2. validate it 3. send it", 3},
		{"single connective", "fetch the report then summarize it", 2},
		{"two connectives", "fetch it, then validate it, then send it", 3},
		{"distinct verbs", "analyze the logs and fix the handler", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.EstimateSteps(tt.request))
		})
	}
}

func TestStepCountPolicyImperativeSentences(t *testing.T) {
	policy := NewStepCountPolicy()

	// Two imperative sentences trip multi-step even with only one distinct
	// verb family per sentence.
	assert.True(t, policy.ShouldContinue("Fetch the report. Send it to ops.", 1))
	assert.False(t, policy.ShouldContinue("The report looks fine to me.", 1))
}

func TestLexicalIntentDetector(t *testing.T) {
	detector := NewLexicalIntentDetector()

	tests := []struct {
		name string
		text string
		want bool
	}{
		{"plain generation", "write a haiku about autumn", true},
		{"create something new", "create a short story for me", true},
		{"no generation verb", "what does this error mean", false},
		{"path marker blocks bypass", "write a summary of src/main.go", false},
		{"url marker blocks bypass", "create a digest of https://example.com/feed", false},
		{"existing marker blocks bypass", "write tests for the existing handler", false},
		{"extension marker blocks bypass", "generate docs for report.pdf", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detector.IsGenerationRequest(tt.text))
		})
	}
}

func TestPolicyNames(t *testing.T) {
	assert.Equal(t, "step-count", NewStepCountPolicy().Name())
	assert.Equal(t, "lexical-intent", NewLexicalIntentDetector().Name())
}
