package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	genai "google.golang.org/genai"
)

const defaultGoogleModel = "gemini-2.5-flash"

// GoogleGenAIClient implements the Client interface using the official Google GenAI SDK.
type GoogleGenAIClient struct {
	modelName string
	client    *genai.Client
}

// NewGoogleAIClient creates a Google GenAI client for the provided model.
func NewGoogleAIClient(apiKey, modelName string) (Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("google genai client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultGoogleModel
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
	}

	return &GoogleGenAIClient{
		modelName: model,
		client:    client,
	}, nil
}

func (c *GoogleGenAIClient) ModelName() string {
	return c.modelName
}

func (c *GoogleGenAIClient) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	if req == nil {
		return nil, fmt.Errorf("google genai completion request cannot be nil")
	}

	contents, err := convertMessagesToGenAI(req.Messages)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return &CompletionResponse{}, nil
	}

	cfg := buildGenAIGenerationConfig(req)

	resp, err := c.client.Models.GenerateContent(ctx, c.modelName, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("google genai completion failed: %w", err)
	}

	return buildGenAICompletionResponse(resp), nil
}

func buildGenAICompletionResponse(resp *genai.GenerateContentResponse) *CompletionResponse {
	if resp == nil || len(resp.Candidates) == 0 {
		stop := ""
		if resp != nil && resp.PromptFeedback != nil {
			stop = string(resp.PromptFeedback.BlockReason)
		}
		return &CompletionResponse{StopReason: stop}
	}

	candidate := resp.Candidates[0]
	content := ""
	if candidate.Content != nil {
		content = collectTextFromContent(candidate.Content)
	}

	stopReason := string(candidate.FinishReason)
	if stopReason == "" {
		stopReason = candidate.FinishMessage
	}

	return &CompletionResponse{
		Content:    content,
		ToolCalls:  convertGenAIToolCalls(candidate.Content),
		StopReason: stopReason,
	}
}

func collectTextFromContent(content *genai.Content) string {
	if content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	return sb.String()
}

func convertGenAIToolCalls(content *genai.Content) []ToolCall {
	if content == nil {
		return nil
	}

	var toolCalls []ToolCall
	for idx, part := range content.Parts {
		if part == nil || part.FunctionCall == nil {
			continue
		}

		id := part.FunctionCall.ID
		if id == "" {
			id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, idx)
		}

		args := make(map[string]interface{}, len(part.FunctionCall.Args))
		for key, value := range part.FunctionCall.Args {
			args[key] = value
		}

		toolCalls = append(toolCalls, ToolCall{
			ID:        id,
			Name:      part.FunctionCall.Name,
			Arguments: args,
		})
	}

	return toolCalls
}

func convertMessagesToGenAI(messages []Message) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			contents = append(contents, convertGenAIAssistantMessage(msg))
		case RoleTool:
			contents = append(contents, convertGenAIToolResponse(msg))
		default:
			if msg.Content == "" {
				continue
			}
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, nil
}

func convertGenAIAssistantMessage(msg Message) *genai.Content {
	parts := make([]*genai.Part, 0, len(msg.ToolCalls)+1)

	if msg.Content != "" {
		parts = append(parts, genai.NewPartFromText(msg.Content))
	}

	for _, call := range msg.ToolCalls {
		if call.Name == "" {
			continue
		}
		args := call.Arguments
		if args == nil {
			args = map[string]interface{}{}
		}
		part := genai.NewPartFromFunctionCall(call.Name, args)
		if call.ID != "" {
			part.FunctionCall.ID = call.ID
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		parts = append(parts, genai.NewPartFromText(""))
	}

	return genai.NewContentFromParts(parts, genai.RoleModel)
}

func convertGenAIToolResponse(msg Message) *genai.Content {
	responsePayload := make(map[string]any)
	if strings.TrimSpace(msg.Content) != "" {
		if err := json.Unmarshal([]byte(msg.Content), &responsePayload); err != nil {
			responsePayload["output"] = msg.Content
		}
	}

	part := genai.NewPartFromFunctionResponse(msg.ToolName, responsePayload)
	if msg.ToolID != "" {
		part.FunctionResponse.ID = msg.ToolID
	}

	return genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser)
}

func buildGenAIGenerationConfig(req *CompletionRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}

	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	if len(req.Tools) > 0 {
		cfg.Tools = convertToolsToGenAI(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	return cfg
}

func convertToolsToGenAI(tools []ToolDef) []*genai.Tool {
	result := make([]*genai.Tool, 0, len(tools))
	for _, def := range tools {
		if def.Name == "" {
			continue
		}

		decl := &genai.FunctionDeclaration{
			Name:        def.Name,
			Description: def.Description,
		}
		if def.InputSchema != nil {
			decl.ParametersJsonSchema = def.InputSchema
		}

		result = append(result, &genai.Tool{FunctionDeclarations: []*genai.FunctionDeclaration{decl}})
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
