package openai

import (
	"github.com/irichard00/codex-study-sub000/runtime/model"
)

type (
	// responsesRequest is the JSON body sent to the Responses endpoint.
	responsesRequest struct {
		Model             string               `json:"model"`
		Instructions      string               `json:"instructions,omitempty"`
		Input             []model.ResponseItem `json:"input"`
		Tools             []responsesTool      `json:"tools,omitempty"`
		ToolChoice        string               `json:"tool_choice,omitempty"`
		ParallelToolCalls bool                 `json:"parallel_tool_calls"`
		Reasoning         *reasoningParams     `json:"reasoning,omitempty"`
		Store             bool                 `json:"store"`
		Stream            bool                 `json:"stream"`
		Include           []string             `json:"include,omitempty"`
		Text              *textParams          `json:"text,omitempty"`
	}

	// responsesTool is a function tool definition in the flat Responses shape.
	responsesTool struct {
		Type        string `json:"type"`
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Strict      bool   `json:"strict"`
		Parameters  any    `json:"parameters"`
	}

	reasoningParams struct {
		Effort  string `json:"effort,omitempty"`
		Summary string `json:"summary,omitempty"`
	}

	// textParams constrains the response text with a structured output schema.
	textParams struct {
		Format *textFormat `json:"format,omitempty"`
	}

	textFormat struct {
		Type   string `json:"type"`
		Name   string `json:"name"`
		Strict bool   `json:"strict"`
		Schema any    `json:"schema"`
	}

	// responsesEvent is one decoded SSE frame from the Responses stream. The
	// Type discriminator decides which payload fields are meaningful.
	responsesEvent struct {
		Type     string              `json:"type"`
		Delta    string              `json:"delta"`
		Item     *model.ResponseItem `json:"item"`
		Response *responsesPayload   `json:"response"`
	}

	// responsesPayload is the response object attached to lifecycle frames
	// such as response.created, response.completed and response.failed.
	responsesPayload struct {
		ID    string     `json:"id"`
		Usage *wireUsage `json:"usage"`
		Error *wireError `json:"error"`
	}

	wireUsage struct {
		InputTokens        int `json:"input_tokens"`
		InputTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"input_tokens_details"`
		OutputTokens        int `json:"output_tokens"`
		OutputTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"output_tokens_details"`
		TotalTokens int `json:"total_tokens"`
	}
)

func (u *wireUsage) toModel() *model.TokenUsage {
	if u == nil {
		return nil
	}
	usage := &model.TokenUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.InputTokensDetails != nil {
		usage.CachedInputTokens = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		usage.ReasoningOutputTokens = u.OutputTokensDetails.ReasoningTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}
