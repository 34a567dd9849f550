package openai

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

type (
	// chatRequest is the JSON body sent to the Chat Completions endpoint when
	// the provider does not support the Responses shape.
	chatRequest struct {
		Model          string              `json:"model"`
		Messages       []chatMessage       `json:"messages"`
		Tools          []chatTool          `json:"tools,omitempty"`
		Stream         bool                `json:"stream"`
		StreamOptions  *chatStreamOptions  `json:"stream_options,omitempty"`
		ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
	}

	chatMessage struct {
		Role       string         `json:"role"`
		Content    string         `json:"content"`
		ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
		ToolCallID string         `json:"tool_call_id,omitempty"`
	}

	chatTool struct {
		Type     string           `json:"type"`
		Function chatToolFunction `json:"function"`
	}

	chatToolFunction struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
		Strict      bool   `json:"strict,omitempty"`
	}

	// chatToolCall appears both in request messages (complete) and in stream
	// deltas (fragmented, keyed by Index).
	chatToolCall struct {
		Index    *int                 `json:"index,omitempty"`
		ID       string               `json:"id,omitempty"`
		Type     string               `json:"type,omitempty"`
		Function chatToolCallFunction `json:"function"`
	}

	chatToolCallFunction struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	chatStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	chatResponseFormat struct {
		Type       string          `json:"type"`
		JSONSchema *chatJSONSchema `json:"json_schema,omitempty"`
	}

	chatJSONSchema struct {
		Name   string `json:"name"`
		Strict bool   `json:"strict"`
		Schema any    `json:"schema"`
	}

	// chatChunk is one decoded SSE frame from the chat stream.
	chatChunk struct {
		ID      string       `json:"id"`
		Choices []chatChoice `json:"choices"`
		Usage   *chatUsage   `json:"usage"`
	}

	chatChoice struct {
		Delta        chatDelta `json:"delta"`
		FinishReason string    `json:"finish_reason"`
	}

	chatDelta struct {
		Content   string         `json:"content"`
		ToolCalls []chatToolCall `json:"tool_calls"`
	}

	chatUsage struct {
		PromptTokens        int `json:"prompt_tokens"`
		CompletionTokens    int `json:"completion_tokens"`
		TotalTokens         int `json:"total_tokens"`
		PromptTokensDetails *struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
		CompletionTokensDetails *struct {
			ReasoningTokens int `json:"reasoning_tokens"`
		} `json:"completion_tokens_details"`
	}
)

func (u *chatUsage) toModel() *model.TokenUsage {
	if u == nil {
		return nil
	}
	usage := &model.TokenUsage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if u.PromptTokensDetails != nil {
		usage.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		usage.ReasoningOutputTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return usage
}

// encodeChatTools wraps function tool definitions in the nested chat shape.
func encodeChatTools(defs []model.ToolDefinition) ([]chatTool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]chatTool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		tools = append(tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
				Strict:      def.Strict,
			},
		})
	}
	return tools, nil
}

// encodeChatMessages flattens ordered conversation items into chat messages.
// Function calls become assistant tool_calls entries, their outputs become
// tool-role messages, and reasoning items are dropped because the chat shape
// has no slot for them.
func encodeChatMessages(instructions string, input []model.ResponseItem) []chatMessage {
	msgs := make([]chatMessage, 0, len(input)+1)
	if instructions != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: instructions})
	}
	for _, item := range input {
		switch item.Type {
		case model.ItemTypeMessage:
			role := item.Role
			if role == "" {
				role = "user"
			}
			msgs = append(msgs, chatMessage{Role: role, Content: joinTextParts(item.Content)})
		case model.ItemTypeFunctionCall:
			msgs = append(msgs, chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{{
					ID:   item.CallID,
					Type: "function",
					Function: chatToolCallFunction{
						Name:      item.Name,
						Arguments: item.Arguments,
					},
				}},
			})
		case model.ItemTypeFunctionCallOutput:
			msgs = append(msgs, chatMessage{
				Role:       "tool",
				ToolCallID: item.CallID,
				Content:    item.Output,
			})
		}
	}
	return msgs
}

func joinTextParts(parts []model.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// chatProcessor aggregates the chat stream's fragmented deltas. Assistant
// text and tool-call argument fragments (keyed by choice index) accumulate
// until the upstream signals finish_reason; only then are the synthesized
// output items emitted, and the completion is stored for the streamer to
// release at end-of-stream. A trailing usage-only chunk may still arrive
// after finish_reason, so the completion payload is assembled lazily.
type chatProcessor struct {
	ctx  context.Context
	emit func(model.StreamEvent) error
	log  telemetry.Logger

	text       strings.Builder
	calls      map[int]*chatCallBuffer
	responseID string
	usage      *model.TokenUsage
	finished   bool
}

type chatCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func newChatProcessor(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) *chatProcessor {
	return &chatProcessor{
		ctx:   ctx,
		emit:  emit,
		log:   logger,
		calls: make(map[int]*chatCallBuffer),
	}
}

func (p *chatProcessor) Handle(data []byte) error {
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		p.log.Debug(p.ctx, "skipping undecodable chat frame", "error", err)
		return nil
	}
	if chunk.ID != "" {
		p.responseID = chunk.ID
	}
	if chunk.Usage != nil {
		p.usage = chunk.Usage.toModel()
	}
	for _, choice := range chunk.Choices {
		if choice.Delta.Content != "" {
			p.text.WriteString(choice.Delta.Content)
			if err := p.emit(model.StreamEvent{Type: model.EventOutputTextDelta, Delta: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf := p.calls[idx]
			if buf == nil {
				buf = &chatCallBuffer{}
				p.calls[idx] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" && !p.finished {
			if err := p.finalize(); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize emits one output_item.done per synthesized item once the upstream
// declared the turn finished.
func (p *chatProcessor) finalize() error {
	p.finished = true
	if p.text.Len() > 0 {
		item := &model.ResponseItem{
			Type: model.ItemTypeMessage,
			Role: "assistant",
			Content: []model.ContentPart{
				{Type: "output_text", Text: p.text.String()},
			},
		}
		if err := p.emit(model.StreamEvent{Type: model.EventOutputItemDone, Item: item}); err != nil {
			return err
		}
	}
	indexes := make([]int, 0, len(p.calls))
	for idx := range p.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		buf := p.calls[idx]
		args := buf.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		item := &model.ResponseItem{
			Type:      model.ItemTypeFunctionCall,
			CallID:    buf.id,
			Name:      buf.name,
			Arguments: args,
		}
		if err := p.emit(model.StreamEvent{Type: model.EventOutputItemDone, Item: item}); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports the terminal completion once finish_reason has been seen.
// The chat shape has no completion frame of its own, so the payload is built
// from the accumulated response id and the latest usage chunk.
func (p *chatProcessor) Pending() *model.Completed {
	if !p.finished {
		return nil
	}
	return &model.Completed{ResponseID: p.responseID, Usage: p.usage}
}
