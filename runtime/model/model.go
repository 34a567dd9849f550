// Package model defines the provider-agnostic contract for streaming LLM
// completions. It declares the request/response item structures, the typed
// stream events yielded to callers, and the Client/Streamer interfaces that
// wire-protocol adapters implement. Adapters translate these normalized types
// into provider-specific payloads; callers never depend on a wire shape.
package model

import (
	"context"
	"time"
)

type (
	// Client is the single entry point adapters expose for model invocations.
	// Implementations are safe for concurrent use: every Stream call owns an
	// independent streamer with no shared mutable state.
	Client interface {
		// Stream sends a completion request and returns a Streamer that yields
		// typed events as they arrive. The returned Streamer must be closed by
		// the caller. Connection-level failures are retried internally according
		// to the adapter's retry policy; once the stream is open no failure is
		// retried.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return StreamEvent values until io.EOF, which is only reported after the
	// terminal completed event has been delivered. Streams are single-pass:
	// once Recv returns an error the stream is finished and must not be
	// consumed again. Implementations must be safe to call from a single
	// goroutine and release the underlying connection when Close is invoked.
	Streamer interface {
		// Recv returns the next event from the stream.
		Recv() (StreamEvent, error)
		// Close releases the stream and its connection.
		Close() error
		// Metadata returns provider-specific metadata for the stream, such as
		// "provider", "model", "response_id" and the final rate-limit snapshot.
		// Contents are optional and provider-defined.
		Metadata() map[string]any
	}

	// Request captures the normalized parameters for one streamed completion.
	// It is immutable once handed to Client.Stream; the client serializes it
	// into the configured wire shape without mutating it.
	Request struct {
		// Model is the provider-specific model identifier (e.g. "gpt-5").
		Model string

		// Instructions is the system prompt sent ahead of the conversation.
		// Empty means no instructions.
		Instructions string

		// Input is the ordered conversation history: messages, reasoning
		// blocks, tool calls and tool results from prior turns.
		Input []ResponseItem

		// Tools describes the tool schemas exposed to the model for function
		// calling. Empty if the model should not invoke tools.
		Tools []ToolDefinition

		// OutputSchema optionally constrains the assistant's final message to a
		// JSON document matching this JSON Schema. The schema must compile;
		// clients reject requests carrying an invalid schema before any network
		// attempt.
		OutputSchema any

		// Reasoning configures reasoning effort and summary verbosity for
		// models that support it. Nil uses provider defaults.
		Reasoning *ReasoningOptions

		// Stream indicates streamed delivery. The protocol engine only
		// supports streamed completions, so clients reject requests with
		// Stream set to false.
		Stream bool
	}

	// ReasoningOptions tunes reasoning output for capable models.
	ReasoningOptions struct {
		// Effort is the provider-defined effort level ("minimal", "low",
		// "medium", "high"). Empty uses the provider default.
		Effort string
		// Summary selects reasoning summary verbosity ("auto", "concise",
		// "detailed"). Empty disables summaries.
		Summary string
	}

	// ToolDefinition describes a tool schema passed to the provider for
	// function calling.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents when and how to invoke the tool.
		Description string
		// Parameters is the JSON Schema describing the tool's input, typically
		// a map[string]any with "type": "object" at the root.
		Parameters any
		// Strict requests strict schema adherence from providers that support
		// it.
		Strict bool
	}

	// ResponseItem is one fully-formed conversation item. The Type value
	// indicates which fields are populated. Items appear both in Request.Input
	// (history) and in output_item.done stream events (new output).
	ResponseItem struct {
		// Type is the item kind: "message", "reasoning", "function_call" or
		// "function_call_output".
		Type string `json:"type"`

		// ID is the provider-assigned item identifier, when known.
		ID string `json:"id,omitempty"`

		// Role is the message role ("user", "assistant", "system",
		// "developer") when Type == "message".
		Role string `json:"role,omitempty"`

		// Content holds the item's content parts: message text parts when
		// Type == "message", raw reasoning parts when Type == "reasoning" and
		// the provider exposes them. The part Type distinguishes the two.
		Content []ContentPart `json:"content,omitempty"`

		// Summary holds reasoning summary parts when Type == "reasoning".
		Summary []ContentPart `json:"summary,omitempty"`

		// EncryptedContent carries opaque reasoning state replayed to the
		// provider on later turns, when Type == "reasoning".
		EncryptedContent string `json:"encrypted_content,omitempty"`

		// CallID correlates a function call with its output, when Type is
		// "function_call" or "function_call_output".
		CallID string `json:"call_id,omitempty"`

		// Name is the tool name when Type == "function_call".
		Name string `json:"name,omitempty"`

		// Arguments is the JSON-encoded tool arguments string when Type ==
		// "function_call".
		Arguments string `json:"arguments,omitempty"`

		// Output is the tool result payload when Type ==
		// "function_call_output".
		Output string `json:"output,omitempty"`

		// Status is the provider-reported item status, when present.
		Status string `json:"status,omitempty"`
	}

	// ContentPart is a typed fragment of item content ("input_text",
	// "output_text", "summary_text", "reasoning_text").
	ContentPart struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	// StreamEvent is the unit yielded to callers while a completion streams.
	// The Type value indicates which payload fields are populated. Allowed
	// Type values are:
	//
	//   - "created":                 stream opened, no payload.
	//   - "output_text.delta":       Delta carries incremental assistant text.
	//   - "reasoning_text.delta":    Delta carries incremental raw reasoning.
	//   - "reasoning_summary.delta": Delta carries incremental summary text.
	//   - "output_item.done":        Item carries one fully-formed item.
	//   - "rate_limits":             RateLimits carries a usage snapshot.
	//   - "completed":               Completed carries the terminal payload.
	//
	// Within one stream, "rate_limits" (when present) is the first event;
	// "completed" is the last event, occurs exactly once, and no event follows
	// it.
	StreamEvent struct {
		// Type is the event kind. One of the Event* constants.
		Type string
		// Delta contains the text fragment for the delta event kinds.
		Delta string
		// Item contains the finished item when Type == EventOutputItemDone.
		Item *ResponseItem
		// RateLimits contains the snapshot when Type == EventRateLimits.
		RateLimits *RateLimitSnapshot
		// Completed contains the terminal payload when Type == EventCompleted.
		Completed *Completed
	}

	// Completed is the terminal payload of a successful stream.
	Completed struct {
		// ResponseID is the provider-assigned response identifier.
		ResponseID string
		// Usage reports token consumption when the provider supplied it.
		Usage *TokenUsage
	}

	// TokenUsage records token counts reported by the provider. All counts
	// are non-negative; reasoning tokens are a subset of output tokens and
	// cached tokens a subset of input tokens, so TotalTokens equals
	// InputTokens + OutputTokens.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int
		// CachedInputTokens counts the prompt tokens served from provider
		// cache, already included in InputTokens.
		CachedInputTokens int
		// OutputTokens counts tokens produced by the model.
		OutputTokens int
		// ReasoningOutputTokens counts reasoning tokens, already included in
		// OutputTokens.
		ReasoningOutputTokens int
		// TotalTokens is InputTokens + OutputTokens.
		TotalTokens int
	}

	// RateLimitSnapshot reports provider usage windows parsed from response
	// headers. At least one window is set; an absent snapshot is represented
	// as a nil *RateLimitSnapshot, never as an empty value.
	RateLimitSnapshot struct {
		// Primary is the short-horizon usage window, when reported.
		Primary *RateLimitWindow
		// Secondary is the long-horizon usage window, when reported.
		Secondary *RateLimitWindow
	}

	// RateLimitWindow is one usage window within a snapshot.
	RateLimitWindow struct {
		// UsedPercent is the fraction of the window consumed, 0-100.
		UsedPercent float64
		// WindowMinutes is the window duration in minutes, when reported.
		WindowMinutes *int64
		// ResetsInSeconds is the time until the window resets, when reported.
		ResetsInSeconds *int64
	}

	// UsageLimit carries the plan metadata attached to a usage-limit failure
	// so callers can tell users which plan ran out and when it resets.
	UsageLimit struct {
		// Plan is the provider plan identifier ("plus", "pro", ...).
		Plan string
		// ResetsIn is the time until the limit resets, when reported.
		ResetsIn *time.Duration
	}
)

// Stream event kinds populating StreamEvent.Type.
const (
	EventCreated               = "created"
	EventOutputTextDelta       = "output_text.delta"
	EventReasoningTextDelta    = "reasoning_text.delta"
	EventReasoningSummaryDelta = "reasoning_summary.delta"
	EventOutputItemDone        = "output_item.done"
	EventRateLimits            = "rate_limits"
	EventCompleted             = "completed"
)

// Conversation item kinds populating ResponseItem.Type.
const (
	ItemTypeMessage            = "message"
	ItemTypeReasoning          = "reasoning"
	ItemTypeFunctionCall       = "function_call"
	ItemTypeFunctionCallOutput = "function_call_output"
)
