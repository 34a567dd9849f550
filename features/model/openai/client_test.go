package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	openai "github.com/irichard00/codex-study-sub000/features/model/openai"
	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/retry"
)

func userMessage(text string) model.ResponseItem {
	return model.ResponseItem{
		Type:    model.ItemTypeMessage,
		Role:    "user",
		Content: []model.ContentPart{{Type: "input_text", Text: text}},
	}
}

func streamRequest(items ...model.ResponseItem) *model.Request {
	if len(items) == 0 {
		items = []model.ResponseItem{userMessage("ping")}
	}
	return &model.Request{Model: "gpt-5", Input: items, Stream: true}
}

// writeFrames serves an SSE body, one data frame per element, flushing after
// each so the client sees them as separate reads.
func writeFrames(t *testing.T, w http.ResponseWriter, frames ...string) {
	t.Helper()
	fl, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, frame := range frames {
		if _, err := io.WriteString(w, "data: "+frame+"\n\n"); err != nil {
			return
		}
		fl.Flush()
	}
}

func completedFrames() []string {
	return []string{
		`{"type":"response.created"}`,
		`{"type":"response.output_text.delta","delta":"hello"}`,
		`{"type":"response.completed","response":{"id":"resp_1","usage":{"input_tokens":3,"output_tokens":2,"total_tokens":5}}}`,
		`[DONE]`,
	}
}

func drain(t *testing.T, s model.Streamer) []model.StreamEvent {
	t.Helper()
	defer s.Close()
	var events []model.StreamEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func newTestClient(t *testing.T, baseURL string, opts openai.Options) *openai.Client {
	t.Helper()
	opts.APIKey = "test-key"
	opts.BaseURL = baseURL
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}
	}
	c, err := openai.New(opts)
	require.NoError(t, err)
	return c
}

func TestStreamDeliversCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w, completedFrames()...)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{})
	s, err := c.Stream(context.Background(), streamRequest())
	require.NoError(t, err)

	events := drain(t, s)
	require.NotEmpty(t, events)

	var sawDelta bool
	for _, ev := range events {
		if ev.Type == model.EventOutputTextDelta && ev.Delta == "hello" {
			sawDelta = true
		}
	}
	require.True(t, sawDelta, "expected an output text delta")

	last := events[len(events)-1]
	require.Equal(t, model.EventCompleted, last.Type)
	require.Equal(t, "resp_1", last.Completed.ResponseID)
	require.NotNil(t, last.Completed.Usage)
	require.Equal(t, 5, last.Completed.Usage.TotalTokens)
	require.Equal(t, "resp_1", s.Metadata()["response_id"])
}

func TestStreamRetriesWhenRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"type":"rate_limit_exceeded","message":"slow down"}}`)
			return
		}
		writeFrames(t, w, completedFrames()...)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		Retry: retry.Config{MaxAttempts: 2, InitialBackoff: 2 * time.Second, MaxBackoff: 4 * time.Second, BackoffMultiplier: 2},
	})

	start := time.Now()
	s, err := c.Stream(context.Background(), streamRequest())
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second, "Retry-After should override the computed backoff")
	require.EqualValues(t, 2, calls.Load())

	events := drain(t, s)
	require.Equal(t, model.EventCompleted, events[len(events)-1].Type)
}

func TestStreamAuthFailureFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("x-request-id", "req_abc123")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_api_key","message":"bad key"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		Retry: retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	_, err := c.Stream(context.Background(), streamRequest())
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "auth failures must not be retried")

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindAuth, pe.Kind())
	require.Equal(t, http.StatusUnauthorized, pe.HTTPStatus())
	require.Equal(t, "req_abc123", pe.RequestID())
	require.False(t, pe.Retryable())
}

func TestStreamUsageLimitFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":{"type":"usage_limit_reached","message":"limit reached","plan_type":"plus","resets_in_seconds":3600}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		Retry: retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	_, err := c.Stream(context.Background(), streamRequest())
	require.Error(t, err)
	require.EqualValues(t, 1, calls.Load(), "usage limits must not be retried")

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindUsageLimit, pe.Kind())
	require.False(t, pe.Retryable())
	require.NotNil(t, pe.UsageLimit())
	require.Equal(t, "plus", pe.UsageLimit().Plan)
	require.NotNil(t, pe.UsageLimit().ResetsIn)
	require.Equal(t, time.Hour, *pe.UsageLimit().ResetsIn)
}

func TestStreamRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		Retry: retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond, BackoffMultiplier: 2},
	})
	_, err := c.Stream(context.Background(), streamRequest())
	require.Error(t, err)
	require.EqualValues(t, 3, calls.Load())

	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 3, ex.Attempts)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusServiceUnavailable, pe.HTTPStatus())
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
}

func TestStreamTransportFailureRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := srv.URL
	srv.Close()

	c := newTestClient(t, deadURL, openai.Options{
		Retry: retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	_, err := c.Stream(context.Background(), streamRequest())
	require.Error(t, err)

	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	require.Equal(t, 2, ex.Attempts)

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
	require.Equal(t, 0, pe.HTTPStatus())
	require.True(t, pe.Retryable())
}

func TestStreamStalledConnectionRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			// Hold the connection open without ever sending a byte.
			<-r.Context().Done()
			return
		}
		writeFrames(t, w, completedFrames()...)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		IdleTimeout: 50 * time.Millisecond,
		Retry:       retry.Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 2},
	})
	s, err := c.Stream(context.Background(), streamRequest())
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load(), "a connection with no bytes should be abandoned and retried")

	events := drain(t, s)
	require.Equal(t, model.EventCompleted, events[len(events)-1].Type)
}

type capturedRequest struct {
	header http.Header
	body   map[string]any
}

func TestStreamSendsProtocolHeaders(t *testing.T) {
	got := make(chan capturedRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- capturedRequest{header: r.Header.Clone(), body: body}
		writeFrames(t, w, completedFrames()...)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{
		Organization:   "org-42",
		ConversationID: "conv-1",
	})
	req := streamRequest()
	req.Instructions = "be brief"
	req.Tools = []model.ToolDefinition{{Name: "lookup", Description: "Search the docs"}}
	req.Reasoning = &model.ReasoningOptions{Effort: "high", Summary: "auto"}

	s, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s)

	cr := <-got
	require.Equal(t, "Bearer test-key", cr.header.Get("Authorization"))
	require.Equal(t, "application/json", cr.header.Get("Content-Type"))
	require.Equal(t, "text/event-stream", cr.header.Get("Accept"))
	require.Equal(t, "responses=experimental", cr.header.Get("OpenAI-Beta"))
	require.Equal(t, "org-42", cr.header.Get("OpenAI-Organization"))
	require.Equal(t, "conv-1", cr.header.Get("conversation_id"))
	require.Equal(t, "conv-1", cr.header.Get("session_id"))

	require.Equal(t, "gpt-5", cr.body["model"])
	require.Equal(t, true, cr.body["stream"])
	require.Equal(t, false, cr.body["store"])
	require.Equal(t, "be brief", cr.body["instructions"])
	require.Equal(t, "auto", cr.body["tool_choice"])
	require.Equal(t, []any{"reasoning.encrypted_content"}, cr.body["include"])

	reasoning, ok := cr.body["reasoning"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "high", reasoning["effort"])
	require.Equal(t, "auto", reasoning["summary"])

	tools, ok := cr.body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	tool, ok := tools[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "function", tool["type"])
	require.Equal(t, "lookup", tool["name"])
	params, ok := tool["parameters"].(map[string]any)
	require.True(t, ok, "nil tool parameters should become an empty object schema")
	require.Equal(t, "object", params["type"])
}

func TestStreamAzureRequestShaping(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		writeFrames(t, w, completedFrames()...)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{AzureWorkaround: true})
	req := streamRequest(
		userMessage("ping"),
		model.ResponseItem{Type: model.ItemTypeReasoning, EncryptedContent: "opaque"},
	)
	s, err := c.Stream(context.Background(), req)
	require.NoError(t, err)
	drain(t, s)

	body := <-got
	require.Equal(t, true, body["store"])
	require.NotContains(t, body, "include")

	input, ok := body["input"].([]any)
	require.True(t, ok)
	require.Len(t, input, 2)
	reasoning, ok := input[1].(map[string]any)
	require.True(t, ok)
	id, _ := reasoning["id"].(string)
	require.True(t, strings.HasPrefix(id, "rs_"), "reasoning items need stable ids, got %q", id)

	require.Empty(t, req.Input[1].ID, "caller request must not be mutated")
}

func TestStreamRejectsInvalidOutputSchema(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, openai.Options{})
	req := streamRequest()
	req.OutputSchema = map[string]any{"type": 12}

	_, err := c.Stream(context.Background(), req)
	require.Error(t, err)
	require.Contains(t, err.Error(), "output schema")
	require.EqualValues(t, 0, calls.Load(), "invalid schemas must be rejected before any network attempt")

	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, model.ProviderErrorKindInvalidRequest, pe.Kind())
	require.False(t, pe.Retryable())
}

func TestStreamValidatesRequest(t *testing.T) {
	c, err := openai.New(openai.Options{APIKey: "k", Model: "gpt-5"})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  *model.Request
	}{
		{"nil request", nil},
		{"non-streaming", &model.Request{Model: "gpt-5", Input: []model.ResponseItem{userMessage("x")}}},
		{"no input", &model.Request{Model: "gpt-5", Stream: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Stream(context.Background(), tc.req)
			require.Error(t, err)
		})
	}

	t.Run("no model", func(t *testing.T) {
		bare, err := openai.New(openai.Options{APIKey: "k"})
		require.NoError(t, err)
		_, err = bare.Stream(context.Background(), &model.Request{
			Input:  []model.ResponseItem{userMessage("x")},
			Stream: true,
		})
		require.ErrorContains(t, err, "model identifier")
	})
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := openai.New(openai.Options{})
	require.ErrorContains(t, err, "api key")

	_, err = openai.New(openai.Options{APIKey: "k", WireAPI: "grpc"})
	require.ErrorContains(t, err, "unsupported wire api")
}
