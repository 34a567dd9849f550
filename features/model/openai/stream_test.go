package openai

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

// scriptedBody plays back queued chunks one Read at a time and then either
// returns its terminal error or blocks like a live connection until closed.
type scriptedBody struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	closed chan struct{}
	once   sync.Once
}

func newScriptedBody(terminal error, chunks ...string) *scriptedBody {
	b := &scriptedBody{err: terminal, closed: make(chan struct{})}
	for _, c := range chunks {
		b.chunks = append(b.chunks, []byte(c))
	}
	return b
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	if len(b.chunks) > 0 {
		c := b.chunks[0]
		b.chunks = b.chunks[1:]
		b.mu.Unlock()
		return copy(p, c), nil
	}
	b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	<-b.closed
	return 0, errors.New("use of closed body")
}

func (b *scriptedBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func frame(payload string) string { return "data: " + payload + "\n\n" }

const (
	frameCreated   = `{"type":"response.created"}`
	frameCompleted = `{"type":"response.completed","response":{"id":"resp_9","usage":{"input_tokens":7,"input_tokens_details":{"cached_tokens":2},"output_tokens":3,"output_tokens_details":{"reasoning_tokens":1},"total_tokens":10}}}`
	frameItemDone  = `{"type":"response.output_item.done","item":{"type":"message","role":"assistant","content":[{"type":"output_text","text":"Hello"}]}}`
)

func newResponsesStreamer(t *testing.T, body io.ReadCloser, first []byte, firstErr error, limits *model.RateLimitSnapshot, idle time.Duration) *openaiStreamer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	factory := func(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) frameProcessor {
		return newResponsesProcessor(ctx, emit, logger)
	}
	s := newOpenAIStreamer(ctx, cancel, body, first, firstErr, limits, factory, idle, telemetry.NewNoopLogger(), map[string]any{"provider": "openai"})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collectEvents(s *openaiStreamer) ([]model.StreamEvent, error) {
	var events []model.StreamEvent
	for {
		ev, err := s.Recv()
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestStreamerOrdersEvents(t *testing.T) {
	body := newScriptedBody(io.EOF,
		frame(frameCreated),
		frame(`{"type":"response.reasoning_text.delta","delta":"thinking"}`),
		frame(`{"type":"response.output_text.delta","delta":"Hel"}`),
		frame(`{"type":"response.output_text.delta","delta":"lo"}`),
		frame(`{"type":"response.reasoning_summary_text.delta","delta":"summary"}`),
		frame(frameItemDone),
		frame(frameCompleted),
	)
	limits := &model.RateLimitSnapshot{Primary: &model.RateLimitWindow{UsedPercent: 10}}
	s := newResponsesStreamer(t, body, nil, nil, limits, time.Second)

	events, err := collectEvents(s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{
		model.EventRateLimits,
		model.EventCreated,
		model.EventReasoningTextDelta,
		model.EventOutputTextDelta,
		model.EventOutputTextDelta,
		model.EventReasoningSummaryDelta,
		model.EventOutputItemDone,
		model.EventCompleted,
	}
	if !slices.Equal(types, want) {
		t.Fatalf("event order = %v, want %v", types, want)
	}

	if events[0].RateLimits == nil || events[0].RateLimits.Primary.UsedPercent != 10 {
		t.Fatalf("rate limit event = %+v", events[0].RateLimits)
	}
	item := events[6].Item
	if item == nil || item.Type != model.ItemTypeMessage || len(item.Content) == 0 || item.Content[0].Text != "Hello" {
		t.Fatalf("item = %+v", item)
	}
	completed := events[7].Completed
	if completed == nil || completed.ResponseID != "resp_9" {
		t.Fatalf("completed = %+v", completed)
	}
	usage := completed.Usage
	if usage == nil || usage.InputTokens != 7 || usage.CachedInputTokens != 2 ||
		usage.OutputTokens != 3 || usage.ReasoningOutputTokens != 1 || usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", usage)
	}

	meta := s.Metadata()
	if meta["response_id"] != "resp_9" {
		t.Fatalf("metadata response_id = %v", meta["response_id"])
	}
	if _, ok := meta["rate_limits"]; !ok {
		t.Fatal("metadata missing rate_limits")
	}

	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("recv after end should keep returning EOF, got %v", err)
	}
}

func TestStreamerEmitsTrailingItemBeforeCompleted(t *testing.T) {
	// output_item.done frames can trail the completed frame on the wire;
	// they must still surface before the stored completion does.
	body := newScriptedBody(io.EOF,
		frame(frameCreated),
		frame(frameCompleted),
		frame(frameItemDone),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	events, err := collectEvents(s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{model.EventCreated, model.EventOutputItemDone, model.EventCompleted}
	if !slices.Equal(types, want) {
		t.Fatalf("event order = %v, want %v", types, want)
	}

	item := events[1].Item
	if item == nil || item.Type != model.ItemTypeMessage || len(item.Content) == 0 || item.Content[0].Text != "Hello" {
		t.Fatalf("trailing item = %+v", item)
	}
	if events[2].Completed == nil || events[2].Completed.ResponseID != "resp_9" {
		t.Fatalf("completed = %+v", events[2].Completed)
	}
}

func TestStreamerDoneSentinelCompletes(t *testing.T) {
	// The body never returns EOF on its own; the sentinel alone must finish
	// the stream.
	body := newScriptedBody(nil,
		frame(frameCreated),
		frame(frameCompleted),
		frame("[DONE]"),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	events, err := collectEvents(s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}
	if len(events) != 2 || events[1].Type != model.EventCompleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamerCloseWithoutCompletedFails(t *testing.T) {
	body := newScriptedBody(io.EOF,
		frame(frameCreated),
		frame(`{"type":"response.output_text.delta","delta":"partial"}`),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	events, err := collectEvents(s)
	if len(events) != 2 {
		t.Fatalf("expected the partial events to be delivered, got %+v", events)
	}
	se, ok := model.AsStreamIntegrityError(err)
	if !ok {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if se.Reason != model.ErrClosedBeforeCompleted {
		t.Fatalf("reason = %q", se.Reason)
	}
}

func TestStreamerResponseFailedFails(t *testing.T) {
	body := newScriptedBody(nil,
		frame(frameCreated),
		frame(`{"type":"response.failed","response":{"error":{"message":"model overloaded"}}}`),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	_, err := collectEvents(s)
	se, ok := model.AsStreamIntegrityError(err)
	if !ok {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(se.Reason, "response.failed") || !strings.Contains(se.Reason, "model overloaded") {
		t.Fatalf("reason = %q", se.Reason)
	}
}

func TestStreamerAbnormalEndAfterCompletedFails(t *testing.T) {
	// The completion was stored but the transport died instead of ending
	// cleanly; the partial stream must not be treated as committed.
	body := newScriptedBody(errors.New("connection reset"),
		frame(frameCreated),
		frame(frameCompleted),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	events, err := collectEvents(s)
	for _, ev := range events {
		if ev.Type == model.EventCompleted {
			t.Fatal("completed must not be emitted after an abnormal end")
		}
	}
	se, ok := model.AsStreamIntegrityError(err)
	if !ok {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if se.Cause == nil || se.Cause.Error() != "connection reset" {
		t.Fatalf("cause = %v", se.Cause)
	}
}

func TestStreamerMidStreamStallFails(t *testing.T) {
	body := newScriptedBody(nil, frame(frameCreated))
	s := newResponsesStreamer(t, body, nil, nil, nil, 50*time.Millisecond)

	if ev, err := s.Recv(); err != nil || ev.Type != model.EventCreated {
		t.Fatalf("first event = %+v, %v", ev, err)
	}
	_, err := s.Recv()
	se, ok := model.AsStreamIntegrityError(err)
	if !ok {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(se.Reason, "no data received") {
		t.Fatalf("reason = %q", se.Reason)
	}
}

func TestStreamerIgnoresUnknownAndMalformedFrames(t *testing.T) {
	body := newScriptedBody(io.EOF,
		frame(frameCreated),
		frame(`{"type":"response.telemetry.blip"}`),
		frame(`{"type":"response.in_progress"}`),
		frame(`not json at all`),
		frame(frameCompleted),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	events, err := collectEvents(s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}
	if len(events) != 2 || events[0].Type != model.EventCreated || events[1].Type != model.EventCompleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestStreamerReplaysConnectBytes(t *testing.T) {
	t.Run("first bytes carry the whole stream", func(t *testing.T) {
		first := []byte(frame(frameCreated) + frame(frameCompleted) + frame("[DONE]"))
		body := newScriptedBody(nil)
		s := newResponsesStreamer(t, body, first, nil, nil, time.Second)

		events, err := collectEvents(s)
		if !errors.Is(err, io.EOF) {
			t.Fatalf("expected clean end, got %v", err)
		}
		if len(events) != 2 || events[1].Type != model.EventCompleted {
			t.Fatalf("events = %+v", events)
		}
	})

	t.Run("empty body is an integrity violation", func(t *testing.T) {
		body := newScriptedBody(nil)
		s := newResponsesStreamer(t, body, nil, io.EOF, nil, time.Second)

		_, err := collectEvents(s)
		se, ok := model.AsStreamIntegrityError(err)
		if !ok || se.Reason != model.ErrClosedBeforeCompleted {
			t.Fatalf("expected closed-before-completed, got %v", err)
		}
	})
}

func TestStreamerSlowConsumerKeepsCompleted(t *testing.T) {
	body := newScriptedBody(io.EOF,
		frame(frameCreated),
		frame(frameCompleted),
	)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	// Let the pump finish and exit before the consumer shows up.
	time.Sleep(50 * time.Millisecond)

	events, err := collectEvents(s)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected clean end, got %v", err)
	}
	if len(events) != 2 || events[1].Type != model.EventCompleted {
		t.Fatalf("buffered events were lost: %+v", events)
	}
}

func TestStreamerRecvAfterCloseReturnsCanceled(t *testing.T) {
	body := newScriptedBody(nil)
	s := newResponsesStreamer(t, body, nil, nil, nil, time.Second)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, context.Canceled) {
		t.Fatalf("recv after close = %v", err)
	}
}
