package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

// frameProcessor consumes decoded SSE data payloads for one wire shape and
// emits typed stream events. Pending returns the stored terminal completion
// once the upstream has signalled it; it stays nil until then so the streamer
// can gate the completed event on transport end-of-stream.
type frameProcessor interface {
	Handle(data []byte) error
	Pending() *model.Completed
}

// processorFactory builds the frame processor for one stream. The processor
// is created inside the pump goroutine so it can close over the streamer's
// emit path.
type processorFactory func(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) frameProcessor

// openaiStreamer pumps one response body through the frame scanner and a
// frameProcessor, surfacing typed events via Recv. One streamer exclusively
// owns its connection, scanner and processor; concurrent streams never share
// state.
type openaiStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser

	events chan model.StreamEvent

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	scanner *frameScanner
	newProc processorFactory
	proc    frameProcessor
	limits  *model.RateLimitSnapshot

	// first holds body bytes the connection phase already read while waiting
	// for the stream to start; firstErr is the read error that accompanied
	// them, replayed after the bytes are consumed.
	first    []byte
	firstErr error

	idle time.Duration
	log  telemetry.Logger
}

func newOpenAIStreamer(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, first []byte, firstErr error, limits *model.RateLimitSnapshot, newProc processorFactory, idle time.Duration, logger telemetry.Logger, metadata map[string]any) *openaiStreamer {
	s := &openaiStreamer{
		ctx:      ctx,
		cancel:   cancel,
		body:     body,
		events:   make(chan model.StreamEvent, 32),
		metadata: metadata,
		scanner:  &frameScanner{},
		newProc:  newProc,
		limits:   limits,
		first:    first,
		firstErr: firstErr,
		idle:     idle,
		log:      logger,
	}
	go s.run()
	return s
}

func (s *openaiStreamer) Recv() (model.StreamEvent, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.err(); err != nil {
			return model.StreamEvent{}, err
		}
		return model.StreamEvent{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return model.StreamEvent{}, err
	}
}

func (s *openaiStreamer) Close() error {
	s.cancel()
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

func (s *openaiStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

type readResult struct {
	data []byte
	err  error
}

func (s *openaiStreamer) run() {
	defer close(s.events)
	defer func() {
		if s.body != nil {
			_ = s.body.Close()
		}
	}()

	s.proc = s.newProc(s.ctx, s.emit, s.log)

	// The rate-limit snapshot is the first event of the stream when present.
	if s.limits != nil {
		s.recordMetadata("rate_limits", *s.limits)
		if err := s.emit(model.StreamEvent{Type: model.EventRateLimits, RateLimits: s.limits}); err != nil {
			s.setErr(err)
			return
		}
	}

	if len(s.first) > 0 {
		finished, err := s.feed(s.first)
		if err != nil {
			s.setErr(err)
			return
		}
		if finished {
			s.finish()
			return
		}
	}
	if s.firstErr != nil {
		s.endOfBody(s.firstErr)
		return
	}

	raw := make(chan readResult)
	go s.readBody(raw)

	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case <-timer.C:
			s.setErr(&model.StreamIntegrityError{
				Reason: fmt.Sprintf("no data received for %s mid-stream", s.idle),
			})
			return
		case res := <-raw:
			if len(res.data) > 0 {
				finished, err := s.feed(res.data)
				if err != nil {
					s.setErr(err)
					return
				}
				if finished {
					s.finish()
					return
				}
			}
			if res.err != nil {
				s.endOfBody(res.err)
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.idle)
		}
	}
}

// readBody reads body chunks into the pump channel until the body errors or
// the stream context ends. Each chunk is copied because the read buffer is
// reused.
func (s *openaiStreamer) readBody(raw chan<- readResult) {
	buf := make([]byte, 4096)
	for {
		n, err := s.body.Read(buf)
		var data []byte
		if n > 0 {
			data = append([]byte(nil), buf[:n]...)
		}
		select {
		case raw <- readResult{data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// feed runs newly arrived bytes through the scanner and processor, reporting
// whether the [DONE] sentinel ended the frame sequence.
func (s *openaiStreamer) feed(data []byte) (bool, error) {
	for _, frame := range s.scanner.Feed(data) {
		if err := s.proc.Handle(frame); err != nil {
			return false, err
		}
	}
	return s.scanner.Done(), nil
}

// endOfBody handles the body read error that ended the pump: io.EOF is the
// normal end of the transport, anything else fails the stream.
func (s *openaiStreamer) endOfBody(err error) {
	if errors.Is(err, io.EOF) {
		s.finish()
		return
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.setErr(ctxErr)
		return
	}
	s.setErr(&model.StreamIntegrityError{Reason: model.ErrClosedBeforeCompleted, Cause: err})
}

// finish runs once the transport signalled end-of-stream. The stored
// completion becomes the final event; a stream that ended without one is a
// protocol violation.
func (s *openaiStreamer) finish() {
	completed := s.proc.Pending()
	if completed == nil {
		s.setErr(&model.StreamIntegrityError{Reason: model.ErrClosedBeforeCompleted})
		return
	}
	if completed.ResponseID != "" {
		s.recordMetadata("response_id", completed.ResponseID)
	}
	if completed.Usage != nil {
		s.recordMetadata("usage", *completed.Usage)
	}
	if err := s.emit(model.StreamEvent{Type: model.EventCompleted, Completed: completed}); err != nil {
		s.setErr(err)
		return
	}
	s.setErr(nil)
}

func (s *openaiStreamer) emit(ev model.StreamEvent) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.events <- ev:
		return nil
	}
}

func (s *openaiStreamer) recordMetadata(key string, value any) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = value
	s.metaMu.Unlock()
}

func (s *openaiStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openaiStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// responsesProcessor maps Responses SSE frames onto stream events. The
// response.completed frame is stored, never emitted directly: trailing
// output_item.done frames may still be in flight when it arrives, so the
// completion surfaces only after the transport confirms end-of-stream.
type responsesProcessor struct {
	ctx  context.Context
	emit func(model.StreamEvent) error
	log  telemetry.Logger

	pending *model.Completed
}

func newResponsesProcessor(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) *responsesProcessor {
	return &responsesProcessor{ctx: ctx, emit: emit, log: logger}
}

func (p *responsesProcessor) Handle(data []byte) error {
	var ev responsesEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		p.log.Debug(p.ctx, "skipping undecodable stream frame", "error", err)
		return nil
	}
	switch ev.Type {
	case "response.created":
		return p.emit(model.StreamEvent{Type: model.EventCreated})
	case "response.output_text.delta":
		if ev.Delta == "" {
			return nil
		}
		return p.emit(model.StreamEvent{Type: model.EventOutputTextDelta, Delta: ev.Delta})
	case "response.reasoning_text.delta":
		if ev.Delta == "" {
			return nil
		}
		return p.emit(model.StreamEvent{Type: model.EventReasoningTextDelta, Delta: ev.Delta})
	case "response.reasoning_summary_text.delta":
		if ev.Delta == "" {
			return nil
		}
		return p.emit(model.StreamEvent{Type: model.EventReasoningSummaryDelta, Delta: ev.Delta})
	case "response.output_item.done":
		if ev.Item == nil {
			return nil
		}
		return p.emit(model.StreamEvent{Type: model.EventOutputItemDone, Item: ev.Item})
	case "response.completed":
		completed := &model.Completed{}
		if ev.Response != nil {
			completed.ResponseID = ev.Response.ID
			completed.Usage = ev.Response.Usage.toModel()
		}
		p.pending = completed
		return nil
	case "response.failed":
		message := "response.failed"
		if ev.Response != nil && ev.Response.Error != nil && ev.Response.Error.Message != "" {
			message = ev.Response.Error.Message
		}
		return &model.StreamIntegrityError{Reason: fmt.Sprintf("response.failed: %s", message)}
	case "response.in_progress",
		"response.output_item.added",
		"response.content_part.added",
		"response.content_part.done",
		"response.output_text.done",
		"response.reasoning_summary_part.added",
		"response.reasoning_summary_part.done",
		"response.reasoning_summary_text.done",
		"response.reasoning_text.done",
		"response.function_call_arguments.delta",
		"response.function_call_arguments.done":
		// Recognized lifecycle noise; the complete items arrive via
		// output_item.done.
		return nil
	default:
		p.log.Debug(p.ctx, "ignoring unknown stream event type", "type", ev.Type)
		return nil
	}
}

func (p *responsesProcessor) Pending() *model.Completed {
	return p.pending
}
