// Package queue provides a priority admission queue in front of a model
// client. Requests wait in four priority bands and are admitted one at a
// time under per-minute and per-hour rate limits, each admitted request
// streaming on its own goroutine.
//
// Pending entries and recent admission timestamps persist through a
// store.Store so a restarted process resumes the queue where it stopped.
// Callbacks are process-local and are not restored with persisted entries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/irichard00/codex-study-sub000/features/queue/store"
	"github.com/irichard00/codex-study-sub000/features/queue/store/memory"
	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/retry"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

// Priority orders queued requests. Higher priorities are admitted first;
// within a priority, requests are admitted in enqueue order.
type Priority int

// Priority bands from least to most urgent.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

const numPriorities = int(PriorityUrgent) + 1

// windowLength is the span of the sliding hourly admission window.
const windowLength = time.Hour

// String returns the band name used in logs and metric tags.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

type (
	// Config bounds the admission rate. Zero values disable the
	// corresponding limit.
	Config struct {
		// RequestsPerMinute caps the sustained admission rate.
		RequestsPerMinute int
		// RequestsPerHour caps admissions within any sliding hour.
		RequestsPerHour int
		// BurstLimit allows short bursts above the sustained per-minute
		// rate. Defaults to 1.
		BurstLimit int
	}

	// Options configures a Queue.
	Options struct {
		// Client streams admitted requests. Required.
		Client model.Client
		// Limits bound the admission rate. The zero value admits
		// without throttling.
		Limits Config
		// Store persists pending entries and the admission window.
		// Defaults to an in-memory store.
		Store store.Store
		// Logger receives queue lifecycle logs. Defaults to a no-op.
		Logger telemetry.Logger
		// Metrics receives queue counters. Defaults to a no-op.
		Metrics telemetry.Metrics
	}

	// EnqueueOptions carries per-request settings and callbacks.
	// Callbacks run on the goroutine streaming the request and are
	// process-local: entries restored from the store run without them.
	EnqueueOptions struct {
		// MaxRetries re-admits the request after a retryable failure up
		// to this many times. Each retry returns the request to the
		// back of its priority band.
		MaxRetries int
		// OnEvent receives every stream event of the admitted request.
		OnEvent func(model.StreamEvent)
		// OnComplete fires when the stream finishes with a completion.
		OnComplete func(*model.Completed)
		// OnError fires when the request fails with no retries left.
		OnError func(error)
	}

	// Status is a point-in-time snapshot of queue state.
	Status struct {
		// QueueSize is the number of pending entries across all bands.
		QueueSize int
		// PerPriority breaks pending entries down by band.
		PerPriority map[Priority]int
		// Running is the number of admitted requests currently streaming.
		Running int
		// Paused reports whether admissions are suspended.
		Paused bool
		// Admitted counts admissions since the queue started.
		Admitted uint64
		// Completed counts requests whose stream finished normally.
		Completed uint64
		// Failed counts requests that failed with no retries left.
		Failed uint64
		// Requeued counts re-admissions after retryable failures.
		Requeued uint64
	}

	// Queue schedules model requests through priority bands and rate
	// limits. A single dispatcher goroutine serializes admission
	// decisions; each admitted request streams on its own goroutine.
	Queue struct {
		client  model.Client
		store   store.Store
		limits  Config
		limiter *rate.Limiter
		log     telemetry.Logger
		metrics telemetry.Metrics

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
		wake   chan struct{}
		seq    atomic.Uint64

		mu        sync.Mutex
		bands     [numPriorities][]*entry
		byID      map[string]*entry
		hourly    []time.Time
		paused    bool
		closed    bool
		running   int
		admitted  uint64
		completed uint64
		failed    uint64
		requeued  uint64
	}

	// entry is a queued request with its process-local callbacks.
	entry struct {
		id         string
		priority   Priority
		seq        uint64
		request    *model.Request
		maxRetries int
		attempts   int
		enqueuedAt time.Time
		onEvent    func(model.StreamEvent)
		onComplete func(*model.Completed)
		onError    func(error)
	}
)

// New creates a queue and starts its dispatcher. ctx bounds the initial
// state restore from the store; the queue itself runs until Close.
func New(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	st := opts.Store
	if st == nil {
		st = memory.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	qctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		client:  opts.Client,
		store:   st,
		limits:  opts.Limits,
		limiter: newLimiter(opts.Limits),
		log:     logger,
		metrics: metrics,
		ctx:     qctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		byID:    make(map[string]*entry),
	}
	if err := q.restore(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("restore queue state: %w", err)
	}

	q.wg.Add(1)
	go q.dispatch()
	return q, nil
}

// newLimiter builds the per-minute token bucket. A zero per-minute limit
// admits without pacing.
func newLimiter(cfg Config) *rate.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.BurstLimit
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
}

// restore loads pending entries and the admission window so the queue
// picks up where the previous process stopped. Admissions from the last
// minute deplete the token bucket so a restart cannot double the rate.
func (q *Queue) restore(ctx context.Context) error {
	entries, err := q.store.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	var maxSeq uint64
	for _, rec := range entries {
		p := Priority(rec.Priority)
		if p < PriorityLow || p > PriorityUrgent {
			q.log.Warn(ctx, "dropping entry with unknown priority", "id", rec.ID, "priority", rec.Priority)
			continue
		}
		e := &entry{
			id:         rec.ID,
			priority:   p,
			seq:        rec.Sequence,
			request:    rec.Request,
			maxRetries: rec.MaxRetries,
			attempts:   rec.Attempts,
			enqueuedAt: rec.EnqueuedAt,
		}
		q.bands[p] = append(q.bands[p], e)
		q.byID[e.id] = e
		if rec.Sequence > maxSeq {
			maxSeq = rec.Sequence
		}
	}
	q.seq.Store(maxSeq)
	if len(entries) > 0 {
		q.log.Info(ctx, "restored pending entries", "count", len(q.byID))
	}

	window, err := q.store.LoadWindow(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load window: %w", err)
	}
	now := time.Now()
	for _, ts := range window.Admissions {
		if now.Sub(ts) < windowLength {
			q.hourly = append(q.hourly, ts)
		}
	}
	sort.Slice(q.hourly, func(i, j int) bool { return q.hourly[i].Before(q.hourly[j]) })

	recent := 0
	for _, ts := range q.hourly {
		if now.Sub(ts) < time.Minute {
			recent++
		}
	}
	if b := q.limiter.Burst(); recent > b {
		recent = b
	}
	if recent > 0 {
		_ = q.limiter.AllowN(now, recent)
	}
	return nil
}

// Enqueue adds a request to its priority band and returns the entry ID.
// The entry is persisted before it becomes eligible for admission.
func (q *Queue) Enqueue(ctx context.Context, req *model.Request, priority Priority, opts EnqueueOptions) (string, error) {
	if req == nil {
		return "", errors.New("request is required")
	}
	if priority < PriorityLow || priority > PriorityUrgent {
		return "", fmt.Errorf("invalid priority %d", priority)
	}
	if opts.MaxRetries < 0 {
		return "", fmt.Errorf("max retries must not be negative, got %d", opts.MaxRetries)
	}

	e := &entry{
		id:         uuid.NewString(),
		priority:   priority,
		seq:        q.seq.Add(1),
		request:    req,
		maxRetries: opts.MaxRetries,
		enqueuedAt: time.Now().UTC(),
		onEvent:    opts.OnEvent,
		onComplete: opts.OnComplete,
		onError:    opts.OnError,
	}

	if err := q.store.SaveEntry(ctx, e.record()); err != nil {
		return "", fmt.Errorf("persist entry: %w", err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		// Roll back the persisted entry; errors are ignored.
		_ = q.store.DeleteEntry(context.WithoutCancel(ctx), e.id)
		return "", errors.New("queue is closed")
	}
	q.bands[priority] = append(q.bands[priority], e)
	q.byID[e.id] = e
	q.mu.Unlock()

	q.signal()
	q.metrics.IncCounter("queue_enqueued", 1, "priority", priority.String())
	q.log.Debug(ctx, "request enqueued", "id", e.id, "priority", priority.String())
	return e.id, nil
}

// Dequeue removes a pending entry by ID. It returns false when the entry
// is unknown or already admitted; admitted requests cannot be recalled.
func (q *Queue) Dequeue(id string) bool {
	q.mu.Lock()
	e, ok := q.byID[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.byID, id)
	band := q.bands[e.priority]
	for i, cand := range band {
		if cand.id == id {
			q.bands[e.priority] = append(band[:i], band[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	if err := q.store.DeleteEntry(q.ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.log.Error(q.ctx, "remove dequeued entry", "id", id, "error", err.Error())
	}
	return true
}

// Pause suspends admissions. Requests already streaming are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	q.log.Info(q.ctx, "queue paused")
}

// Resume lifts a pause and wakes the dispatcher.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.signal()
	q.log.Info(q.ctx, "queue resumed")
}

// Clear removes all pending entries and returns how many were removed.
// Requests already streaming are unaffected.
func (q *Queue) Clear() int {
	q.mu.Lock()
	ids := make([]string, 0, len(q.byID))
	for id := range q.byID {
		ids = append(ids, id)
	}
	for p := range q.bands {
		q.bands[p] = nil
	}
	q.byID = make(map[string]*entry)
	q.mu.Unlock()

	for _, id := range ids {
		if err := q.store.DeleteEntry(q.ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			q.log.Error(q.ctx, "remove cleared entry", "id", id, "error", err.Error())
		}
	}
	return len(ids)
}

// Status reports a snapshot of queue state.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	per := make(map[Priority]int, numPriorities)
	size := 0
	for p := range q.bands {
		per[Priority(p)] = len(q.bands[p])
		size += len(q.bands[p])
	}
	return Status{
		QueueSize:   size,
		PerPriority: per,
		Running:     q.running,
		Paused:      q.paused,
		Admitted:    q.admitted,
		Completed:   q.completed,
		Failed:      q.failed,
		Requeued:    q.requeued,
	}
}

// Close stops admissions, cancels in-flight requests, and waits for all
// queue goroutines to finish or for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signal wakes the dispatcher without blocking the caller.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single goroutine that serializes admission decisions.
// It blocks while the queue is paused or empty and sleeps out rate-limit
// waits, re-checking state whenever it is woken.
func (q *Queue) dispatch() {
	defer q.wg.Done()
	for {
		e, wait := q.tryAdmit()
		if e != nil {
			q.persistAdmission(e)
			q.wg.Add(1)
			go q.run(e)
			continue
		}
		if wait <= 0 {
			select {
			case <-q.ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tryAdmit pops the next admissible entry. When nothing can be admitted
// it returns a nil entry with the duration to wait before the next
// attempt, zero meaning block until woken.
func (q *Queue) tryAdmit() (*entry, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil, 0
	}
	e := q.peekLocked()
	if e == nil {
		return nil, 0
	}

	now := time.Now()
	q.pruneWindowLocked(now)
	if q.limits.RequestsPerHour > 0 && len(q.hourly) >= q.limits.RequestsPerHour {
		return nil, q.hourly[0].Add(windowLength).Sub(now)
	}
	res := q.limiter.ReserveN(now, 1)
	if !res.OK() {
		return nil, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return nil, delay
	}

	q.bands[e.priority] = q.bands[e.priority][1:]
	delete(q.byID, e.id)
	e.attempts++
	q.hourly = append(q.hourly, now)
	q.running++
	q.admitted++
	return e, 0
}

// peekLocked returns the head of the highest non-empty band.
func (q *Queue) peekLocked() *entry {
	for p := int(PriorityUrgent); p >= int(PriorityLow); p-- {
		if band := q.bands[p]; len(band) > 0 {
			return band[0]
		}
	}
	return nil
}

// pruneWindowLocked drops admission timestamps older than the window.
func (q *Queue) pruneWindowLocked(now time.Time) {
	cut := 0
	for cut < len(q.hourly) && now.Sub(q.hourly[cut]) >= windowLength {
		cut++
	}
	if cut > 0 {
		q.hourly = append([]time.Time(nil), q.hourly[cut:]...)
	}
}

// persistAdmission removes the admitted entry from the store and saves
// the updated admission window. A crash between admission and removal
// re-admits the entry on restart; once the removal lands, an in-flight
// stream that dies with the process is not replayed.
func (q *Queue) persistAdmission(e *entry) {
	if err := q.store.DeleteEntry(q.ctx, e.id); err != nil && !errors.Is(err, store.ErrNotFound) {
		q.log.Error(q.ctx, "remove admitted entry", "id", e.id, "error", err.Error())
	}
	q.mu.Lock()
	window := &store.Window{Admissions: append([]time.Time(nil), q.hourly...)}
	q.mu.Unlock()
	if err := q.store.SaveWindow(q.ctx, window); err != nil {
		q.log.Error(q.ctx, "save admission window", "error", err.Error())
	}
}

// run streams one admitted request and settles the entry: completion,
// re-enqueue after a retryable failure, or terminal failure.
func (q *Queue) run(e *entry) {
	defer q.wg.Done()
	q.metrics.IncCounter("queue_admitted", 1, "priority", e.priority.String())
	q.log.Debug(q.ctx, "request admitted", "id", e.id, "priority", e.priority.String(), "attempt", e.attempts)

	err := q.streamEntry(e)

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	switch {
	case err == nil:
		q.mu.Lock()
		q.completed++
		q.mu.Unlock()
		q.metrics.IncCounter("queue_completed", 1)
		q.log.Debug(q.ctx, "request completed", "id", e.id, "attempts", e.attempts)
	case retry.IsRetryable(err) && e.attempts <= e.maxRetries:
		q.requeue(e, err)
	default:
		q.mu.Lock()
		q.failed++
		q.mu.Unlock()
		q.metrics.IncCounter("queue_failed", 1)
		q.log.Error(q.ctx, "request failed", "id", e.id, "attempts", e.attempts, "error", err.Error())
		if e.onError != nil {
			e.onError(err)
		}
	}
}

// streamEntry runs the model stream for an entry, forwarding events to
// the entry's callbacks. A nil return means the stream completed.
func (q *Queue) streamEntry(e *entry) error {
	streamer, err := q.client.Stream(q.ctx, e.request)
	if err != nil {
		return err
	}
	defer func() { _ = streamer.Close() }()

	for {
		event, err := streamer.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if e.onEvent != nil {
			e.onEvent(event)
		}
		if event.Type == model.EventCompleted && e.onComplete != nil {
			e.onComplete(event.Completed)
		}
	}
}

// requeue returns a retryably failed entry to the back of its band.
func (q *Queue) requeue(e *entry, cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if e.onError != nil {
			e.onError(cause)
		}
		return
	}
	e.seq = q.seq.Add(1)
	q.bands[e.priority] = append(q.bands[e.priority], e)
	q.byID[e.id] = e
	q.requeued++
	q.mu.Unlock()

	if err := q.store.SaveEntry(q.ctx, e.record()); err != nil {
		q.log.Error(q.ctx, "persist requeued entry", "id", e.id, "error", err.Error())
	}
	q.metrics.IncCounter("queue_requeued", 1, "priority", e.priority.String())
	q.log.Warn(q.ctx, "request requeued after retryable failure",
		"id", e.id, "attempt", e.attempts, "error", cause.Error())
	q.signal()
}

// record converts the entry to its persisted form.
func (e *entry) record() *store.Entry {
	return &store.Entry{
		ID:         e.id,
		Priority:   int(e.priority),
		Sequence:   e.seq,
		Request:    e.request,
		MaxRetries: e.maxRetries,
		Attempts:   e.attempts,
		EnqueuedAt: e.enqueuedAt,
	}
}
