// Command modelstream streams one model completion to stdout.
//
// The command resolves a provider from the built-in table, an optional YAML
// configuration file and MODELSTREAM_* environment overrides, then streams
// the prompt given on the command line and prints assistant deltas as they
// arrive. Reasoning summaries go to stderr so stdout carries only the
// answer. With -queue the request passes through the priority admission
// queue instead of being streamed directly.
//
// # Configuration
//
// Flags:
//
//	-provider      Provider name (default: "openai")
//	-model         Model identifier (default: "gpt-5")
//	-config        YAML configuration file (optional)
//	-instructions  System prompt (optional)
//	-effort        Reasoning effort: minimal, low, medium or high
//	-summary       Reasoning summary: auto, concise or detailed
//	-queue         Route the request through the admission queue
//	-priority      Queue priority: low, normal, high or urgent
//	-rpm           Queue requests-per-minute limit (0 = unlimited)
//	-rph           Queue requests-per-hour limit (0 = unlimited)
//	-redis         Redis address for queue persistence (empty = in-memory)
//	-debug         Log request lifecycle details
//
// The API key comes from the provider's env_key variable, OPENAI_API_KEY
// for the built-in openai provider. With -redis the REDIS_PASSWORD
// variable supplies the Redis password when needed.
//
// # Example
//
//	OPENAI_API_KEY=sk-... modelstream -model gpt-5 "explain SSE in one line"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/irichard00/codex-study-sub000/config"
	"github.com/irichard00/codex-study-sub000/features/model/openai"
	"github.com/irichard00/codex-study-sub000/features/queue"
	"github.com/irichard00/codex-study-sub000/features/queue/store"
	redisstore "github.com/irichard00/codex-study-sub000/features/queue/store/redis"
	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/retry"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

func main() {
	var (
		providerF     = flag.String("provider", "openai", "Provider name from the configuration")
		modelF        = flag.String("model", "gpt-5", "Model identifier")
		configF       = flag.String("config", "", "YAML configuration file (optional)")
		instructionsF = flag.String("instructions", "", "System prompt (optional)")
		effortF       = flag.String("effort", "", "Reasoning effort: minimal, low, medium or high")
		summaryF      = flag.String("summary", "", "Reasoning summary: auto, concise or detailed")
		queueF        = flag.Bool("queue", false, "Route the request through the admission queue")
		priorityF     = flag.String("priority", "normal", "Queue priority: low, normal, high or urgent")
		rpmF          = flag.Int("rpm", 0, "Queue requests-per-minute limit (0 = unlimited)")
		rphF          = flag.Int("rph", 0, "Queue requests-per-hour limit (0 = unlimited)")
		redisF        = flag.String("redis", "", "Redis address for queue persistence (empty = in-memory)")
		dbgF          = flag.Bool("debug", false, "Log request lifecycle details")
	)
	flag.Parse()

	// Setup logger: JSON in pipelines, terminal format interactively.
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	// Ctrl-C cancellation.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompt := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if prompt == "" {
		log.Fatal(ctx, errors.New("usage: modelstream [flags] <prompt>"))
	}

	err := run(ctx, runParams{
		provider:     *providerF,
		model:        *modelF,
		configPath:   *configF,
		instructions: *instructionsF,
		effort:       *effortF,
		summary:      *summaryF,
		useQueue:     *queueF,
		priority:     *priorityF,
		rpm:          *rpmF,
		rph:          *rphF,
		redisAddr:    *redisF,
		prompt:       prompt,
	})
	if err != nil {
		log.Fatal(ctx, err)
	}
}

type runParams struct {
	provider     string
	model        string
	configPath   string
	instructions string
	effort       string
	summary      string
	useQueue     bool
	priority     string
	rpm          int
	rph          int
	redisAddr    string
	prompt       string
}

func run(ctx context.Context, p runParams) error {
	cfg, err := config.Load(p.configPath)
	if err != nil {
		return err
	}
	provider, err := cfg.Provider(p.provider)
	if err != nil {
		return err
	}
	token, err := provider.Credential().Token(ctx)
	if err != nil {
		return err
	}

	opts := openai.Options{
		APIKey:          token,
		BaseURL:         provider.BaseURL,
		Model:           p.model,
		WireAPI:         provider.WireAPI,
		IdleTimeout:     time.Duration(provider.IdleTimeout),
		Organization:    provider.OrganizationHeader,
		Provider:        provider.Name,
		AzureWorkaround: provider.Azure,
		Logger:          telemetry.NewClueLogger(),
		Metrics:         telemetry.NewClueMetrics(),
		Tracer:          telemetry.NewClueTracer(),
	}
	if provider.MaxRetries > 0 {
		rcfg := retry.DefaultConfig()
		rcfg.MaxAttempts = provider.MaxRetries + 1
		opts.Retry = rcfg
	}
	client, err := openai.New(opts)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	req := &model.Request{
		Model:        p.model,
		Instructions: p.instructions,
		Input: []model.ResponseItem{{
			Type:    model.ItemTypeMessage,
			Role:    "user",
			Content: []model.ContentPart{{Type: "input_text", Text: p.prompt}},
		}},
		Stream: true,
	}
	if p.effort != "" || p.summary != "" {
		req.Reasoning = &model.ReasoningOptions{Effort: p.effort, Summary: p.summary}
	}

	if p.useQueue {
		return streamQueued(ctx, client, req, p)
	}
	return streamDirect(ctx, client, req)
}

// streamDirect opens the stream and prints events until the terminal
// completed event.
func streamDirect(ctx context.Context, client model.Client, req *model.Request) error {
	stream, err := client.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = stream.Close() }()

	var state streamState
	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		state.observe(ev)
	}
	state.report(ctx)
	return nil
}

// streamQueued admits the request through the priority queue and waits for
// its callbacks to finish.
func streamQueued(ctx context.Context, client model.Client, req *model.Request, p runParams) error {
	priority, err := parsePriority(p.priority)
	if err != nil {
		return err
	}

	var st store.Store
	if p.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     p.redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
		})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		st = redisstore.New(rdb, redisstore.Options{})
	}

	q, err := queue.New(ctx, queue.Options{
		Client:  client,
		Limits:  queue.Config{RequestsPerMinute: p.rpm, RequestsPerHour: p.rph},
		Store:   st,
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
	})
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(closeCtx)
	}()

	// Callbacks run on the queue's worker goroutine; the done channel
	// publishes the state writes to this one.
	var state streamState
	done := make(chan error, 1)
	id, err := q.Enqueue(ctx, req, priority, queue.EnqueueOptions{
		OnEvent:    func(ev model.StreamEvent) { state.observe(ev) },
		OnComplete: func(*model.Completed) { done <- nil },
		OnError:    func(err error) { done <- err },
	})
	if err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}
	log.Debugf(ctx, "request %s enqueued at %s priority", id, priority)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
	}
	state.report(ctx)
	return nil
}

// streamState accumulates the terminal payload while deltas print.
type streamState struct {
	limits    *model.RateLimitSnapshot
	completed *model.Completed
}

func (s *streamState) observe(ev model.StreamEvent) {
	switch ev.Type {
	case model.EventOutputTextDelta:
		fmt.Print(ev.Delta)
	case model.EventReasoningSummaryDelta:
		_, _ = fmt.Fprint(os.Stderr, ev.Delta)
	case model.EventRateLimits:
		s.limits = ev.RateLimits
	case model.EventCompleted:
		s.completed = ev.Completed
	}
}

// report prints the usage and rate-limit summary after the final delta.
func (s *streamState) report(ctx context.Context) {
	fmt.Println()
	if s.completed == nil {
		return
	}
	kvs := []log.Fielder{log.KV{K: "response_id", V: s.completed.ResponseID}}
	if u := s.completed.Usage; u != nil {
		kvs = append(kvs,
			log.KV{K: "input_tokens", V: u.InputTokens},
			log.KV{K: "cached_input_tokens", V: u.CachedInputTokens},
			log.KV{K: "output_tokens", V: u.OutputTokens},
			log.KV{K: "reasoning_output_tokens", V: u.ReasoningOutputTokens},
			log.KV{K: "total_tokens", V: u.TotalTokens},
		)
	}
	if s.limits != nil && s.limits.Primary != nil {
		kvs = append(kvs, log.KV{K: "rate_limit_used_percent", V: s.limits.Primary.UsedPercent})
		if s.limits.Primary.ResetsInSeconds != nil {
			kvs = append(kvs, log.KV{K: "rate_limit_resets_in_seconds", V: *s.limits.Primary.ResetsInSeconds})
		}
	}
	log.Print(ctx, kvs...)
}

func parsePriority(name string) (queue.Priority, error) {
	switch name {
	case "low":
		return queue.PriorityLow, nil
	case "normal":
		return queue.PriorityNormal, nil
	case "high":
		return queue.PriorityHigh, nil
	case "urgent":
		return queue.PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority %q (valid: low, normal, high, urgent)", name)
	}
}
