// Package openai provides a model.Client that speaks the OpenAI streaming
// completions protocol over raw HTTP. It serializes requests for either the
// Responses wire shape or the Chat Completions fallback, drives connection
// attempts through bounded retry with backoff, classifies failures as fatal
// or retryable, and adapts the SSE response body into the ordered event
// stream callers consume: rate limits first, content events in arrival
// order, and exactly one terminal completed event after the transport ends.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/irichard00/codex-study-sub000/runtime/model"
	"github.com/irichard00/codex-study-sub000/runtime/retry"
	"github.com/irichard00/codex-study-sub000/runtime/telemetry"
)

// Wire shapes the client can speak. Selection is static per client, not
// per call.
const (
	// WireAPIResponses is the streaming Responses shape.
	WireAPIResponses = "responses"
	// WireAPIChat is the Chat Completions fallback shape for providers that
	// do not support Responses.
	WireAPIChat = "chat"
)

const (
	// DefaultBaseURL is the OpenAI API endpoint used when Options.BaseURL is
	// empty.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultIdleTimeout bounds how long the client waits for body bytes
	// before declaring the connection stalled.
	DefaultIdleTimeout = 75 * time.Second
)

const opStream = "stream"

type (
	// Options configures the client.
	Options struct {
		// APIKey is the static bearer credential. Required.
		APIKey string

		// BaseURL is the API root, for example "https://api.openai.com/v1".
		// Defaults to DefaultBaseURL.
		BaseURL string

		// Model is the default model identifier used when Request.Model is
		// empty.
		Model string

		// WireAPI selects the request/stream shape, WireAPIResponses or
		// WireAPIChat. Defaults to WireAPIResponses.
		WireAPI string

		// HTTPClient overrides the transport. The default client carries no
		// global timeout; streams are bounded by context cancellation and the
		// idle timeout instead.
		HTTPClient *http.Client

		// Retry bounds connection attempts. The zero value means
		// retry.DefaultConfig().
		Retry retry.Config

		// IdleTimeout is the longest gap without body bytes before the
		// connection is considered stalled. Before the first byte a stall is
		// retried; mid-stream it fails the stream. Defaults to
		// DefaultIdleTimeout.
		IdleTimeout time.Duration

		// Organization is sent as the OpenAI-Organization header when set.
		Organization string

		// ConversationID correlates all requests from this client via the
		// conversation_id/session_id headers. Defaults to a random UUID.
		ConversationID string

		// Provider labels errors, logs and metrics. Defaults to "openai".
		Provider string

		// AzureWorkaround forces Azure request shaping (store flag plus
		// stable reasoning item ids). Detected from the base URL host when
		// false.
		AzureWorkaround bool

		// Logger, Metrics and Tracer default to the no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Client implements model.Client against an OpenAI-compatible streaming
	// completions endpoint.
	Client struct {
		http     *http.Client
		baseURL  string
		apiKey   string
		model    string
		wire     string
		retry    retry.Config
		idle     time.Duration
		org      string
		convID   string
		provider string
		azure    bool
		log      telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
	}
)

var _ model.Client = (*Client)(nil)

// New builds a client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	wire := opts.WireAPI
	if wire == "" {
		wire = WireAPIResponses
	}
	if wire != WireAPIResponses && wire != WireAPIChat {
		return nil, fmt.Errorf("unsupported wire api %q", opts.WireAPI)
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	rcfg := opts.Retry
	if rcfg == (retry.Config{}) {
		rcfg = retry.DefaultConfig()
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	provider := opts.Provider
	if provider == "" {
		provider = "openai"
	}
	convID := opts.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Client{
		http:     httpClient,
		baseURL:  baseURL,
		apiKey:   opts.APIKey,
		model:    opts.Model,
		wire:     wire,
		retry:    rcfg,
		idle:     idle,
		org:      opts.Organization,
		convID:   convID,
		provider: provider,
		azure:    opts.AzureWorkaround || isAzureHost(baseURL),
		log:      logger,
		metrics:  metrics,
		tracer:   tracer,
	}, nil
}

// NewFromAPIKey constructs a client with defaults for everything but the
// credential and model.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	return New(Options{APIKey: apiKey, Model: defaultModel})
}

// Stream opens one streaming completion. Connection-phase failures are
// retried per the configured policy; once a stream is handed back, failures
// surface through Recv and are never retried. The returned streamer is
// single-pass and must be closed by the caller.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	if req == nil {
		return nil, errors.New("openai: request is required")
	}
	if !req.Stream {
		return nil, errors.New("openai: non-streaming requests are not supported")
	}
	if len(req.Input) == 0 {
		return nil, errors.New("openai: input items are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	if modelID == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	payload, err := c.buildPayload(req, modelID)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "model.stream.connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", c.provider),
			attribute.String("model", modelID),
			attribute.String("wire", c.wire),
		))
	defer span.End()

	start := time.Now()
	attempt := 0
	streamer, err := retry.Do(ctx, c.retry, func(ctx context.Context) (model.Streamer, error) {
		attempt++
		c.metrics.IncCounter("model_stream_attempts", 1, "provider", c.provider, "wire", c.wire)
		s, aerr := c.attempt(ctx, modelID, payload)
		if aerr != nil {
			c.metrics.IncCounter("model_stream_attempt_failures", 1, "provider", c.provider, "wire", c.wire)
			if retry.IsRetryable(aerr) {
				c.log.Warn(ctx, "stream attempt failed",
					"provider", c.provider, "attempt", attempt, "error", aerr.Error())
			}
			return nil, aerr
		}
		return s, nil
	})
	c.metrics.RecordTimer("model_stream_connect_duration", time.Since(start), "provider", c.provider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		return nil, err
	}
	c.log.Debug(ctx, "stream connected", "provider", c.provider, "model", modelID, "attempts", attempt)
	span.SetStatus(codes.Ok, "connected")
	return streamer, nil
}

// attempt performs one connection attempt: send the request, classify any
// failure, and on a 200 wait for the stream to start before handing the body
// to a streamer.
func (c *Client) attempt(ctx context.Context, modelID string, payload []byte) (model.Streamer, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, model.NewProviderError(c.provider, opStream, 0, model.ProviderErrorKindInvalidRequest, err.Error(), false, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, classifyTransport(ctx, c.provider, opStream, err)
	}
	if resp.StatusCode != http.StatusOK {
		cerr := classifyStatus(c.provider, opStream, resp)
		_ = resp.Body.Close()
		cancel()
		return nil, cerr
	}

	limits := parseRateLimits(resp.Header)

	first, err := c.awaitFirstByte(attemptCtx, resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var factory processorFactory
	switch c.wire {
	case WireAPIChat:
		factory = func(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) frameProcessor {
			return newChatProcessor(ctx, emit, logger)
		}
	default:
		factory = func(ctx context.Context, emit func(model.StreamEvent) error, logger telemetry.Logger) frameProcessor {
			return newResponsesProcessor(ctx, emit, logger)
		}
	}

	meta := map[string]any{
		"provider":        c.provider,
		"model":           modelID,
		"conversation_id": c.convID,
	}
	return newOpenAIStreamer(attemptCtx, cancel, resp.Body, first.data, first.err, limits, factory, c.idle, c.log, meta), nil
}

type firstRead struct {
	data []byte
	err  error
}

// awaitFirstByte blocks until the response body produces its first bytes so
// a connection that never starts streaming is retried instead of handed to
// the caller. A pre-first-byte idle timeout is a retryable transport
// failure; whatever the read returned is replayed into the streamer.
func (c *Client) awaitFirstByte(ctx context.Context, body io.Reader) (firstRead, error) {
	ch := make(chan firstRead, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := body.Read(buf)
		var data []byte
		if n > 0 {
			data = append([]byte(nil), buf[:n]...)
		}
		ch <- firstRead{data: data, err: err}
	}()

	timer := time.NewTimer(c.idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return firstRead{}, ctx.Err()
	case <-timer.C:
		return firstRead{}, model.NewProviderError(c.provider, opStream, 0, model.ProviderErrorKindUnavailable,
			fmt.Sprintf("no response bytes within %s", c.idle), true, nil)
	case fr := <-ch:
		return fr, nil
	}
}

func (c *Client) endpoint() string {
	base := strings.TrimSuffix(c.baseURL, "/")
	if c.wire == WireAPIChat {
		return base + "/chat/completions"
	}
	return base + "/responses"
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("conversation_id", c.convID)
	req.Header.Set("session_id", c.convID)
	if c.wire == WireAPIResponses {
		req.Header.Set("OpenAI-Beta", "responses=experimental")
	}
	if c.org != "" {
		req.Header.Set("OpenAI-Organization", c.org)
	}
}

func (c *Client) buildPayload(req *model.Request, modelID string) ([]byte, error) {
	if c.wire == WireAPIChat {
		return c.buildChatPayload(req, modelID)
	}
	return c.buildResponsesPayload(req, modelID)
}

func (c *Client) buildResponsesPayload(req *model.Request, modelID string) ([]byte, error) {
	tools, err := encodeResponsesTools(req.Tools)
	if err != nil {
		return nil, err
	}
	input := req.Input
	if c.azure {
		input = azureShapeItems(input)
	}
	payload := responsesRequest{
		Model:             modelID,
		Instructions:      req.Instructions,
		Input:             input,
		Tools:             tools,
		ParallelToolCalls: false,
		Store:             c.azure,
		Stream:            true,
	}
	if len(tools) > 0 {
		payload.ToolChoice = "auto"
	}
	if req.Reasoning != nil {
		payload.Reasoning = &reasoningParams{Effort: req.Reasoning.Effort, Summary: req.Reasoning.Summary}
	}
	if !c.azure {
		// Stateless mode: reasoning comes back encrypted so it can be echoed
		// on the next turn.
		payload.Include = []string{"reasoning.encrypted_content"}
	}
	if req.OutputSchema != nil {
		schema, err := compileOutputSchema(c.provider, req.OutputSchema)
		if err != nil {
			return nil, err
		}
		payload.Text = &textParams{Format: &textFormat{
			Type:   "json_schema",
			Name:   "output_schema",
			Strict: true,
			Schema: schema,
		}}
	}
	return json.Marshal(payload)
}

func (c *Client) buildChatPayload(req *model.Request, modelID string) ([]byte, error) {
	tools, err := encodeChatTools(req.Tools)
	if err != nil {
		return nil, err
	}
	payload := chatRequest{
		Model:         modelID,
		Messages:      encodeChatMessages(req.Instructions, req.Input),
		Tools:         tools,
		Stream:        true,
		StreamOptions: &chatStreamOptions{IncludeUsage: true},
	}
	if req.OutputSchema != nil {
		schema, err := compileOutputSchema(c.provider, req.OutputSchema)
		if err != nil {
			return nil, err
		}
		payload.ResponseFormat = &chatResponseFormat{
			Type:       "json_schema",
			JSONSchema: &chatJSONSchema{Name: "output_schema", Strict: true, Schema: schema},
		}
	}
	return json.Marshal(payload)
}

func encodeResponsesTools(defs []model.ToolDefinition) ([]responsesTool, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]responsesTool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.New("openai: tool definition missing name")
		}
		params := def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools = append(tools, responsesTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Strict:      def.Strict,
			Parameters:  params,
		})
	}
	return tools, nil
}

// azureShapeItems gives reasoning items stable identifiers, which
// Azure-hosted deployments require when store is enabled. The input slice is
// copied; the caller's request stays untouched.
func azureShapeItems(items []model.ResponseItem) []model.ResponseItem {
	out := make([]model.ResponseItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].Type == model.ItemTypeReasoning && out[i].ID == "" {
			out[i].ID = "rs_" + uuid.NewString()
		}
	}
	return out
}

// compileOutputSchema validates the caller-supplied schema document before
// anything is sent on the wire. A schema that does not compile is an invalid
// request, not a provider failure.
func compileOutputSchema(provider string, schema any) (any, error) {
	invalid := func(err error) error {
		return model.NewProviderError(provider, opStream, 0, model.ProviderErrorKindInvalidRequest,
			fmt.Sprintf("output schema: %v", err), false, err)
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, invalid(err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalid(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output_schema.json", doc); err != nil {
		return nil, invalid(err)
	}
	if _, err := compiler.Compile("output_schema.json"); err != nil {
		return nil, invalid(err)
	}
	return doc, nil
}

func isAzureHost(baseURL string) bool {
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(u.Host), "azure")
}
