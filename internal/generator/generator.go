// Package generator produces structured testing artifacts from stage inputs
// with a chat model.
//
// Every call renders a prompt from the embedded catalogue, bounds the
// document context by tokens, paces requests with a rate limiter and
// validates the model output against the shape its Kind requires. Output
// that cannot be parsed is re-prompted with a repair note and, when all
// attempts are spent, reported as a *pipeline.GenerationFailure.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

var tracer = otel.Tracer("testgen.generator")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "generator",
		Name:      "requests_total",
		Help:      "Generation requests by kind and result",
	}, []string{"kind", "result"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "testgen",
		Subsystem: "generator",
		Name:      "request_duration_seconds",
		Help:      "Wall time of a generation request including retries",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"kind"})

	contextTruncations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testgen",
		Subsystem: "generator",
		Name:      "context_truncations_total",
		Help:      "Prompts whose document context was cut to the token budget",
	})
)

// Kind selects the artifact a request produces.
type Kind string

const (
	KindRequirementAnalysis Kind = "requirement_analysis"
	KindFunctionPoints      Kind = "function_points"
	KindTestCase            Kind = "test_case"
	KindTestScript          Kind = "test_script"
)

// ErrEmptyOutput is wrapped by a GenerationFailure when the model returned
// nothing usable.
var ErrEmptyOutput = errors.New("empty model output")

// Request is one generation call.
type Request struct {
	Kind Kind
	// Input is marshaled to indented JSON for the prompt.
	Input any
	// Context is document text for grounding. It is cut to the token budget.
	Context string
	// Language applies to KindTestScript.
	Language pipeline.ScriptLanguage
}

// Generator returns the JSON rendering of the artifact req asks for:
// an object for requirement_analysis, an array for function_points and
// test_case, and {"content": "<code>"} for test_script.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}

// ChatModel completes one system and user exchange.
type ChatModel interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Options tunes an LLMGenerator.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	// MaxAttempts bounds model calls per request, re-prompts included.
	MaxAttempts      int
	MaxContextTokens int
	// Timeout applies to each model call.
	Timeout time.Duration
	// Backoff is the first retry delay after a model error. It doubles per
	// attempt.
	Backoff time.Duration
	Catalog *Catalog
}

func (o *Options) applyDefaults() {
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 2
	}
	if o.Burst <= 0 {
		o.Burst = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	if o.Timeout <= 0 {
		o.Timeout = 120 * time.Second
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.Catalog == nil {
		o.Catalog = DefaultCatalog()
	}
}

// LLMGenerator implements Generator over a ChatModel.
type LLMGenerator struct {
	model   ChatModel
	opts    Options
	budget  *Budget
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMGenerator wraps model.
func NewLLMGenerator(model ChatModel, opts Options, logger *zap.Logger) (*LLMGenerator, error) {
	if model == nil {
		return nil, errors.New("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()

	budget, err := NewBudget(opts.MaxContextTokens)
	if err != nil {
		return nil, err
	}
	return &LLMGenerator{
		model:   model,
		opts:    opts,
		budget:  budget,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		logger:  logger,
	}, nil
}

// Generate implements Generator.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "Generator.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("generation.kind", string(req.Kind)))

	start := time.Now()
	defer func() { requestDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds()) }()

	system, user, err := g.render(req)
	if err != nil {
		requestsTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}

	var (
		lastRaw string
		lastErr error
		prompt  = user
	)
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		raw, err := g.complete(ctx, system, prompt)
		if err != nil {
			if ctx.Err() != nil {
				requestsTotal.WithLabelValues(string(req.Kind), "canceled").Inc()
				return nil, ctx.Err()
			}
			lastErr = err
			g.logger.Warn("model call failed",
				zap.String("kind", string(req.Kind)),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if attempt < g.opts.MaxAttempts {
				if err := sleep(ctx, g.opts.Backoff*time.Duration(1<<(attempt-1))); err != nil {
					return nil, err
				}
			}
			continue
		}

		out, perr := Parse(req.Kind, raw)
		if perr == nil {
			requestsTotal.WithLabelValues(string(req.Kind), "ok").Inc()
			span.SetAttributes(attribute.Int("generation.attempts", attempt))
			return out, nil
		}

		lastRaw, lastErr = raw, perr
		g.logger.Debug("unparsable model output",
			zap.String("kind", string(req.Kind)),
			zap.Int("attempt", attempt),
			zap.Error(perr),
		)
		prompt = user + "\n\n" + g.opts.Catalog.Repair(perr.Error())
	}

	requestsTotal.WithLabelValues(string(req.Kind), "failed").Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "generation failed")
	return nil, &pipeline.GenerationFailure{
		Kind: string(req.Kind),
		Err:  fmt.Errorf("after %d attempts: %w", g.opts.MaxAttempts, lastErr),
		Raw:  clip(lastRaw, 512),
	}
}

func (g *LLMGenerator) complete(ctx context.Context, system, user string) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()
	return g.model.Complete(callCtx, system, user)
}

func (g *LLMGenerator) render(req Request) (string, string, error) {
	key := string(req.Kind)
	var framework string
	if req.Kind == KindTestScript {
		lang := req.Language
		if lang == "" {
			lang = pipeline.LanguagePython
		}
		key += "_" + string(lang)
		framework = lang.Framework()
	}

	input, err := marshalInput(req.Input)
	if err != nil {
		return "", "", fmt.Errorf("encoding %s input: %w", req.Kind, err)
	}

	text, cut := g.budget.Truncate(req.Context)
	if cut {
		contextTruncations.Inc()
	}
	return g.opts.Catalog.Render(key, PromptData{Input: input, Context: text, Framework: framework})
}

func marshalInput(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Parse validates raw model output for kind and returns its JSON form.
func Parse(kind Kind, raw string) (json.RawMessage, error) {
	text := StripFences(raw)
	if text == "" {
		return nil, ErrEmptyOutput
	}

	switch kind {
	case KindTestScript:
		return json.Marshal(struct {
			Content string `json:"content"`
		}{text})
	case KindRequirementAnalysis:
		v, err := decodeJSON(text)
		if err != nil {
			return nil, err
		}
		if _, ok := v.(map[string]any); !ok {
			return nil, fmt.Errorf("expected a JSON object, got %s", typeName(v))
		}
		return compact(text)
	case KindFunctionPoints, KindTestCase:
		v, err := decodeJSON(text)
		if err != nil {
			return nil, err
		}
		switch t := v.(type) {
		case []any:
			return compact(text)
		case map[string]any:
			// Some models wrap the list in an object or return a single item.
			for _, key := range []string{string(kind), "function_points", "test_cases", "items"} {
				if list, ok := t[key].([]any); ok {
					return json.Marshal(list)
				}
			}
			return json.Marshal([]any{t})
		default:
			return nil, fmt.Errorf("expected a JSON array, got %s", typeName(v))
		}
	default:
		return nil, fmt.Errorf("unknown generation kind %q", kind)
	}
}

// decodeJSON parses text, or failing that the outermost JSON value found
// inside it.
func decodeJSON(text string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(text), &v)
	if err == nil {
		return v, nil
	}
	if inner, ok := extractJSON(text); ok {
		if json.Unmarshal([]byte(inner), &v) == nil {
			return v, nil
		}
	}
	return nil, fmt.Errorf("invalid JSON: %w", err)
}

func extractJSON(text string) (string, bool) {
	start := strings.IndexAny(text, "[{")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func compact(text string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(text)); err != nil {
		inner, ok := extractJSON(text)
		if !ok {
			return nil, err
		}
		buf.Reset()
		if err := json.Compact(&buf, []byte(inner)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	default:
		return "object"
	}
}

// StripFences removes a surrounding Markdown code fence and its language tag.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 && !strings.ContainsAny(s[:i], " {[\"") {
		s = s[i+1:]
	}
	if j := strings.LastIndex(s, "```"); j >= 0 {
		s = s[:j]
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
