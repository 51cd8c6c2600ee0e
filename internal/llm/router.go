package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/metrics"
)

// TaskClass buckets requests by how much model capability they need.
type TaskClass string

const (
	TaskLightweight TaskClass = "lightweight" // intent classification, formatting
	TaskStandard    TaskClass = "standard"    // routine per-asset advice
	TaskComplex     TaskClass = "complex"     // critical anomalies, market overview
)

var (
	// ErrAnalysisTimeout reports that the shared wall-clock budget ran
	// out before any provider answered. Callers fall back to rule-based
	// output.
	ErrAnalysisTimeout = errors.New("analysis budget exhausted")

	// ErrNoProvider reports that every provider in the chain failed or
	// returned a malformed payload.
	ErrNoProvider = errors.New("all providers failed")
)

// route is one provider/model pair in a fallback chain.
type route struct {
	provider Provider
	model    string
}

// Router sends prompts down per-class provider chains. Each request
// walks its chain in order until a provider returns a usable response,
// within one shared wall-clock budget. A bounded worker pool caps
// concurrent in-flight calls across all callers.
type Router struct {
	chains      map[TaskClass][]route
	budget      time.Duration
	maxTokens   int
	temperature float64
	slots       chan struct{}
	log         zerolog.Logger
}

// NewRouter wires providers from the API keys present in cfg. Providers
// without a key are skipped; chains that reference only missing
// providers come out empty. When llm is enabled and no provider at all
// is reachable the router refuses to start.
func NewRouter(cfg config.LLMConfig, log zerolog.Logger) (*Router, error) {
	providers := make(map[string]Provider)
	if cfg.AnthropicAPIKey != "" {
		providers["anthropic"] = NewAnthropicProvider(cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		providers["openai"] = NewOpenAIProvider(cfg.OpenAIAPIKey)
	}
	if cfg.DeepSeekAPIKey != "" {
		providers["deepseek"] = NewDeepSeekProvider(cfg.DeepSeekAPIKey)
	}
	return NewRouterWithProviders(cfg, providers, log)
}

// NewRouterWithProviders builds a router over an explicit provider set.
func NewRouterWithProviders(cfg config.LLMConfig, providers map[string]Provider, log zerolog.Logger) (*Router, error) {
	chains := make(map[TaskClass][]route)
	skipped := make(map[string]bool)
	for class, refs := range cfg.TaskMap {
		for _, ref := range refs {
			p, ok := providers[ref.Provider]
			if !ok {
				skipped[ref.Provider] = true
				continue
			}
			chains[TaskClass(class)] = append(chains[TaskClass(class)], route{provider: p, model: ref.Model})
		}
	}

	logger := log.With().Str("component", "llm_router").Logger()
	for name := range skipped {
		logger.Warn().Str("provider", name).Msg("provider has no API key, removed from chains")
	}

	total := 0
	for _, chain := range chains {
		total += len(chain)
	}
	if cfg.Enabled && total == 0 {
		return nil, errors.New("llm enabled but no provider API key is set")
	}

	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = 30 * time.Second
	}

	return &Router{
		chains:      chains,
		budget:      budget,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		slots:       make(chan struct{}, poolSize),
		log:         logger,
	}, nil
}

// Complete renders the spec and returns the first provider's raw text.
func (r *Router) Complete(ctx context.Context, class TaskClass, spec PromptSpec) (string, error) {
	var out string
	err := r.run(ctx, class, spec, func(text string) error {
		out = text
		return nil
	})
	return out, err
}

// CompleteJSON renders the spec and decodes the response into out. A
// response that fails to decode or validate counts as a provider
// failure and the chain moves on to the next provider.
func (r *Router) CompleteJSON(ctx context.Context, class TaskClass, spec PromptSpec, out Validator) error {
	return r.run(ctx, class, spec, func(text string) error {
		return DecodeJSON(text, out)
	})
}

func (r *Router) run(ctx context.Context, class TaskClass, spec PromptSpec, accept func(string) error) error {
	routes := r.chains[class]
	if len(routes) == 0 {
		return fmt.Errorf("%w: no chain for class %q", ErrNoProvider, class)
	}

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	// The budget covers waiting for a worker slot too: a saturated pool
	// must not stretch the caller past its deadline.
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return r.ctxErr(ctx)
	}
	defer func() { <-r.slots }()

	system, user := spec.Render()
	var lastErr error
	for _, rt := range routes {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()
		text, err := rt.provider.Complete(ctx, Request{
			Model:       rt.model,
			System:      system,
			User:        user,
			MaxTokens:   r.maxTokens,
			Temperature: r.temperature,
		})
		metrics.LLMLatency.WithLabelValues(rt.provider.Name()).Observe(time.Since(start).Seconds())

		if err == nil {
			if err = accept(text); err == nil {
				metrics.LLMCalls.WithLabelValues(rt.provider.Name(), string(class), "ok").Inc()
				return nil
			}
			metrics.LLMCalls.WithLabelValues(rt.provider.Name(), string(class), "malformed").Inc()
		} else {
			metrics.LLMCalls.WithLabelValues(rt.provider.Name(), string(class), "error").Inc()
		}
		lastErr = err
		r.log.Warn().
			Err(err).
			Str("provider", rt.provider.Name()).
			Str("model", rt.model).
			Str("class", string(class)).
			Msg("provider attempt failed, trying next in chain")
	}

	if ctx.Err() != nil {
		return r.ctxErr(ctx)
	}
	return fmt.Errorf("%w: %v", ErrNoProvider, lastErr)
}

// ctxErr maps a spent context onto the router's error vocabulary.
func (r *Router) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrAnalysisTimeout, r.budget)
	}
	return ctx.Err()
}

// Escalation carries the signals that bump a request into a heavier
// task class.
type Escalation struct {
	Severity       anomaly.Severity
	Change5mPct    float64 // absolute value compared against 5
	NewsCount      int
	NewsThreshold  int // defaults to 50 when zero
	MarketOverview bool
}

// Class applies the upgrade rules, starting from standard.
func (e Escalation) Class() TaskClass {
	threshold := e.NewsThreshold
	if threshold <= 0 {
		threshold = 50
	}
	switch {
	case e.MarketOverview,
		e.Severity == anomaly.SeverityCritical,
		math.Abs(e.Change5mPct) >= 5,
		e.NewsCount >= threshold:
		return TaskComplex
	}
	return TaskStandard
}
