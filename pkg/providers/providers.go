// Package providers turns prompt templates into completions from hosted
// language models.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNoProvider is returned when no backend is configured for a model
var ErrNoProvider = errors.New("no provider for model")

// Completer sends a single prompt to a model
type Completer interface {
	Complete(ctx context.Context, model string, prompt string, temperature float64) (string, error)
}

type ProviderParams struct {
	BaseURL string
	APIKey  string
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

// Render replaces every {name} in template with inputs[name]. Placeholders
// without an input are left alone.
func Render(template string, inputs map[string]string) string {
	if len(inputs) == 0 {
		return template
	}
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", inputs[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// IsGemini reports whether model is served by the Gemini backend
func IsGemini(model string) bool {
	return strings.HasPrefix(strings.ToLower(model), "gemini")
}

// Router picks a backend by model name and renders templates before
// sending them. It implements core.Generator.
type Router struct {
	openai Completer
	gemini Completer
	logger *zap.Logger
}

// NewRouter wraps the given backends. Either may be nil.
func NewRouter(openai, gemini Completer, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		openai: openai,
		gemini: gemini,
		logger: logger.With(zap.String("component", "providers")),
	}
}

// Config holds credentials for every backend. Empty fields fall back to
// the usual environment variables.
type Config struct {
	OpenAI ProviderParams
	Gemini ProviderParams
}

// New builds a Router from cfg. The Gemini backend is only created when an
// API key is available for it.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Router, error) {
	oa := OpenAi(ctx, WithBaseURL(cfg.OpenAI.BaseURL), WithAPIKey(cfg.OpenAI.APIKey))

	var gem Completer
	g, err := Gemini(ctx, cfg.Gemini)
	switch {
	case errors.Is(err, ErrMissingAPIKey):
		if logger != nil {
			logger.Debug("gemini disabled: no api key")
		}
	case err != nil:
		return nil, err
	default:
		gem = g
	}
	return NewRouter(oa, gem, logger), nil
}

func (r *Router) backend(model string) (Completer, error) {
	var c Completer
	if IsGemini(model) {
		c = r.gemini
	} else {
		c = r.openai
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, model)
	}
	return c, nil
}

// Generate renders template with inputs and completes it with model
func (r *Router) Generate(ctx context.Context, model string, template string, inputs map[string]string, temperature float64) (string, error) {
	c, err := r.backend(model)
	if err != nil {
		return "", err
	}
	prompt := Render(template, inputs)

	start := time.Now()
	out, err := c.Complete(ctx, model, prompt, temperature)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", model, err)
	}
	r.logger.Debug("generated",
		zap.String("model", model),
		zap.Int("prompt_chars", len(prompt)),
		zap.Int("completion_chars", len(out)),
		zap.Duration("took", time.Since(start)),
	)
	return out, nil
}
