// Package evaluator scores finished episodes.
package evaluator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

const (
	DummySelector = "DummyEvaluator"
	LLMSelector   = "LLMEvaluator"
)

// ErrUnknownEvaluator is returned by New for a selector it does not know
var ErrUnknownEvaluator = errors.New("unknown evaluator")

// Params carries what the LLM evaluator needs
type Params struct {
	Generator   core.Generator
	Model       string
	Temperature float64
	// Agents are participant names in configured order
	Agents []string
	// Goals maps agent name to its social goal
	Goals  map[string]string
	Logger *zap.Logger
}

// New returns the evaluator registered under selector
func New(selector string, p Params) (core.Evaluator, error) {
	switch selector {
	case DummySelector, "":
		return Dummy{}, nil
	case LLMSelector:
		if p.Generator == nil {
			return nil, fmt.Errorf("%s needs a generator", LLMSelector)
		}
		return NewLLMEvaluator(p), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvaluator, selector)
	}
}

// Known reports whether selector names a registered evaluator
func Known(selector string) bool {
	switch selector {
	case DummySelector, LLMSelector, "":
		return true
	}
	return false
}

// Dummy gives every agent zero
type Dummy struct{}

func (Dummy) Evaluate(_ context.Context, episode *core.EpisodeLog) ([]float64, string, error) {
	return make([]float64, len(episode.Agents)), "No evaluation implemented", nil
}
