package core

import (
	"context"
)

// Generator produces text from a prompt template. Agents call it, the
// moderator never does.
type Generator interface {
	// Generate fills template with inputs and asks model for a completion
	Generate(ctx context.Context, model string, template string, inputs map[string]string, temperature float64) (string, error)
}

// Evaluator scores a finished episode
type Evaluator interface {
	// Evaluate returns one reward per agent and an explanation
	Evaluate(ctx context.Context, episode *EpisodeLog) ([]float64, string, error)
}

// EpisodeStore persists finished episodes
type EpisodeStore interface {
	// Save writes the episode record
	Save(ctx context.Context, episode *EpisodeLog) error
}
