package evaluator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

// JudgePrompt asks the model to grade goal completion for every agent
const JudgePrompt = `{history}

Based on the conversation above, rate how well each participant achieved their social goal on a scale from 0 to 10, where 0 means not at all and 10 means fully achieved.

Goals:
{goals}

Reply with one line per participant in the form "<name>: <score>", followed by a short justification.`

var scoreLine = regexp.MustCompile(`(?m)^\s*\**([^:\n*]+?)\**\s*:\s*(-?\d+(?:\.\d+)?)`)

// LLMEvaluator asks a model to score each agent 0..10 on its goal
type LLMEvaluator struct {
	generator   core.Generator
	model       string
	temperature float64
	agents      []string
	goals       map[string]string
	logger      *zap.Logger
}

func NewLLMEvaluator(p Params) *LLMEvaluator {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Model == "" {
		p.Model = "gpt-4o-mini"
	}
	return &LLMEvaluator{
		generator:   p.Generator,
		model:       p.Model,
		temperature: p.Temperature,
		agents:      p.Agents,
		goals:       p.Goals,
		logger:      p.Logger.With(zap.String("component", "evaluator")),
	}
}

// Evaluate scores the scored turns only. Agents the judge does not mention
// get zero. The judge's full reply is returned as the explanation.
func (e *LLMEvaluator) Evaluate(ctx context.Context, episode *core.EpisodeLog) ([]float64, string, error) {
	speakers := e.agents
	if len(speakers) == 0 {
		speakers = speakerOrder(episode)
	}

	var goals strings.Builder
	for _, name := range speakers {
		fmt.Fprintf(&goals, "%s: %s\n", name, e.goals[name])
	}
	reply, err := e.generator.Generate(ctx, e.model, JudgePrompt, map[string]string{
		"history": RenderHistory(episode.ScoredMessages()),
		"goals":   strings.TrimRight(goals.String(), "\n"),
	}, e.temperature)
	if err != nil {
		return nil, "", fmt.Errorf("judge: %w", err)
	}

	scores := parseScores(reply)
	rewards := make([]float64, len(episode.Agents))
	for i := range rewards {
		if i < len(speakers) {
			rewards[i] = scores[strings.ToLower(speakers[i])]
		}
	}
	e.logger.Debug("episode scored", zap.String("episode", episode.ID), zap.Float64s("rewards", rewards))
	return rewards, reply, nil
}

// RenderHistory formats transcript turns the way agents see them
func RenderHistory(turns [][]core.TranscriptEntry) string {
	var sb strings.Builder
	for i, group := range turns {
		for _, e := range group {
			fmt.Fprintf(&sb, "Turn #%d: %s %s\n", i, e.Speaker, e.Text)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// speakerOrder lists agent names in the order they first appear. Episode
// agents are pks, so without configured names the transcript is the only
// place names are recorded.
func speakerOrder(episode *core.EpisodeLog) []string {
	seen := map[string]bool{}
	var names []string
	for _, group := range episode.Messages {
		for _, e := range group {
			if !seen[e.Speaker] {
				seen[e.Speaker] = true
				names = append(names, e.Speaker)
			}
		}
	}
	return names
}

func parseScores(reply string) map[string]float64 {
	out := map[string]float64{}
	for _, m := range scoreLine.FindAllStringSubmatch(reply, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		if v > 10 {
			v = 10
		}
		name := strings.ToLower(strings.TrimSpace(m[1]))
		if _, dup := out[name]; !dup {
			out[name] = v
		}
	}
	return out
}
