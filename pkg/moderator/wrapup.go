package moderator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/messaging"
)

// wrapUp evaluates and persists the finished episode, waits out the grace
// period and announces shutdown. The shutdown broadcast goes out even when an
// earlier step failed; the first failure is returned.
func (m *Moderator) wrapUp(ctx context.Context) (*core.EpisodeLog, error) {
	episode := m.buildEpisode()
	m.logger.Info("session finished",
		zap.String("episode", episode.ID),
		zap.Int("turns", len(episode.Messages)),
		zap.Int("scored_turns", episode.ScoredTurns),
	)

	var firstErr error
	if m.cfg.WillEval {
		if err := m.evaluate(ctx, episode); err != nil {
			firstErr = err
		}
	}
	if m.cfg.PushToDB && firstErr == nil {
		if err := m.store.Save(ctx, episode); err != nil {
			firstErr = fmt.Errorf("save episode %s: %w", episode.ID, err)
		} else {
			m.logger.Info("episode saved", zap.String("episode", episode.ID))
		}
	}

	if m.cfg.ShutdownGrace > 0 {
		t := time.NewTimer(m.cfg.ShutdownGrace)
		select {
		case <-ctx.Done():
		case <-t.C:
		}
		t.Stop()
	}

	if err := m.bus.Publish(ctx, messaging.ShutdownChannel, []byte(messaging.ShutdownPayload)); err != nil {
		m.logger.Warn("shutdown broadcast failed", zap.Error(err))
	}

	m.state.Store(int32(StateTerminated))
	if firstErr != nil {
		return nil, firstErr
	}
	m.metrics.RecordSession("completed")
	return episode, nil
}

func (m *Moderator) evaluate(ctx context.Context, episode *core.EpisodeLog) error {
	rewards, prompt, err := m.evaluator.Evaluate(ctx, episode)
	if err != nil {
		return fmt.Errorf("evaluate episode %s: %w", episode.ID, err)
	}
	if len(rewards) != len(episode.Agents) {
		return fmt.Errorf("%w: got %d for %d agents", ErrRewardShape, len(rewards), len(episode.Agents))
	}
	episode.Rewards = rewards
	episode.RewardsPrompt = prompt
	return nil
}

// buildEpisode snapshots the session into an EpisodeLog. Agents are listed
// by their handshake pk in configured order.
func (m *Moderator) buildEpisode() *core.EpisodeLog {
	agents := make([]string, 0, len(m.agents))
	models := make([]string, 0, len(m.agents))
	for _, name := range m.agents {
		agents = append(agents, m.agentPK[name])
		models = append(models, m.agentModel[name])
	}
	messages := m.transcript.Messages()
	scored := len(messages)
	if m.windingDown {
		scored = m.scoredTurns
	}
	return &core.EpisodeLog{
		ID:          uuid.NewString(),
		Environment: m.cfg.Scenario,
		Agents:      agents,
		Tag:         m.cfg.Tag,
		Models:      models,
		Messages:    messages,
		Rewards:     make([]float64, len(agents)),
		ScoredTurns: scored,
		CreatedAt:   time.Now().UTC(),
	}
}
