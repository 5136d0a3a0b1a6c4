package moderator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

// step applies one inbound message to the session. It returns the
// observations to publish, and done=true when the session has terminated.
func (m *Moderator) step(item inbound) ([]delivery, bool, error) {
	switch ev := item.(type) {
	case actionEvent:
		return m.act(ev.action)
	default:
		return nil, false, fmt.Errorf("%w: %T", ErrUnknownMessage, item)
	}
}

// act is the round-robin state machine
func (m *Moderator) act(a core.AgentAction) ([]delivery, bool, error) {
	// none is invisible: no record, no turn, no output, no metric
	if a.ActionType == core.ActionNone {
		return nil, false, nil
	}
	m.metrics.RecordAction(string(a.ActionType))

	stillAwake, known := m.awake[a.AgentName]
	if !known {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownParticipant, a.AgentName)
	}
	if m.cfg.Authorization == PolicyStrict && !offers(m.offered[a.AgentName], a.ActionType) {
		m.logger.Warn("dropping unauthorized action",
			zap.String("agent", a.AgentName),
			zap.String("action_type", string(a.ActionType)),
		)
		return nil, false, nil
	}

	if a.ActionType == core.ActionLeave {
		if !stillAwake {
			m.logger.Debug("repeated leave ignored", zap.String("agent", a.AgentName))
			return nil, false, nil
		}
		m.awake[a.AgentName] = false
		m.metrics.SetAwake(m.awakeCount())
	}

	turn := m.turnNumber
	if m.windingDown {
		turn = m.cfg.MaxTurns
	}
	entry := core.TranscriptEntry{
		Speaker:   a.AgentName,
		Addressee: core.Environment,
		Text:      a.ToText(),
	}
	if err := m.transcript.Record(turn, entry); err != nil {
		return nil, false, err
	}
	m.metrics.RecordTurn()
	m.logger.Debug("recorded",
		zap.Int("turn", turn),
		zap.String("agent", a.AgentName),
		zap.String("text", entry.Text),
	)

	if a.ActionType == core.ActionLeave && m.awakeCount() == 0 {
		m.state.Store(int32(StateTerminated))
		return nil, true, nil
	}

	if m.windingDown {
		// Everyone was already told to leave
		return nil, false, nil
	}
	if m.turnNumber+1 >= m.cfg.MaxTurns {
		m.windingDown = true
		m.scoredTurns = m.transcript.Len()
		m.logger.Info("max turns reached, winding down", zap.Int("turn", m.turnNumber))
		return m.windDown(a), false, nil
	}

	m.turnNumber++
	return m.nextRound(a), false, nil
}

// nextRound authorizes the next awake agent in configured order and tells
// every agent what just happened
func (m *Moderator) nextRound(last core.AgentAction) []delivery {
	n := len(m.agents)
	actor := -1
	for i := 0; i < n; i++ {
		idx := (m.currentAgentIndex + i) % n
		if m.awake[m.agents[idx]] {
			actor = idx
			break
		}
	}

	out := make([]delivery, 0, n)
	for i, name := range m.agents {
		available := []core.ActionType{core.ActionNone}
		if i == actor {
			available = m.cfg.AvailableActions
		}
		m.offered[name] = available
		out = append(out, delivery{
			channel: m.channels[i],
			observation: core.Observation{
				AgentName:        name,
				LastTurn:         last.ToText(),
				LastSpeaker:      last.AgentName,
				TurnNumber:       m.turnNumber,
				AvailableActions: available,
			},
		})
	}
	if actor >= 0 {
		m.currentAgentIndex = (actor + 1) % n
	}
	return out
}

// windDown offers every awake agent nothing but leave. The turn counter is
// not advanced; the round is numbered MaxTurns.
func (m *Moderator) windDown(last core.AgentAction) []delivery {
	out := make([]delivery, 0, len(m.agents))
	for i, name := range m.agents {
		if !m.awake[name] {
			m.offered[name] = nil
			continue
		}
		available := []core.ActionType{core.ActionLeave}
		m.offered[name] = available
		out = append(out, delivery{
			channel: m.channels[i],
			observation: core.Observation{
				AgentName:        name,
				LastTurn:         last.ToText(),
				LastSpeaker:      last.AgentName,
				TurnNumber:       m.cfg.MaxTurns,
				AvailableActions: available,
			},
		})
	}
	return out
}

func offers(available []core.ActionType, t core.ActionType) bool {
	for _, a := range available {
		if a == t {
			return true
		}
	}
	return false
}
