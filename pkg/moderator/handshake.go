package moderator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

// boot pings every agent each BootInterval until all of them have replied,
// then opens turn 0 and releases the consumer.
//
// Replies carry turn -1 semantics: they are never written to the
// transcript. There is no timeout; an agent that never answers keeps the
// session in StateBooting until ctx is cancelled.
func (m *Moderator) boot(ctx context.Context) error {
	start := time.Now()
	ping, err := json.Marshal(core.HandshakeRequest{UsePKValue: m.cfg.UsePKValue})
	if err != nil {
		return err
	}

	timer := time.NewTimer(m.cfg.BootInterval)
	defer timer.Stop()
	for !m.everyoneAwake() {
		out := make([]delivery, 0, len(m.channels))
		for _, ch := range m.channels {
			out = append(out, delivery{
				channel: ch,
				observation: core.Observation{
					AgentName:        core.ModeratorName,
					LastTurn:         string(ping),
					TurnNumber:       core.HandshakeTurn,
					AvailableActions: []core.ActionType{core.ActionNone},
				},
			})
		}
		if err := m.send(ctx, out); err != nil {
			return err
		}

		timer.Reset(m.cfg.BootInterval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		for {
			item, ok := m.queue.TryGet()
			if !ok {
				break
			}
			if err := m.acceptReply(item); err != nil {
				return err
			}
		}
	}

	m.metrics.ObserveHandshake(time.Since(start))
	m.logger.Info("all agents are awake", zap.Duration("took", time.Since(start)))

	if err := m.send(ctx, m.openingRound()); err != nil {
		return err
	}
	m.state.Store(int32(StateRunning))
	close(m.allAwake)
	return nil
}

// acceptReply marks the sender of a boot reply awake
func (m *Moderator) acceptReply(item inbound) error {
	switch ev := item.(type) {
	case actionEvent:
		name := ev.action.AgentName
		wasAwake, known := m.awake[name]
		if !known {
			return fmt.Errorf("%w: %q replied on %s", ErrUnknownParticipant, name, ev.channel)
		}
		var reply core.HandshakeReply
		if err := json.Unmarshal([]byte(ev.action.Argument), &reply); err != nil {
			return fmt.Errorf("%w from %s: %v", ErrMalformedHandshake, name, err)
		}
		if wasAwake {
			return nil
		}
		if reply.PK == "" {
			reply.PK = name
		}
		m.awake[name] = true
		m.agentPK[name] = reply.PK
		m.agentModel[name] = reply.ModelName
		m.metrics.SetAwake(m.awakeCount())
		m.logger.Debug("agent awake",
			zap.String("agent", name),
			zap.String("pk", reply.PK),
			zap.String("model", reply.ModelName),
		)
		return nil
	default:
		return fmt.Errorf("%w during boot: %T", ErrUnknownMessage, item)
	}
}

// openingRound builds the turn-0 observations: the first agent in turn
// order gets the full vocabulary, everyone else may only do nothing.
func (m *Moderator) openingRound() []delivery {
	out := make([]delivery, 0, len(m.agents))
	for i, name := range m.agents {
		available := []core.ActionType{core.ActionNone}
		if i == 0 {
			available = m.cfg.AvailableActions
		}
		m.offered[name] = available
		out = append(out, delivery{
			channel: m.channels[i],
			observation: core.Observation{
				AgentName:        name,
				LastTurn:         m.cfg.Scenario,
				LastSpeaker:      core.Environment,
				TurnNumber:       0,
				AvailableActions: available,
			},
		})
	}
	m.currentAgentIndex = 1 % len(m.agents)
	return out
}

func (m *Moderator) everyoneAwake() bool {
	return m.awakeCount() == len(m.agents)
}

func (m *Moderator) awakeCount() int {
	n := 0
	for _, up := range m.awake {
		if up {
			n++
		}
	}
	return n
}
