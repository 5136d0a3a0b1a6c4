package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionType tags what an agent did on its turn
type ActionType string

const (
	ActionNone      ActionType = "none"
	ActionSpeak     ActionType = "speak"
	ActionNonVerbal ActionType = "non-verbal communication"
	ActionPhysical  ActionType = "action"
	ActionLeave     ActionType = "leave"
)

// DefaultActions is the full action vocabulary offered to the authorized agent
var DefaultActions = []ActionType{
	ActionNone,
	ActionSpeak,
	ActionNonVerbal,
	ActionPhysical,
	ActionLeave,
}

// Valid reports whether t is one of the known action types
func (t ActionType) Valid() bool {
	switch t {
	case ActionNone, ActionSpeak, ActionNonVerbal, ActionPhysical, ActionLeave:
		return true
	}
	return false
}

// ModeratorName is the agent_name the moderator uses on its own observations
const ModeratorName = "moderator"

// Environment is the speaker/addressee used for scenario lines and for
// actions that are not addressed to a single participant
const Environment = "Environment"

// HandshakeTurn marks an observation as a boot handshake ping
const HandshakeTurn = -1

// AgentAction is what an agent publishes on its output channel
type AgentAction struct {
	AgentName  string     `json:"agent_name"`
	ActionType ActionType `json:"action_type"`
	Argument   string     `json:"argument"`
}

// ToText renders the action as a transcript clause
func (a AgentAction) ToText() string {
	switch a.ActionType {
	case ActionNone:
		return "did nothing"
	case ActionSpeak:
		return fmt.Sprintf("said: \"%s\"", a.Argument)
	case ActionNonVerbal, ActionPhysical:
		return fmt.Sprintf("[%s] %s", a.ActionType, a.Argument)
	case ActionLeave:
		return "left the conversation"
	default:
		return fmt.Sprintf("[%s] %s", a.ActionType, a.Argument)
	}
}

// Observation is what the moderator publishes to a single agent
type Observation struct {
	AgentName        string       `json:"agent_name"`
	LastTurn         string       `json:"last_turn"`
	LastSpeaker      string       `json:"last_speaker,omitempty"`
	TurnNumber       int          `json:"turn_number"`
	AvailableActions []ActionType `json:"available_actions"`
}

// IsHandshake reports whether the observation is a boot ping
func (o Observation) IsHandshake() bool {
	return o.TurnNumber == HandshakeTurn
}

// Allows reports whether t is among the offered actions
func (o Observation) Allows(t ActionType) bool {
	for _, a := range o.AvailableActions {
		if a == t {
			return true
		}
	}
	return false
}

// Idle reports whether the only thing the agent may do is nothing
func (o Observation) Idle() bool {
	return len(o.AvailableActions) == 1 && o.AvailableActions[0] == ActionNone
}

// ToText renders the observation as a line of an agent's history
func (o Observation) ToText() string {
	if o.TurnNumber == 0 {
		return fmt.Sprintf("\n%s\nConversation Starts:\n", o.LastTurn)
	}
	if o.LastSpeaker == "" {
		return fmt.Sprintf("Turn #%d: %s", o.TurnNumber-1, o.LastTurn)
	}
	return fmt.Sprintf("Turn #%d: %s %s", o.TurnNumber-1, o.LastSpeaker, o.LastTurn)
}

// HandshakeRequest is carried in LastTurn of a boot ping
type HandshakeRequest struct {
	UsePKValue bool `json:"use_pk_value"`
}

// HandshakeReply is carried in Argument of an agent's answer to a boot ping
type HandshakeReply struct {
	PK        string `json:"pk"`
	ModelName string `json:"model_name"`
}

// TranscriptEntry is one rendered action: who acted, toward whom, and what
type TranscriptEntry struct {
	Speaker   string
	Addressee string
	Text      string
}

// MarshalJSON encodes the entry as a [speaker, addressee, text] triple
func (e TranscriptEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{e.Speaker, e.Addressee, e.Text})
}

// UnmarshalJSON decodes a [speaker, addressee, text] triple
func (e *TranscriptEntry) UnmarshalJSON(data []byte) error {
	var triple [3]string
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("transcript entry: %w", err)
	}
	e.Speaker, e.Addressee, e.Text = triple[0], triple[1], triple[2]
	return nil
}

// EpisodeLog is the record of one finished session
type EpisodeLog struct {
	ID            string              `json:"id"`
	Environment   string              `json:"environment"`
	Agents        []string            `json:"agents"`
	Tag           string              `json:"tag,omitempty"`
	Models        []string            `json:"models"`
	Messages      [][]TranscriptEntry `json:"messages"`
	Rewards       []float64           `json:"rewards"`
	RewardsPrompt string              `json:"rewards_prompt"`
	// ScoredTurns is the number of turns in Messages that precede the
	// wind-down round. Evaluators should only look at these.
	ScoredTurns int       `json:"scored_turns"`
	CreatedAt   time.Time `json:"created_at"`
}

// ScoredMessages returns the turns that count toward evaluation
func (e *EpisodeLog) ScoredMessages() [][]TranscriptEntry {
	if e.ScoredTurns < 0 || e.ScoredTurns > len(e.Messages) {
		return e.Messages
	}
	return e.Messages[:e.ScoredTurns]
}
