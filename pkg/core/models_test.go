package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestAgentActionToText(t *testing.T) {
	tests := []struct {
		action AgentAction
		want   string
	}{
		{AgentAction{ActionType: ActionNone}, "did nothing"},
		{AgentAction{ActionType: ActionSpeak, Argument: "hi"}, `said: "hi"`},
		{AgentAction{ActionType: ActionNonVerbal, Argument: "smiles"}, "[non-verbal communication] smiles"},
		{AgentAction{ActionType: ActionPhysical, Argument: "sits down"}, "[action] sits down"},
		{AgentAction{ActionType: ActionLeave}, "left the conversation"},
	}
	for _, tt := range tests {
		t.Run(string(tt.action.ActionType), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.ToText())
		})
	}
}

func TestToTextIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := AgentAction{
			AgentName:  rapid.String().Draw(t, "name"),
			ActionType: rapid.SampledFrom(DefaultActions).Draw(t, "type"),
			Argument:   rapid.String().Draw(t, "arg"),
		}
		if a.ToText() != a.ToText() {
			t.Fatalf("rendering changed between calls for %+v", a)
		}
	})
}

func TestObservationToText(t *testing.T) {
	opening := Observation{LastTurn: "A cafe.", LastSpeaker: Environment, TurnNumber: 0}
	assert.Equal(t, "\nA cafe.\nConversation Starts:\n", opening.ToText())

	later := Observation{LastTurn: `said: "hi"`, LastSpeaker: "jack", TurnNumber: 3}
	assert.Equal(t, `Turn #2: jack said: "hi"`, later.ToText())

	anon := Observation{LastTurn: "something happened", TurnNumber: 1}
	assert.Equal(t, "Turn #0: something happened", anon.ToText())
}

func TestObservationPredicates(t *testing.T) {
	ping := Observation{AgentName: ModeratorName, TurnNumber: HandshakeTurn, AvailableActions: []ActionType{ActionNone}}
	assert.True(t, ping.IsHandshake())
	assert.True(t, ping.Idle())
	assert.False(t, ping.Allows(ActionSpeak))

	turn := Observation{TurnNumber: 2, AvailableActions: DefaultActions}
	assert.False(t, turn.IsHandshake())
	assert.False(t, turn.Idle())
	assert.True(t, turn.Allows(ActionLeave))
}

func TestActionTypeValid(t *testing.T) {
	for _, a := range DefaultActions {
		assert.True(t, a.Valid(), a)
	}
	assert.False(t, ActionType("dance").Valid())
}

func TestTranscriptEntryJSONIsATriple(t *testing.T) {
	b, err := json.Marshal(TranscriptEntry{Speaker: "jack", Addressee: Environment, Text: "left the conversation"})
	require.NoError(t, err)
	assert.JSONEq(t, `["jack","Environment","left the conversation"]`, string(b))

	var e TranscriptEntry
	require.NoError(t, json.Unmarshal([]byte(`["jane","Environment","did nothing"]`), &e))
	assert.Equal(t, "jane", e.Speaker)
	assert.Equal(t, "did nothing", e.Text)

	assert.Error(t, json.Unmarshal([]byte(`{"speaker":"jane"}`), &e))
}

func TestObservationWireFormat(t *testing.T) {
	b, err := json.Marshal(Observation{
		AgentName:        ModeratorName,
		LastTurn:         `{"use_pk_value":true}`,
		TurnNumber:       HandshakeTurn,
		AvailableActions: []ActionType{ActionNone},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"agent_name": "moderator",
		"last_turn": "{\"use_pk_value\":true}",
		"turn_number": -1,
		"available_actions": ["none"]
	}`, string(b))
}

func TestScoredMessages(t *testing.T) {
	ep := &EpisodeLog{
		Messages: [][]TranscriptEntry{
			{{Speaker: "jack", Text: "a"}},
			{{Speaker: "jane", Text: "b"}},
			{{Speaker: "jack", Text: "left the conversation"}},
		},
		ScoredTurns: 2,
	}
	assert.Len(t, ep.ScoredMessages(), 2)

	ep.ScoredTurns = 10
	assert.Len(t, ep.ScoredMessages(), 3)
}
