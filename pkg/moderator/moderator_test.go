package moderator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/parley/internal/metrics"
	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/messaging"
)

// scriptedAgent answers the handshake, says its lines when authorized and
// leaves when it runs out or is told to.
type scriptedAgent struct {
	name  string
	pk    string
	reply string // overrides the handshake argument when set
	lines []string

	mu   sync.Mutex
	said int
	seen []core.Observation
}

func (a *scriptedAgent) in() string  { return "moderator:" + a.name }
func (a *scriptedAgent) out() string { return a.name + ":moderator" }

func (a *scriptedAgent) start(t *testing.T, ctx context.Context, bus messaging.Bus) {
	sub, err := bus.Subscribe(ctx, a.in())
	require.NoError(t, err)
	go func() {
		defer sub.Close()
		for env := range sub.Messages() {
			obs, err := messaging.Decode[core.Observation](env.Payload)
			if err != nil {
				continue
			}
			action := a.respond(obs)
			payload, _ := messaging.Encode(action)
			_ = bus.Publish(ctx, a.out(), payload)
		}
	}()
}

func (a *scriptedAgent) respond(obs core.Observation) core.AgentAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, obs)

	action := core.AgentAction{AgentName: a.name, ActionType: core.ActionNone}
	switch {
	case obs.IsHandshake():
		arg := a.reply
		if arg == "" {
			b, _ := json.Marshal(core.HandshakeReply{PK: a.pk, ModelName: "test-model"})
			arg = string(b)
		}
		action.Argument = arg
	case obs.Idle():
	case obs.Allows(core.ActionSpeak) && a.said < len(a.lines):
		action.ActionType = core.ActionSpeak
		action.Argument = a.lines[a.said]
		a.said++
	case obs.Allows(core.ActionLeave):
		action.ActionType = core.ActionLeave
	}
	return action
}

func (a *scriptedAgent) observations() []core.Observation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Observation(nil), a.seen...)
}

func sessionConfig(agents []*scriptedAgent, maxTurns int) Config {
	cfg := Config{
		Scenario:      "Two friends meet at a cafe.",
		MaxTurns:      maxTurns,
		BootInterval:  5 * time.Millisecond,
		ShutdownGrace: -1,
		Tag:           "test",
	}
	for _, a := range agents {
		cfg.InputChannels = append(cfg.InputChannels, a.out())
		cfg.Participants = append(cfg.Participants, Participant{Name: a.name, Channel: a.in()})
	}
	return cfg
}

type fakeEvaluator struct {
	rewards []float64
	err     error
	calls   int
	scored  int
}

func (e *fakeEvaluator) Evaluate(_ context.Context, ep *core.EpisodeLog) ([]float64, string, error) {
	e.calls++
	e.scored = len(ep.ScoredMessages())
	return e.rewards, "rate the conversation", e.err
}

type fakeStore struct {
	mu    sync.Mutex
	saved []*core.EpisodeLog
	err   error
}

func (s *fakeStore) Save(_ context.Context, ep *core.EpisodeLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, ep)
	return nil
}

func watchShutdown(t *testing.T, ctx context.Context, bus messaging.Bus) messaging.Subscription {
	sub, err := bus.Subscribe(ctx, messaging.ShutdownChannel)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	return sub
}

func requireShutdown(t *testing.T, sub messaging.Subscription) {
	select {
	case env := <-sub.Messages():
		assert.Equal(t, messaging.ShutdownPayload, string(env.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown broadcast")
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if label == "" {
				return metric.GetCounter().GetValue()
			}
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRunTwoAgentSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := messaging.NewBroker()

	jack := &scriptedAgent{name: "jack", pk: "jack-id", lines: []string{"hi"}}
	jane := &scriptedAgent{name: "jane", pk: "jane-id", lines: []string{"hello"}}
	jack.start(t, ctx, broker)
	jane.start(t, ctx, broker)
	shutdown := watchShutdown(t, ctx, broker)

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector("parley", reg, nil)
	require.NoError(t, err)

	m, err := New(sessionConfig([]*scriptedAgent{jack, jane}, 2), broker, WithMetrics(collector))
	require.NoError(t, err)
	assert.Equal(t, StateBooting, m.State())

	episode, err := m.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, episode)

	assert.Equal(t, []string{"jack-id", "jane-id"}, episode.Agents)
	require.Len(t, episode.Messages, 3)
	assert.Equal(t, [][]core.TranscriptEntry{
		{{Speaker: "jack", Addressee: core.Environment, Text: `said: "hi"`}},
		{{Speaker: "jane", Addressee: core.Environment, Text: `said: "hello"`}},
	}, episode.Messages[:2])
	// both leaves answer the same broadcast, so either may arrive first
	assert.ElementsMatch(t, []core.TranscriptEntry{
		{Speaker: "jack", Addressee: core.Environment, Text: "left the conversation"},
		{Speaker: "jane", Addressee: core.Environment, Text: "left the conversation"},
	}, episode.Messages[2])
	assert.Equal(t, 2, episode.ScoredTurns)
	assert.Equal(t, []float64{0, 0}, episode.Rewards)
	assert.Equal(t, "test", episode.Tag)
	assert.Equal(t, StateTerminated, m.State())
	requireShutdown(t, shutdown)

	assert.Equal(t, 1.0, counterValue(t, reg, "parley_sessions_total", "outcome", "completed"))
	assert.Equal(t, 4.0, counterValue(t, reg, "parley_turns_total", "", ""))
	assert.Equal(t, 2.0, counterValue(t, reg, "parley_actions_total", "action_type", "speak"))
	assert.Equal(t, 2.0, counterValue(t, reg, "parley_actions_total", "action_type", "leave"))
	assert.Zero(t, counterValue(t, reg, "parley_actions_total", "action_type", "none"))

	// turn 0 opens with the scenario, and no handshake ping is numbered past -1
	var opening *core.Observation
	for _, obs := range jane.observations() {
		if obs.IsHandshake() {
			assert.Equal(t, core.ModeratorName, obs.AgentName)
			continue
		}
		if obs.TurnNumber == 0 {
			o := obs
			opening = &o
		}
	}
	require.NotNil(t, opening)
	assert.Equal(t, "Two friends meet at a cafe.", opening.LastTurn)
	assert.True(t, opening.Idle())
}

func TestRunEmptyPKFallsBackToName(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := messaging.NewBroker()

	jack := &scriptedAgent{name: "jack", lines: []string{"hi"}}
	jack.start(t, ctx, broker)

	m, err := New(sessionConfig([]*scriptedAgent{jack}, 1), broker)
	require.NoError(t, err)
	episode, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"jack"}, episode.Agents)
}

func TestRunEvaluatesAndSaves(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := messaging.NewBroker()

	jack := &scriptedAgent{name: "jack", pk: "jack-id", lines: []string{"hi", "how are you"}}
	jane := &scriptedAgent{name: "jane", pk: "jane-id", lines: []string{"hello"}}
	jack.start(t, ctx, broker)
	jane.start(t, ctx, broker)

	cfg := sessionConfig([]*scriptedAgent{jack, jane}, 3)
	cfg.WillEval = true
	cfg.PushToDB = true
	eval := &fakeEvaluator{rewards: []float64{0.5, 1}}
	store := &fakeStore{}

	m, err := New(cfg, broker, WithEvaluator(eval), WithStore(store))
	require.NoError(t, err)
	episode, err := m.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, eval.calls)
	assert.Equal(t, 3, eval.scored)
	assert.Equal(t, []float64{0.5, 1}, episode.Rewards)
	assert.Equal(t, "rate the conversation", episode.RewardsPrompt)
	require.Len(t, store.saved, 1)
	assert.Same(t, episode, store.saved[0])
}

func TestRunWrapUpFailures(t *testing.T) {
	tests := []struct {
		name      string
		eval      *fakeEvaluator
		storeErr  error
		want      error
		wantSaved int
	}{
		{
			name: "reward shape",
			eval: &fakeEvaluator{rewards: []float64{1}},
			want: ErrRewardShape,
		},
		{
			name: "evaluator error",
			eval: &fakeEvaluator{err: errors.New("model unavailable")},
		},
		{
			name:     "store error",
			eval:     &fakeEvaluator{rewards: []float64{1, 1}},
			storeErr: errors.New("disk full"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			broker := messaging.NewBroker()

			jack := &scriptedAgent{name: "jack", lines: []string{"hi"}}
			jane := &scriptedAgent{name: "jane", lines: []string{"hello"}}
			jack.start(t, ctx, broker)
			jane.start(t, ctx, broker)
			shutdown := watchShutdown(t, ctx, broker)

			cfg := sessionConfig([]*scriptedAgent{jack, jane}, 2)
			cfg.WillEval = true
			cfg.PushToDB = true
			store := &fakeStore{err: tt.storeErr}

			m, err := New(cfg, broker, WithEvaluator(tt.eval), WithStore(store))
			require.NoError(t, err)
			episode, err := m.Run(ctx)
			require.Error(t, err)
			assert.Nil(t, episode)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Len(t, store.saved, tt.wantSaved)
			assert.Equal(t, StateTerminated, m.State())
			requireShutdown(t, shutdown)
		})
	}
}

func TestRunMalformedHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := messaging.NewBroker()

	jack := &scriptedAgent{name: "jack", reply: "not json"}
	jack.start(t, ctx, broker)

	m, err := New(sessionConfig([]*scriptedAgent{jack}, 2), broker)
	require.NoError(t, err)
	_, err = m.Run(ctx)
	assert.ErrorIs(t, err, ErrMalformedHandshake)
}

func TestRunWaitsForSilentAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	broker := messaging.NewBroker()

	jack := &scriptedAgent{name: "jack", lines: []string{"hi"}}
	jack.start(t, ctx, broker)
	// jane never subscribes, so she never answers
	cfg := sessionConfig([]*scriptedAgent{jack, {name: "jane"}}, 2)

	m, err := New(cfg, broker)
	require.NoError(t, err)
	episode, err := m.Run(ctx)
	assert.Nil(t, episode)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	for _, obs := range jack.observations() {
		assert.True(t, obs.IsHandshake(), "turn %d sent before everyone was awake", obs.TurnNumber)
	}
}

func TestRunTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := New(configFor([]string{"jack"}, 1), messaging.NewBroker())
	require.NoError(t, err)

	_, _ = m.Run(ctx)
	_, err = m.Run(ctx)
	assert.Error(t, err)
}

// Actions published concurrently from many goroutines are applied one at a
// time; the round-robin order survives the noise.
func TestRunConcurrentPublishers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	broker := messaging.NewBroker()

	const maxTurns = 8
	var agents []*scriptedAgent
	for i := 0; i < 4; i++ {
		a := &scriptedAgent{name: fmt.Sprintf("agent%d", i)}
		for j := 0; j < maxTurns; j++ {
			a.lines = append(a.lines, fmt.Sprintf("line %d", j))
		}
		a.start(t, ctx, broker)
		agents = append(agents, a)
	}

	m, err := New(sessionConfig(agents, maxTurns), broker)
	require.NoError(t, err)

	var wg sync.WaitGroup
	go func() {
		for m.State() == StateBooting && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		for _, a := range agents {
			wg.Add(1)
			go func(a *scriptedAgent) {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					payload, _ := messaging.Encode(core.AgentAction{AgentName: a.name, ActionType: core.ActionNone})
					_ = broker.Publish(ctx, a.out(), payload)
				}
			}(a)
		}
	}()

	episode, err := m.Run(ctx)
	require.NoError(t, err)
	wg.Wait()

	scored := episode.ScoredMessages()
	require.Len(t, scored, maxTurns)
	for turn, group := range scored {
		require.Len(t, group, 1)
		assert.Equal(t, agents[turn%len(agents)].name, group[0].Speaker)
	}
	assert.Len(t, episode.Messages[maxTurns], len(agents))
}
