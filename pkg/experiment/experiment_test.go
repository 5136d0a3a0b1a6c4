package experiment

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boristopalov/parley/pkg/config"
	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/messaging"
)

// chatty always wants to speak; judge prompts get fixed scores
type chatty struct{}

func (chatty) Generate(_ context.Context, _ string, template string, inputs map[string]string, _ float64) (string, error) {
	if strings.Contains(template, "rate how well") {
		return "jack: 8\njane: 6", nil
	}
	return `{"action_type":"speak","argument":"hello from ` + inputs["agent"] + `"}`, nil
}

func testConfig(t *testing.T, yaml string) *config.ExperimentConfig {
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

const session = `
name: test
timeout: 10s
environment:
  profile: cafe
session:
  tag: unit
  max_turns: 3
  push_to_db: true
  will_eval: true
  boot_interval: 5ms
  shutdown_grace: 1ms
agents:
  - name: jack
  - name: jane
evaluator:
  type: LLMEvaluator
`

func TestRunInMemory(t *testing.T) {
	ctx := context.Background()
	exp, err := NewExperiment(ctx, testConfig(t, session), WithGenerator(chatty{}))
	require.NoError(t, err)
	defer exp.Close()

	episode, err := exp.Run(ctx)
	require.NoError(t, err)

	require.Len(t, episode.Messages, 4)
	assert.Equal(t, `said: "hello from jack"`, episode.Messages[0][0].Text)
	assert.Equal(t, "jane", episode.Messages[1][0].Speaker)
	assert.Equal(t, "jack", episode.Messages[2][0].Speaker)
	assert.Len(t, episode.Messages[3], 2)
	assert.Equal(t, 3, episode.ScoredTurns)
	assert.Equal(t, []float64{8, 6}, episode.Rewards)
	assert.Contains(t, episode.Environment, "cafe")

	saved, err := exp.Store().Get(ctx, episode.ID)
	require.NoError(t, err)
	assert.Equal(t, episode.Messages, saved.Messages)
	tagged, err := exp.Store().List(ctx, "unit")
	require.NoError(t, err)
	assert.Len(t, tagged, 1)

	status := exp.Status()
	assert.False(t, status.Running)
	assert.Equal(t, episode.ID, status.EpisodeID)
	assert.Empty(t, status.Errors)
	assert.False(t, status.EndTime.Before(status.StartTime))
}

func TestRunOverRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	t.Setenv("PARLEY_REDIS_ADDR", mr.Addr())

	cfg := testConfig(t, session+`
bus:
  type: redis
store:
  type: redis
`)
	ctx := context.Background()
	exp, err := NewExperiment(ctx, cfg, WithGenerator(chatty{}))
	require.NoError(t, err)
	defer exp.Close()

	episode, err := exp.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, episode.Messages, 4)
	assert.True(t, mr.Exists("parley:episode:"+episode.ID))
}

// deafBus never delivers to one channel
type deafBus struct {
	messaging.Bus
	channel string
}

func (b deafBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if channel == b.channel {
		return nil
	}
	return b.Bus.Publish(ctx, channel, payload)
}

func TestRunTimesOut(t *testing.T) {
	cfg := testConfig(t, session)
	cfg.Timeout = 50 * time.Millisecond
	ctx := context.Background()

	bus := deafBus{Bus: messaging.NewBroker(), channel: "moderator:jane"}
	exp, err := NewExperiment(ctx, cfg, WithGenerator(chatty{}), WithBus(bus))
	require.NoError(t, err)
	defer exp.Close()

	episode, err := exp.Run(ctx)
	assert.Nil(t, episode)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status := exp.Status()
	assert.False(t, status.Running)
	assert.Len(t, status.Errors, 1)
}

func TestNewAgentUnknown(t *testing.T) {
	exp, err := NewExperiment(context.Background(), testConfig(t, session), WithGenerator(chatty{}))
	require.NoError(t, err)
	defer exp.Close()

	_, err = exp.NewAgent("ghost")
	assert.Error(t, err)

	a, err := exp.NewAgent("jane")
	require.NoError(t, err)
	assert.Equal(t, "jane", a.Name())
}

var _ core.Generator = chatty{}
