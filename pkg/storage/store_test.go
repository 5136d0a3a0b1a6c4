package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
)

func sampleEpisode(id, tag string, created time.Time) *core.EpisodeLog {
	return &core.EpisodeLog{
		ID:          id,
		Environment: "Two friends meet at a cafe.",
		Agents:      []string{"jack-pk", "jane-pk"},
		Tag:         tag,
		Models:      []string{"gpt-4o-mini", "gemini-2.0-flash"},
		Messages: [][]core.TranscriptEntry{
			{{Speaker: "jack", Addressee: core.Environment, Text: `said: "hi"`}},
			{
				{Speaker: "jack", Addressee: core.Environment, Text: "left the conversation"},
				{Speaker: "jane", Addressee: core.Environment, Text: "left the conversation"},
			},
		},
		Rewards:       []float64{3, 4.5},
		RewardsPrompt: "judged",
		ScoredTurns:   1,
		CreatedAt:     created,
	}
}

func backends(t *testing.T) map[string]Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	sqlStore, err := New(Config{Type: TypeSQL}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })

	redisStore, err := New(Config{Type: TypeRedis, Redis: client}, nil)
	require.NoError(t, err)
	memStore, err := New(Config{Type: TypeMemory}, nil)
	require.NoError(t, err)

	return map[string]Store{
		TypeMemory: memStore,
		TypeRedis:  redisStore,
		TypeSQL:    sqlStore,
	}
}

func TestStores(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

			a := sampleEpisode("a", "pilot", base)
			b := sampleEpisode("b", "other", base.Add(time.Minute))
			c := sampleEpisode("c", "pilot", base.Add(2*time.Minute))
			for _, ep := range []*core.EpisodeLog{a, b, c} {
				require.NoError(t, store.Save(ctx, ep))
			}

			got, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, a.Messages, got.Messages)
			assert.Equal(t, a.Agents, got.Agents)
			assert.Equal(t, a.Models, got.Models)
			assert.Equal(t, a.Rewards, got.Rewards)
			assert.Equal(t, a.ScoredTurns, got.ScoredTurns)
			assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

			_, err = store.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			pilot, err := store.List(ctx, "pilot")
			require.NoError(t, err)
			require.Len(t, pilot, 2)
			assert.Equal(t, "a", pilot[0].ID)
			assert.Equal(t, "c", pilot[1].ID)

			all, err := store.List(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			// saving again overwrites without duplicating the index
			a.RewardsPrompt = "rejudged"
			require.NoError(t, store.Save(ctx, a))
			pilot, err = store.List(ctx, "pilot")
			require.NoError(t, err)
			require.Len(t, pilot, 2)
			assert.Equal(t, "rejudged", pilot[0].RewardsPrompt)

			assert.ErrorIs(t, store.Save(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, store.Save(ctx, &core.EpisodeLog{}), ErrInvalidInput)
		})
	}
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "mongo"}, nil)
	assert.Error(t, err)
	_, err = New(Config{Type: TypeRedis}, nil)
	assert.Error(t, err)
}

func TestRedisStoreKeys(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "test:", nil)
	require.NoError(t, store.Save(context.Background(), sampleEpisode("x", "pilot", time.Now())))

	assert.True(t, mr.Exists("test:episode:x"))
	ids, err := mr.List("test:tag:pilot")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids)
}
