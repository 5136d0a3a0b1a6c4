// Package experiment wires a whole session together from a config: bus,
// store, evaluator, moderator and LLM agents.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/parley/internal/client"
	"github.com/boristopalov/parley/internal/metrics"
	"github.com/boristopalov/parley/pkg/agent"
	"github.com/boristopalov/parley/pkg/config"
	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/environment"
	"github.com/boristopalov/parley/pkg/evaluator"
	"github.com/boristopalov/parley/pkg/messaging"
	"github.com/boristopalov/parley/pkg/moderator"
	"github.com/boristopalov/parley/pkg/providers"
	"github.com/boristopalov/parley/pkg/storage"
)

// Status is a snapshot of a run
type Status struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	EpisodeID string
	Errors    []string
}

type BaseExperiment struct {
	cfg       *config.ExperimentConfig
	env       *environment.Environment
	bus       messaging.Bus
	store     storage.Store
	generator core.Generator
	metrics   *metrics.Collector
	logger    *zap.Logger

	redis   *redis.Client
	closers []func() error

	mu     sync.RWMutex
	status Status
}

type Option func(*BaseExperiment)

func WithBus(b messaging.Bus) Option {
	return func(e *BaseExperiment) {
		e.bus = b
	}
}

func WithStore(s storage.Store) Option {
	return func(e *BaseExperiment) {
		e.store = s
	}
}

func WithGenerator(g core.Generator) Option {
	return func(e *BaseExperiment) {
		e.generator = g
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(e *BaseExperiment) {
		e.metrics = c
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *BaseExperiment) {
		e.logger = l
	}
}

// NewExperiment builds every collaborator cfg asks for that was not passed
// in as an option. Close releases what it built.
func NewExperiment(ctx context.Context, cfg *config.ExperimentConfig, opts ...Option) (*BaseExperiment, error) {
	if cfg == nil {
		return nil, errors.New("experiment: nil config")
	}
	e := &BaseExperiment{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("experiment", cfg.Name))

	env, err := environment.New(cfg.Environment.Profile, cfg.Environment.Scenario)
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Agents {
		if err := env.AddAgent(a.Name, a.Goal); err != nil {
			return nil, err
		}
	}
	e.env = env

	if err := e.setup(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *BaseExperiment) setup(ctx context.Context) error {
	needRedis := (e.bus == nil && e.cfg.Bus.Type == config.BusRedis) ||
		(e.store == nil && e.cfg.Store.Type == storage.TypeRedis)
	if needRedis {
		rc, err := client.NewRedisClient(ctx, client.RedisParams{
			Addr:     e.cfg.Bus.Redis.Addr,
			Password: e.cfg.Bus.Redis.Password,
			DB:       e.cfg.Bus.Redis.DB,
			PoolSize: e.cfg.Bus.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		e.redis = rc
		e.closers = append(e.closers, rc.Close)
	}

	if e.bus == nil {
		switch e.cfg.Bus.Type {
		case config.BusRedis:
			e.bus = messaging.NewRedisBus(e.redis, e.logger)
		default:
			broker := messaging.NewBroker()
			e.bus = broker
			e.closers = append(e.closers, func() error {
				broker.Reset()
				return nil
			})
		}
	}

	if e.store == nil {
		store, err := storage.New(storage.Config{
			Type:      e.cfg.Store.Type,
			Redis:     e.redis,
			KeyPrefix: e.cfg.Store.KeyPrefix,
			DSN:       e.cfg.Store.DSN,
		}, e.logger)
		if err != nil {
			return err
		}
		e.store = store
		e.closers = append(e.closers, store.Close)
	}

	if e.generator == nil {
		g, err := providers.New(ctx, providers.Config{
			OpenAI: providers.ProviderParams{BaseURL: e.cfg.Providers.OpenAIBaseURL, APIKey: e.cfg.Providers.OpenAIAPIKey},
			Gemini: providers.ProviderParams{APIKey: e.cfg.Providers.GeminiAPIKey},
		}, e.logger)
		if err != nil {
			return err
		}
		e.generator = g
	}
	return nil
}

// Close releases connections the experiment opened itself
func (e *BaseExperiment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *BaseExperiment) Store() storage.Store {
	return e.store
}

func (e *BaseExperiment) Bus() messaging.Bus {
	return e.bus
}

func (e *BaseExperiment) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.Errors = append([]string(nil), e.status.Errors...)
	return s
}

// NewModerator builds the moderator for this session
func (e *BaseExperiment) NewModerator() (*moderator.Moderator, error) {
	s := e.cfg.Session
	mc := moderator.Config{
		NodeName:      s.NodeName,
		Scenario:      e.env.Scenario(),
		Tag:           s.Tag,
		ActionOrder:   moderator.ActionOrder(s.ActionOrder),
		MaxTurns:      s.MaxTurns,
		PushToDB:      s.PushToDB,
		WillEval:      s.WillEval,
		UsePKValue:    s.UsePKValue,
		Evaluator:     e.cfg.Evaluator.Type,
		Authorization: moderator.AuthorizationPolicy(s.Authorization),
		BootInterval:  s.BootInterval,
		ShutdownGrace: s.ShutdownGrace,
	}
	names := make([]string, 0, len(e.cfg.Agents))
	for _, a := range e.cfg.Agents {
		names = append(names, a.Name)
		mc.InputChannels = append(mc.InputChannels, a.OutputChannel)
		mc.Participants = append(mc.Participants, moderator.Participant{Name: a.Name, Channel: a.InputChannel})
	}
	for _, a := range s.AvailableActions {
		mc.AvailableActions = append(mc.AvailableActions, core.ActionType(a))
	}

	opts := []moderator.Option{
		moderator.WithStore(e.store),
		moderator.WithMetrics(e.metrics),
		moderator.WithLogger(e.logger),
	}
	if s.WillEval {
		ev, err := evaluator.New(e.cfg.Evaluator.Type, evaluator.Params{
			Generator:   e.generator,
			Model:       e.cfg.Evaluator.Model,
			Temperature: e.cfg.Evaluator.Temperature,
			Agents:      names,
			Goals:       e.env.Goals(),
			Logger:      e.logger,
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, moderator.WithEvaluator(ev))
	}
	return moderator.New(mc, e.bus, opts...)
}

// NewAgent builds the named LLM participant
func (e *BaseExperiment) NewAgent(name string) (*agent.LLMAgent, error) {
	ac, ok := e.cfg.Agent(name)
	if !ok {
		return nil, fmt.Errorf("no agent %q in config", name)
	}
	return agent.NewLLMAgent(ac.Name,
		agent.WithModel(ac.Model),
		agent.WithGoal(e.env.Goal(ac.Name)),
		agent.WithTemperature(ac.Temperature),
		agent.WithChannels(ac.InputChannel, ac.OutputChannel),
		agent.WithMemoryCapacity(ac.MemoryCapacity),
		agent.WithBus(e.bus),
		agent.WithGenerator(e.generator),
		agent.WithLogger(e.logger),
	)
}

// Run plays one full session with every configured agent in process. The
// session is bounded by the config timeout; agents are stopped once the
// moderator announces shutdown.
func (e *BaseExperiment) Run(ctx context.Context) (*core.EpisodeLog, error) {
	e.mu.Lock()
	e.status = Status{Running: true, StartTime: time.Now()}
	e.mu.Unlock()

	episode, err := e.run(ctx)

	e.mu.Lock()
	e.status.Running = false
	e.status.EndTime = time.Now()
	if err != nil {
		e.status.Errors = append(e.status.Errors, err.Error())
	}
	if episode != nil {
		e.status.EpisodeID = episode.ID
	}
	e.mu.Unlock()
	return episode, err
}

func (e *BaseExperiment) run(ctx context.Context) (*core.EpisodeLog, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	mod, err := e.NewModerator()
	if err != nil {
		return nil, err
	}
	agents := make([]agent.Agent, 0, len(e.cfg.Agents))
	for _, ac := range e.cfg.Agents {
		a, err := e.NewAgent(ac.Name)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	g, gctx := errgroup.WithContext(ctx)
	agentCtx, stopAgents := context.WithCancel(gctx)
	defer stopAgents()

	shutdown, err := e.bus.Subscribe(agentCtx, messaging.ShutdownChannel)
	if err != nil {
		return nil, err
	}
	defer shutdown.Close()
	g.Go(func() error {
		return e.watchShutdown(agentCtx, shutdown, stopAgents)
	})

	for _, a := range agents {
		a := a
		g.Go(func() error {
			return a.Run(agentCtx)
		})
	}

	var episode *core.EpisodeLog
	g.Go(func() error {
		ep, err := mod.Run(gctx)
		if err != nil {
			return err
		}
		episode = ep
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.logger.Info("experiment finished",
		zap.String("episode", episode.ID),
		zap.Int("turns", len(episode.Messages)),
		zap.Float64s("rewards", episode.Rewards),
	)
	return episode, nil
}

// watchShutdown stops the agents once the moderator says the session is over
func (e *BaseExperiment) watchShutdown(ctx context.Context, sub messaging.Subscription, stop context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if string(env.Payload) == messaging.ShutdownPayload {
				e.logger.Debug("shutdown received, stopping agents")
				stop()
				return nil
			}
		}
	}
}
