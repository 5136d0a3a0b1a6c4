// Package moderator runs a turn-taking conversation between agents that
// talk to each other only through a publish/subscribe bus.
//
// A session has three phases. While booting the moderator pings every agent
// until all of them have answered. While running a single goroutine drains
// the inbound queue and feeds each action to the scheduler, which records
// the transcript and tells every agent who may act next. Once every agent
// has left, the moderator evaluates and persists the episode and announces
// shutdown on messaging.ShutdownChannel.
package moderator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/parley/internal/metrics"
	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/messaging"
)

// State is the moderator's lifecycle phase
type State int32

const (
	StateBooting State = iota
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Moderator coordinates one conversation session
type Moderator struct {
	cfg       Config
	bus       messaging.Bus
	evaluator core.Evaluator
	store     core.EpisodeStore
	metrics   *metrics.Collector
	logger    *zap.Logger

	inputs   map[string]struct{}
	queue    *inboundQueue
	allAwake chan struct{}
	state    atomic.Int32
	started  atomic.Bool

	// Session state. Owned by the handshake goroutine until allAwake is
	// closed, and by the consumer goroutine after that.
	agents            []string
	channels          []string
	awake             map[string]bool
	agentPK           map[string]string
	agentModel        map[string]string
	offered           map[string][]core.ActionType
	turnNumber        int
	currentAgentIndex int
	windingDown       bool
	scoredTurns       int
	transcript        *Transcript
}

// Option configures optional collaborators
type Option func(*Moderator)

// WithEvaluator sets the evaluator used when Config.WillEval is true
func WithEvaluator(e core.Evaluator) Option {
	return func(m *Moderator) {
		m.evaluator = e
	}
}

// WithStore sets the store used when Config.PushToDB is true
func WithStore(s core.EpisodeStore) Option {
	return func(m *Moderator) {
		m.store = s
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Moderator) {
		m.metrics = c
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Moderator) {
		m.logger = l
	}
}

// New validates cfg and builds a moderator. Unsupported turn orders and
// missing collaborators are rejected here, before any traffic flows.
func New(cfg Config, bus messaging.Bus, opts ...Option) (*Moderator, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, fmt.Errorf("%w: bus", ErrMissingCollaborator)
	}

	m := &Moderator{
		cfg:        cfg,
		bus:        bus,
		inputs:     make(map[string]struct{}, len(cfg.InputChannels)),
		queue:      newInboundQueue(),
		allAwake:   make(chan struct{}),
		awake:      make(map[string]bool, len(cfg.Participants)),
		agentPK:    make(map[string]string, len(cfg.Participants)),
		agentModel: make(map[string]string, len(cfg.Participants)),
		offered:    make(map[string][]core.ActionType, len(cfg.Participants)),
		transcript: NewTranscript(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	m.logger = m.logger.With(zap.String("component", "moderator"), zap.String("node", cfg.NodeName))

	if cfg.WillEval && m.evaluator == nil {
		return nil, fmt.Errorf("%w: evaluation enabled without an evaluator", ErrMissingCollaborator)
	}
	if cfg.PushToDB && m.store == nil {
		return nil, fmt.Errorf("%w: persistence enabled without a store", ErrMissingCollaborator)
	}

	for _, ch := range cfg.InputChannels {
		m.inputs[ch] = struct{}{}
	}
	for _, p := range cfg.Participants {
		m.agents = append(m.agents, p.Name)
		m.channels = append(m.channels, p.Channel)
		m.awake[p.Name] = false
	}
	return m, nil
}

// State returns the current lifecycle phase. Safe to call from any goroutine.
func (m *Moderator) State() State {
	return State(m.state.Load())
}

// Run executes the session: boot handshake, turn taking, wrap-up. It
// returns the finished episode, or the first error any stage produced.
// Cancelling ctx stops every goroutine; no state changes after that.
func (m *Moderator) Run(ctx context.Context) (*core.EpisodeLog, error) {
	if !m.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("moderator %s: Run called twice", m.cfg.NodeName)
	}
	m.logger.Info("session starting",
		zap.Strings("agents", m.agents),
		zap.Int("max_turns", m.cfg.MaxTurns),
		zap.String("scenario", m.cfg.Scenario),
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	sub, err := m.bus.Subscribe(runCtx, m.cfg.InputChannels...)
	if err != nil {
		return nil, fmt.Errorf("moderator %s: %w", m.cfg.NodeName, err)
	}
	defer sub.Close()

	var episode *core.EpisodeLog
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return m.receive(gctx, sub)
	})
	g.Go(func() error {
		return m.boot(gctx)
	})
	g.Go(func() error {
		ep, err := m.consume(gctx)
		if err != nil {
			return err
		}
		episode = ep
		// The session is over; release the receiver and the handshake loop.
		stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		m.state.Store(int32(StateTerminated))
		m.metrics.RecordSession("failed")
		m.logger.Error("session failed", zap.Error(err))
		return nil, err
	}
	if episode == nil {
		m.state.Store(int32(StateTerminated))
		m.metrics.RecordSession("cancelled")
		return nil, ctx.Err()
	}
	return episode, nil
}

// receive moves bus deliveries into the inbound queue. It never touches
// session state.
func (m *Moderator) receive(ctx context.Context, sub messaging.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if err := m.handle(env); err != nil {
				return err
			}
		}
	}
}

// handle decodes one delivery and enqueues it
func (m *Moderator) handle(env messaging.Envelope) error {
	if _, ok := m.inputs[env.Channel]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, env.Channel)
	}
	action, err := messaging.Decode[core.AgentAction](env.Payload)
	if err != nil {
		return fmt.Errorf("message on %s: %w", env.Channel, err)
	}
	m.queue.Put(actionEvent{channel: env.Channel, action: action})
	return nil
}

// consume is the single writer: it feeds queued actions to the scheduler
// one at a time until the session terminates.
func (m *Moderator) consume(ctx context.Context) (*core.EpisodeLog, error) {
	select {
	case <-m.allAwake:
	case <-ctx.Done():
		return nil, nil
	}
	for {
		item, err := m.queue.Get(ctx)
		if err != nil {
			return nil, nil
		}
		out, done, err := m.step(item)
		if err != nil {
			return nil, err
		}
		if done {
			return m.wrapUp(ctx)
		}
		if err := m.send(ctx, out); err != nil {
			return nil, err
		}
	}
}

// delivery is one observation bound for one channel
type delivery struct {
	channel     string
	observation core.Observation
}

// send publishes observations in participant order
func (m *Moderator) send(ctx context.Context, out []delivery) error {
	for _, d := range out {
		payload, err := messaging.Encode(d.observation)
		if err != nil {
			return err
		}
		if err := m.bus.Publish(ctx, d.channel, payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("send observation to %s: %w", d.channel, err)
		}
	}
	return nil
}
