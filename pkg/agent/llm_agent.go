// Package agent implements conversation participants that talk to the
// moderator over the bus.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boristopalov/parley/pkg/core"
	"github.com/boristopalov/parley/pkg/memory"
	"github.com/boristopalov/parley/pkg/messaging"
)

// ActionPrompt is the template sent to the model when the agent may act.
// Placeholders are filled by providers.Render.
const ActionPrompt = `Imagine you are {agent}, your task is to act/speak as {agent} would, keeping in mind {agent}'s social goal.
You can find {agent}'s goal (or background) in the 'Here is the context of the interaction' field.
Note that {agent}'s goal is only visible to you.
You should try your best to achieve {agent}'s goal in a way that align with their character traits.

Here is the context of the interaction:
Your goal: {goal}
{history}

You are at Turn #{turn}. Your available action types are
{actions}.
Note: You can "leave" this conversation if 1. you have achieved your social goals, 2. this conversation makes you uncomfortable, 3. you find it uninteresting/you lose your patience, 4. or for other reasons you want to leave.

Please only generate a JSON string including the action type and the argument.
Your action should follow the given format:
{"action_type": "<one of the available action types>", "argument": "<what you say or do>"}`

// Agent is a participant in a moderated session
type Agent interface {
	Name() string
	Run(ctx context.Context) error
}

// LLMAgent answers observations by asking a language model what to do
type LLMAgent struct {
	id          string
	name        string
	model       string
	goal        string
	temperature float64
	input       string
	output      string
	generator   core.Generator
	bus         messaging.Bus
	memory      *memory.Memory
	logger      *zap.Logger
}

type AgentParams struct {
	AgentID        string
	Model          string
	Goal           string
	Temperature    float64
	InputChannel   string
	OutputChannel  string
	Generator      core.Generator
	Bus            messaging.Bus
	MemoryCapacity int
	Logger         *zap.Logger
}

type AgentOption func(*AgentParams)

func WithAgentID(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithModel(model string) AgentOption {
	return func(p *AgentParams) {
		p.Model = model
	}
}

func WithGoal(goal string) AgentOption {
	return func(p *AgentParams) {
		p.Goal = goal
	}
}

func WithTemperature(t float64) AgentOption {
	return func(p *AgentParams) {
		p.Temperature = t
	}
}

// WithChannels sets where observations arrive and where actions are sent
func WithChannels(input, output string) AgentOption {
	return func(p *AgentParams) {
		p.InputChannel = input
		p.OutputChannel = output
	}
}

func WithGenerator(g core.Generator) AgentOption {
	return func(p *AgentParams) {
		p.Generator = g
	}
}

func WithBus(b messaging.Bus) AgentOption {
	return func(p *AgentParams) {
		p.Bus = b
	}
}

func WithMemoryCapacity(n int) AgentOption {
	return func(p *AgentParams) {
		p.MemoryCapacity = n
	}
}

func WithLogger(l *zap.Logger) AgentOption {
	return func(p *AgentParams) {
		p.Logger = l
	}
}

func defaultAgentParams(name string) *AgentParams {
	return &AgentParams{
		AgentID:        "agent-" + uuid.New().String(),
		Model:          "gpt-4o-mini",
		Temperature:    0.7,
		InputChannel:   "moderator:" + name,
		OutputChannel:  name + ":moderator",
		MemoryCapacity: memory.DefaultCapacity,
	}
}

// NewLLMAgent creates an agent called name. A bus and a generator are
// required.
func NewLLMAgent(name string, opts ...AgentOption) (*LLMAgent, error) {
	if name == "" {
		return nil, errors.New("agent name is required")
	}
	params := defaultAgentParams(name)
	for _, opt := range opts {
		opt(params)
	}
	if params.Bus == nil {
		return nil, fmt.Errorf("agent %s: no bus", name)
	}
	if params.Generator == nil {
		return nil, fmt.Errorf("agent %s: no generator", name)
	}
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}

	return &LLMAgent{
		id:          params.AgentID,
		name:        name,
		model:       params.Model,
		goal:        params.Goal,
		temperature: params.Temperature,
		input:       params.InputChannel,
		output:      params.OutputChannel,
		generator:   params.Generator,
		bus:         params.Bus,
		memory:      memory.NewMemory(params.MemoryCapacity),
		logger:      params.Logger.With(zap.String("component", "agent"), zap.String("agent", name)),
	}, nil
}

func (a *LLMAgent) GetID() string {
	return a.id
}

func (a *LLMAgent) Name() string {
	return a.name
}

func (a *LLMAgent) GetModel() string {
	return a.model
}

func (a *LLMAgent) GetMemory() *memory.Memory {
	return a.memory
}

// Run answers observations until the moderator announces shutdown or ctx
// is done.
func (a *LLMAgent) Run(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, a.input, messaging.ShutdownChannel)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.name, err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			if env.Channel == messaging.ShutdownChannel {
				if string(env.Payload) == messaging.ShutdownPayload {
					a.logger.Info("moderator shut down")
					return nil
				}
				continue
			}
			obs, err := messaging.Decode[core.Observation](env.Payload)
			if err != nil {
				a.logger.Warn("dropping undecodable observation", zap.Error(err))
				continue
			}
			action, err := a.Act(ctx, obs)
			if err != nil {
				return err
			}
			if err := a.send(ctx, action); err != nil {
				return err
			}
		}
	}
}

func (a *LLMAgent) send(ctx context.Context, action core.AgentAction) error {
	payload, err := messaging.Encode(action)
	if err != nil {
		return err
	}
	if err := a.bus.Publish(ctx, a.output, payload); err != nil && ctx.Err() == nil {
		return fmt.Errorf("agent %s: publish: %w", a.name, err)
	}
	return nil
}

// Act decides the reply to a single observation
func (a *LLMAgent) Act(ctx context.Context, obs core.Observation) (core.AgentAction, error) {
	if obs.IsHandshake() {
		return a.handshake(obs)
	}

	a.memory.Store(obs.ToText())
	action := core.AgentAction{AgentName: a.name, ActionType: core.ActionNone}

	switch {
	case obs.Idle():
		return action, nil
	case len(obs.AvailableActions) == 1:
		// Only one thing to do, no need to ask
		action.ActionType = obs.AvailableActions[0]
		return action, nil
	}

	offered := make([]string, 0, len(obs.AvailableActions))
	for _, t := range obs.AvailableActions {
		offered = append(offered, string(t))
	}
	reply, err := a.generator.Generate(ctx, a.model, ActionPrompt, map[string]string{
		"agent":   a.name,
		"goal":    a.goal,
		"history": a.memory.History(),
		"turn":    fmt.Sprint(obs.TurnNumber),
		"actions": strings.Join(offered, ", "),
	}, a.temperature)
	if err != nil {
		if ctx.Err() != nil {
			return action, nil
		}
		return action, fmt.Errorf("agent %s: %w", a.name, err)
	}

	action.ActionType, action.Argument = parseAction(reply, obs.AvailableActions)
	a.logger.Debug("acting",
		zap.Int("turn", obs.TurnNumber),
		zap.String("action_type", string(action.ActionType)),
	)
	return action, nil
}

func (a *LLMAgent) handshake(obs core.Observation) (core.AgentAction, error) {
	var req core.HandshakeRequest
	if err := json.Unmarshal([]byte(obs.LastTurn), &req); err != nil {
		a.logger.Warn("unreadable handshake request", zap.Error(err))
	}
	reply := core.HandshakeReply{ModelName: a.model}
	if req.UsePKValue {
		reply.PK = a.id
	}
	b, err := json.Marshal(reply)
	if err != nil {
		return core.AgentAction{}, err
	}
	return core.AgentAction{
		AgentName:  a.name,
		ActionType: core.ActionNone,
		Argument:   string(b),
	}, nil
}

type generatedAction struct {
	ActionType string `json:"action_type"`
	Argument   string `json:"argument"`
}

// parseAction reads the model's JSON reply. Text that is not JSON is
// spoken as is; an action type that was not offered falls back to the first
// offered action other than none.
func parseAction(reply string, offered []core.ActionType) (core.ActionType, string) {
	fallback := core.ActionNone
	for _, t := range offered {
		if t != core.ActionNone {
			fallback = t
			break
		}
	}
	canSpeak := false
	for _, t := range offered {
		if t == core.ActionSpeak {
			canSpeak = true
		}
	}

	var ga generatedAction
	start, end := strings.Index(reply, "{"), strings.LastIndex(reply, "}")
	if start < 0 || end <= start || json.Unmarshal([]byte(reply[start:end+1]), &ga) != nil {
		text := strings.TrimSpace(reply)
		if canSpeak {
			return core.ActionSpeak, text
		}
		return fallback, text
	}

	t := core.ActionType(ga.ActionType)
	for _, o := range offered {
		if o == t {
			return t, ga.Argument
		}
	}
	return fallback, ga.Argument
}
