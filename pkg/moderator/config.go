package moderator

import (
	"errors"
	"fmt"
	"time"

	"github.com/boristopalov/parley/pkg/core"
)

var (
	// ErrInvalidConfig is returned by New for a configuration it cannot run
	ErrInvalidConfig = errors.New("invalid moderator config")
	// ErrUnsupportedOrder is returned by New for a turn order other than round-robin
	ErrUnsupportedOrder = errors.New("action order is not implemented")
	// ErrUnknownChannel is a delivery on a channel the moderator did not subscribe to
	ErrUnknownChannel = errors.New("invalid channel")
	// ErrMalformedHandshake is a boot reply whose argument is not a handshake payload
	ErrMalformedHandshake = errors.New("malformed handshake reply")
	// ErrUnknownParticipant is an action from an agent that is not configured
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrUnknownMessage is an inbound message kind the scheduler has no case for
	ErrUnknownMessage = errors.New("unknown inbound message")
	// ErrRewardShape is an evaluator result with the wrong number of rewards
	ErrRewardShape = errors.New("evaluator returned wrong number of rewards")
	// ErrMissingCollaborator is a feature enabled without the component it needs
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// ActionOrder decides who may act on each turn
type ActionOrder string

const (
	OrderRoundRobin   ActionOrder = "round-robin"
	OrderSimultaneous ActionOrder = "simultaneous"
	OrderRandom       ActionOrder = "random"
)

// AuthorizationPolicy decides what happens to actions nobody asked for
type AuthorizationPolicy string

const (
	// PolicyAdvisory records every action, offered or not
	PolicyAdvisory AuthorizationPolicy = "advisory"
	// PolicyStrict drops actions whose type was not offered to the sender
	PolicyStrict AuthorizationPolicy = "strict"
)

const (
	DefaultBootInterval  = 100 * time.Millisecond
	DefaultShutdownGrace = 500 * time.Millisecond
	DefaultMaxTurns      = 20
)

// Participant binds an agent name to the channel its observations go to
type Participant struct {
	Name    string `yaml:"name"`
	Channel string `yaml:"channel"`
}

// Config is everything the moderator needs to run one session
type Config struct {
	NodeName string
	Scenario string
	// InputChannels are the channels agents publish actions on
	InputChannels []string
	// Participants in turn order
	Participants     []Participant
	Tag              string
	ActionOrder      ActionOrder
	AvailableActions []core.ActionType
	MaxTurns         int
	PushToDB         bool
	WillEval         bool
	UsePKValue       bool
	Evaluator        string
	Authorization    AuthorizationPolicy
	BootInterval     time.Duration
	ShutdownGrace    time.Duration
}

// withDefaults fills in zero values and validates the result
func (c Config) withDefaults() (Config, error) {
	if c.NodeName == "" {
		c.NodeName = core.ModeratorName
	}
	if c.ActionOrder == "" {
		c.ActionOrder = OrderRoundRobin
	}
	if c.Authorization == "" {
		c.Authorization = PolicyAdvisory
	}
	if len(c.AvailableActions) == 0 {
		c.AvailableActions = append([]core.ActionType(nil), core.DefaultActions...)
	}
	if c.BootInterval <= 0 {
		c.BootInterval = DefaultBootInterval
	}
	// A negative grace disables the pause before the shutdown broadcast
	switch {
	case c.ShutdownGrace == 0:
		c.ShutdownGrace = DefaultShutdownGrace
	case c.ShutdownGrace < 0:
		c.ShutdownGrace = 0
	}

	switch c.ActionOrder {
	case OrderRoundRobin:
	case OrderSimultaneous, OrderRandom:
		return c, fmt.Errorf("%w: %s", ErrUnsupportedOrder, c.ActionOrder)
	default:
		return c, fmt.Errorf("%w: unknown action order %q", ErrInvalidConfig, c.ActionOrder)
	}

	switch c.Authorization {
	case PolicyAdvisory, PolicyStrict:
	default:
		return c, fmt.Errorf("%w: unknown authorization policy %q", ErrInvalidConfig, c.Authorization)
	}

	if len(c.Participants) == 0 {
		return c, fmt.Errorf("%w: no participants", ErrInvalidConfig)
	}
	if len(c.InputChannels) == 0 {
		return c, fmt.Errorf("%w: no input channels", ErrInvalidConfig)
	}
	if c.MaxTurns < 1 {
		return c, fmt.Errorf("%w: max turns must be at least 1, got %d", ErrInvalidConfig, c.MaxTurns)
	}

	names := make(map[string]bool, len(c.Participants))
	channels := make(map[string]bool, len(c.Participants))
	for _, p := range c.Participants {
		if p.Name == "" || p.Channel == "" {
			return c, fmt.Errorf("%w: participant needs a name and a channel: %+v", ErrInvalidConfig, p)
		}
		if p.Name == core.ModeratorName {
			return c, fmt.Errorf("%w: %q is reserved", ErrInvalidConfig, p.Name)
		}
		if names[p.Name] {
			return c, fmt.Errorf("%w: duplicate participant %q", ErrInvalidConfig, p.Name)
		}
		if channels[p.Channel] {
			return c, fmt.Errorf("%w: duplicate output channel %q", ErrInvalidConfig, p.Channel)
		}
		names[p.Name] = true
		channels[p.Channel] = true
	}
	for _, ch := range c.InputChannels {
		if channels[ch] {
			return c, fmt.Errorf("%w: channel %q is both input and output", ErrInvalidConfig, ch)
		}
	}
	for _, a := range c.AvailableActions {
		if !a.Valid() {
			return c, fmt.Errorf("%w: unknown action type %q", ErrInvalidConfig, a)
		}
	}
	return c, nil
}
