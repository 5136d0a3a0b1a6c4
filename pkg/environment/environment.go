// Package environment describes the situation a conversation takes place
// in: the scenario read out at turn 0 and what each participant wants.
package environment

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownProfile is returned by Lookup for a profile that is not registered
var ErrUnknownProfile = errors.New("unknown scenario profile")

// Profile is a reusable scenario. Goals are handed out to participants in
// order; participants past the end get no default goal.
type Profile struct {
	Name     string
	Scenario string
	Goals    []string
}

var (
	mu       sync.RWMutex
	profiles = map[string]Profile{
		"cafe": {
			Name:     "cafe",
			Scenario: "Two old friends run into each other at a busy cafe after several years apart.",
			Goals: []string{
				"Find out what your friend has been doing and arrange to meet again.",
				"Catch up, but leave in time for a meeting that starts in ten minutes.",
			},
		},
		"negotiation": {
			Name:     "negotiation",
			Scenario: "A buyer and a seller meet to agree on the price of a second-hand bicycle listed for 200 dollars.",
			Goals: []string{
				"Buy the bicycle for no more than 150 dollars.",
				"Sell the bicycle for at least 180 dollars.",
			},
		},
		"chat_room": {
			Name:     "chat_room",
			Scenario: "Several people join an online chat room about artificial intelligence.",
			Goals: []string{
				"Have a friendly conversation about artificial intelligence with the others.",
			},
		},
	}
)

// Register adds or replaces a profile
func Register(p Profile) error {
	if p.Name == "" {
		return errors.New("profile needs a name")
	}
	mu.Lock()
	defer mu.Unlock()
	profiles[p.Name] = p
	return nil
}

// Lookup returns the named profile
func Lookup(name string) (Profile, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownProfile, name)
	}
	return p, nil
}

// Profiles lists registered profile names in sorted order
func Profiles() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Member is one participant and the goal it was given
type Member struct {
	Name string
	Goal string
}

// Environment is a scenario with its participants
type Environment struct {
	scenario string
	profile  Profile
	members  []Member
}

// New builds an environment from a profile name and/or scenario text. The
// scenario text wins when both are given.
func New(profileName, scenario string) (*Environment, error) {
	e := &Environment{scenario: scenario}
	if profileName != "" {
		p, err := Lookup(profileName)
		if err != nil {
			return nil, err
		}
		e.profile = p
		if e.scenario == "" {
			e.scenario = p.Scenario
		}
	}
	if e.scenario == "" {
		return nil, errors.New("environment needs a scenario or a profile")
	}
	return e, nil
}

// Scenario is the text read out at turn 0
func (e *Environment) Scenario() string {
	return e.scenario
}

// AddAgent registers a participant. An empty goal is filled from the
// profile by position.
func (e *Environment) AddAgent(name, goal string) error {
	for _, m := range e.members {
		if m.Name == name {
			return fmt.Errorf("agent %q already in environment", name)
		}
	}
	if goal == "" && len(e.members) < len(e.profile.Goals) {
		goal = e.profile.Goals[len(e.members)]
	}
	e.members = append(e.members, Member{Name: name, Goal: goal})
	return nil
}

func (e *Environment) RemoveAgent(name string) error {
	for i, m := range e.members {
		if m.Name == name {
			e.members = append(e.members[:i], e.members[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("agent not found")
}

func (e *Environment) GetAgents() []Member {
	return append([]Member(nil), e.members...)
}

// Goals maps each participant to its goal
func (e *Environment) Goals() map[string]string {
	out := make(map[string]string, len(e.members))
	for _, m := range e.members {
		out[m.Name] = m.Goal
	}
	return out
}

// Goal returns name's goal, or "" for an unknown participant
func (e *Environment) Goal(name string) string {
	for _, m := range e.members {
		if m.Name == name {
			return m.Goal
		}
	}
	return ""
}
