package storage

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/boristopalov/parley/pkg/core"
)

// MemoryStore keeps episodes in process. Stored values are deep copies.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	data  map[string][]byte
	tags  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		tags: make(map[string]string),
	}
}

func (s *MemoryStore) Save(_ context.Context, ep *core.EpisodeLog) error {
	if err := validate(ep); err != nil {
		return err
	}
	b, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[ep.ID]; !ok {
		s.order = append(s.order, ep.ID)
	}
	s.data[ep.ID] = b
	s.tags[ep.ID] = ep.Tag
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*core.EpisodeLog, error) {
	s.mu.RLock()
	b, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b)
}

func (s *MemoryStore) List(_ context.Context, tag string) ([]*core.EpisodeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.EpisodeLog
	for _, id := range s.order {
		if tag != "" && s.tags[id] != tag {
			continue
		}
		ep, err := decode(s.data[id])
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

func decode(b []byte) (*core.EpisodeLog, error) {
	var ep core.EpisodeLog
	if err := json.Unmarshal(b, &ep); err != nil {
		return nil, err
	}
	return &ep, nil
}
