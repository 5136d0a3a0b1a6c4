// Package memory holds an agent's bounded conversation history.
package memory

import (
	"strings"
	"sync"
)

// DefaultCapacity is the number of entries kept when none is given
const DefaultCapacity = 100

type Memory struct {
	memoryStream []string
	capacity     int
	mu           sync.RWMutex
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		memoryStream: make([]string, 0, capacity),
		capacity:     capacity,
	}
}

// GetAllMessages returns a copy of all messages in memory
func (m *Memory) GetAllMessages() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]string, len(m.memoryStream))
	copy(messages, m.memoryStream)
	return messages
}

// Store appends an entry, evicting the oldest once capacity is exceeded.
// Empty entries are skipped.
func (m *Memory) Store(data string) {
	if strings.TrimSpace(data) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.memoryStream = append(m.memoryStream, data)
	if len(m.memoryStream) > m.capacity {
		m.memoryStream = m.memoryStream[len(m.memoryStream)-m.capacity:]
	}
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.memoryStream)
}

// History renders the stored entries one per line, oldest first
func (m *Memory) History() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return strings.Join(m.memoryStream, "\n")
}
