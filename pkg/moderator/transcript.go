package moderator

import (
	"fmt"

	"github.com/boristopalov/parley/pkg/core"
)

// Transcript is the append-only record of a session, grouped by turn
type Transcript struct {
	turns   []int
	entries [][]core.TranscriptEntry
}

// NewTranscript returns an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{}
}

// Record appends an entry under turn. Turns may repeat but never go back.
func (t *Transcript) Record(turn int, entry core.TranscriptEntry) error {
	if turn < 0 {
		return fmt.Errorf("transcript: negative turn %d", turn)
	}
	n := len(t.turns)
	switch {
	case n > 0 && turn < t.turns[n-1]:
		return fmt.Errorf("transcript: turn %d recorded after turn %d", turn, t.turns[n-1])
	case n > 0 && turn == t.turns[n-1]:
		t.entries[n-1] = append(t.entries[n-1], entry)
	default:
		t.turns = append(t.turns, turn)
		t.entries = append(t.entries, []core.TranscriptEntry{entry})
	}
	return nil
}

// Len returns the number of turn groups
func (t *Transcript) Len() int {
	return len(t.turns)
}

// turnAt returns the turn number of the i-th group
func (t *Transcript) turnAt(i int) int {
	return t.turns[i]
}

// Messages returns a copy of every group in order
func (t *Transcript) Messages() [][]core.TranscriptEntry {
	out := make([][]core.TranscriptEntry, len(t.entries))
	for i, group := range t.entries {
		out[i] = append([]core.TranscriptEntry(nil), group...)
	}
	return out
}
