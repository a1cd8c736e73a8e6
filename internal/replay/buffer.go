package replay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"marlsignal/internal/model"
)

var ErrNotEnoughTransitions = errors.New("not enough transitions")

// Buffer is a fixed-capacity ring of transitions. When full, each Add evicts
// the oldest entry. Add and Sample are safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	items []model.Transition
	next  int
	size  int
	rng   *rand.Rand
}

func NewBuffer(capacity int, rng *rand.Rand) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("replay capacity must be positive, got %d", capacity)
	}
	if rng == nil {
		return nil, fmt.Errorf("replay random source is required")
	}
	return &Buffer{items: make([]model.Transition, capacity), rng: rng}, nil
}

func (b *Buffer) Add(tr model.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.next] = tr
	b.next = (b.next + 1) % len(b.items)
	if b.size < len(b.items) {
		b.size++
	}
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Cap() int {
	return len(b.items)
}

// Sample draws n transitions uniformly with replacement.
func (b *Buffer) Sample(n int) ([]model.Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if b.size < n {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughTransitions, b.size, n)
	}
	out := make([]model.Transition, n)
	for i := range out {
		out[i] = b.items[b.index(b.rng.Intn(b.size))]
	}
	return out, nil
}

// Snapshot returns the stored transitions from oldest to newest.
func (b *Buffer) Snapshot() []model.Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Transition, b.size)
	for i := range out {
		out[i] = b.items[b.index(i)]
	}
	return out
}

// index maps a position counted from the oldest entry to a slot.
func (b *Buffer) index(pos int) int {
	start := 0
	if b.size == len(b.items) {
		start = b.next
	}
	return (start + pos) % len(b.items)
}
