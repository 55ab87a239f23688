package detect

import (
	"sync"
	"time"

	"toolswitch-bot/backend/internal/tools"
)

// Activation records one auto-switch of an entity into a tool
type Activation struct {
	Tool tools.ToolName
	At   time.Time
}

// History keeps a bounded, per-entity log of recent activations. It feeds
// the cooldown and repetition-penalty checks and nothing else.
type History struct {
	entries sync.Map // entityID -> *activationRing
}

type activationRing struct {
	mu    sync.Mutex
	items []Activation // oldest first
}

// NewHistory creates an empty history
func NewHistory() *History {
	return &History{}
}

// Record appends an activation, evicting the oldest entries beyond limit
func (h *History) Record(entityID string, a Activation, limit int) {
	if limit < 1 {
		limit = 1
	}
	v, _ := h.entries.LoadOrStore(entityID, &activationRing{})
	ring := v.(*activationRing)

	ring.mu.Lock()
	defer ring.mu.Unlock()
	ring.items = append(ring.items, a)
	if over := len(ring.items) - limit; over > 0 {
		ring.items = append(ring.items[:0:0], ring.items[over:]...)
	}
}

// Recent returns a copy of the entity's activations, oldest first
func (h *History) Recent(entityID string) []Activation {
	v, ok := h.entries.Load(entityID)
	if !ok {
		return nil
	}
	ring := v.(*activationRing)

	ring.mu.Lock()
	defer ring.mu.Unlock()
	out := make([]Activation, len(ring.items))
	copy(out, ring.items)
	return out
}

// Forget drops an entity's history
func (h *History) Forget(entityID string) {
	h.entries.Delete(entityID)
}
