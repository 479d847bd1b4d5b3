package gameplay

import "sync"

const MaxHealth = 100.0

// Health tracks hit points. Only the authority applies damage; death is
// reported exactly once.
type Health struct {
	authority bool
	onDeath   func()

	mu    sync.Mutex
	value float64
	dead  bool
}

func NewHealth(authority bool, onDeath func()) *Health {
	return &Health{authority: authority, onDeath: onDeath, value: MaxHealth}
}

// ApplyDamage subtracts damage and reports whether this call killed.
func (h *Health) ApplyDamage(damage float64) bool {
	if !h.authority || damage <= 0 {
		return false
	}
	h.mu.Lock()
	h.value -= damage
	died := h.value <= 0 && !h.dead
	if died {
		h.dead = true
	}
	h.mu.Unlock()
	if died && h.onDeath != nil {
		h.onDeath()
	}
	return died
}

func (h *Health) Value() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

func (h *Health) Dead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dead
}
