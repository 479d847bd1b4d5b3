package gameplay

import (
	"sort"
	"sync"
)

// Player is the gameplay state of one connected viewer on the host.
type Player struct {
	ID        string
	Inventory *Inventory
	Health    *Health
}

// Roster creates players on first use.
type Roster struct {
	authority bool
	onDeath   func(id string)

	mu      sync.Mutex
	players map[string]*Player
}

func NewRoster(authority bool, onDeath func(id string)) *Roster {
	return &Roster{authority: authority, onDeath: onDeath, players: make(map[string]*Player)}
}

func (r *Roster) Player(id string) *Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.players[id]; ok {
		return p
	}
	p := &Player{ID: id, Inventory: NewInventory()}
	p.Health = NewHealth(r.authority, func() {
		if r.onDeath != nil {
			r.onDeath(id)
		}
	})
	r.players[id] = p
	return p
}

// Lookup returns an existing player without creating one.
func (r *Roster) Lookup(id string) (*Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[id]
	return p, ok
}

func (r *Roster) Remove(id string) {
	r.mu.Lock()
	delete(r.players, id)
	r.mu.Unlock()
}

func (r *Roster) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.players))
	for id := range r.players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
