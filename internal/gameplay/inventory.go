package gameplay

import "sync"

// InventorySlots is the main hand plus two holsters.
const InventorySlots = 3

type Inventory struct {
	mu      sync.Mutex
	weapons []string
	active  int
}

func NewInventory() *Inventory {
	return &Inventory{active: -1}
}

// Add stores a weapon in the next free slot. The first weapon goes to the
// main hand and becomes active.
func (inv *Inventory) Add(weapon string) (int, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if len(inv.weapons) >= InventorySlots {
		return -1, false
	}
	inv.weapons = append(inv.weapons, weapon)
	if len(inv.weapons) == 1 {
		inv.active = 0
	}
	return len(inv.weapons) - 1, true
}

// Switch activates slot i. Out of range and already active slots are
// ignored.
func (inv *Inventory) Switch(i int) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if i < 0 || i >= len(inv.weapons) || i == inv.active {
		return false
	}
	inv.active = i
	return true
}

func (inv *Inventory) Active() (string, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.active < 0 || inv.active >= len(inv.weapons) {
		return "", false
	}
	return inv.weapons[inv.active], true
}

func (inv *Inventory) ActiveIndex() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.active
}

func (inv *Inventory) Weapons() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return append([]string(nil), inv.weapons...)
}
