package gameplay

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// PickupClearance is the height above the surface weapons are dropped at.
const PickupClearance = 0.5

var (
	ErrUnknownPickup = errors.New("gameplay: unknown pickup")
	ErrInventoryFull = errors.New("gameplay: inventory full")
)

// Surface is what the spawner needs from the world session.
type Surface interface {
	SurfacePosition(x, z, clearance float64) (mgl64.Vec3, error)
	RandomFloat() float64
}

// ReadyNotifier runs a callback once the world finished generating.
type ReadyNotifier interface {
	OnWorldGenerated(fn func())
}

type WeaponType struct {
	Name        string
	SpawnChance float64
}

type Pickup struct {
	ID        string     `json:"id"`
	Weapon    string     `json:"weapon"`
	Position  mgl64.Vec3 `json:"position"`
	SpawnedAt time.Time  `json:"spawnedAt"`
}

type SpawnerOptions struct {
	MaxWeapons  int
	SpawnRadius float64
	Weapons     []WeaponType
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

// WeaponSpawner keeps up to MaxWeapons pickups on the ground around the world
// origin. It is host-only and idle until Start is called.
type WeaponSpawner struct {
	surface Surface
	opts    SpawnerOptions
	logger  *log.Logger

	mu      sync.Mutex
	started bool
	pickups map[string]Pickup
}

func NewWeaponSpawner(surface Surface, opts SpawnerOptions) (*WeaponSpawner, error) {
	if surface == nil {
		return nil, errors.New("gameplay: surface is nil")
	}
	if opts.MaxWeapons < 0 || opts.SpawnRadius < 0 {
		return nil, fmt.Errorf("gameplay: max weapons %d and spawn radius %v must not be negative", opts.MaxWeapons, opts.SpawnRadius)
	}
	for _, w := range opts.Weapons {
		if w.SpawnChance < 0 {
			return nil, fmt.Errorf("gameplay: weapon %q has a negative spawn chance", w.Name)
		}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "gameplay ", log.LstdFlags|log.Lmicroseconds)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &WeaponSpawner{
		surface: surface,
		opts:    opts,
		logger:  opts.Logger,
		pickups: make(map[string]Pickup),
	}, nil
}

// Attach starts the spawner once n reports the world as generated.
func (s *WeaponSpawner) Attach(n ReadyNotifier) {
	n.OnWorldGenerated(s.Start)
}

func (s *WeaponSpawner) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

func (s *WeaponSpawner) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Tick spawns at most one weapon when fewer than MaxWeapons are alive.
func (s *WeaponSpawner) Tick() (Pickup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || len(s.pickups) >= s.opts.MaxWeapons {
		return Pickup{}, false, nil
	}

	weapon, ok := s.pickWeapon()
	if !ok {
		s.logger.Printf("no weapon selected for spawn")
		return Pickup{}, false, nil
	}
	x, z := s.insideCircle()
	pos, err := s.surface.SurfacePosition(x*s.opts.SpawnRadius, z*s.opts.SpawnRadius, PickupClearance)
	if err != nil {
		return Pickup{}, false, fmt.Errorf("gameplay: place %s: %w", weapon, err)
	}
	p := Pickup{
		ID:        s.opts.NewID(),
		Weapon:    weapon,
		Position:  pos,
		SpawnedAt: s.opts.Now(),
	}
	s.pickups[p.ID] = p
	return p, true, nil
}

// pickWeapon draws a weapon with probability proportional to its spawn
// chance.
func (s *WeaponSpawner) pickWeapon() (string, bool) {
	var total float64
	for _, w := range s.opts.Weapons {
		total += w.SpawnChance
	}
	if total <= 0 {
		return "", false
	}
	r := s.surface.RandomFloat() * total
	var current float64
	for _, w := range s.opts.Weapons {
		current += w.SpawnChance
		if r <= current {
			return w.Name, true
		}
	}
	return "", false
}

// insideCircle returns a uniform point inside the unit disk.
func (s *WeaponSpawner) insideCircle() (float64, float64) {
	for i := 0; i < 64; i++ {
		x := s.surface.RandomFloat()*2 - 1
		z := s.surface.RandomFloat()*2 - 1
		if x*x+z*z <= 1 {
			return x, z
		}
	}
	return 0, 0
}

// Claim moves a pickup into inv. The pickup stays on the ground when the
// inventory is full.
func (s *WeaponSpawner) Claim(id string, inv *Inventory) (Pickup, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pickups[id]
	if !ok {
		return Pickup{}, -1, ErrUnknownPickup
	}
	slot, ok := inv.Add(p.Weapon)
	if !ok {
		return p, -1, ErrInventoryFull
	}
	delete(s.pickups, id)
	return p, slot, nil
}

func (s *WeaponSpawner) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pickups)
}

func (s *WeaponSpawner) Pickups() []Pickup {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pickup, 0, len(s.pickups))
	for _, p := range s.pickups {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset drops every pickup and stops spawning until the next Start.
func (s *WeaponSpawner) Reset() {
	s.mu.Lock()
	s.started = false
	s.pickups = make(map[string]Pickup)
	s.mu.Unlock()
}
