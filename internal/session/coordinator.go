package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"procworld/internal/ledger"
)

type State int

const (
	StateUnset State = iota
	StatePropagating
	StateGenerating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StatePropagating:
		return "propagating"
	case StateGenerating:
		return "generating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText lets states appear by name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrUnsetSeed         = errors.New("session: seed 0 is reserved for unset")
	ErrNotAuthority      = errors.New("session: only the authority may start the world")
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrNotReady          = errors.New("session: world is not ready")
)

// Transition is one entry of the coordinator's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Seed   int32     `json:"seed"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Coordinator is the seed lifecycle state machine:
// Unset → Propagating → Generating → Ready, with Failed reachable from
// Generating. Propagating only exists on the authority.
type Coordinator struct {
	role ledger.Role
	now  func() time.Time

	mu      sync.Mutex
	state   State
	seed    int32
	history []Transition
}

func NewCoordinator(role ledger.Role, now func() time.Time) *Coordinator {
	if now == nil {
		now = time.Now
	}
	return &Coordinator{role: role, now: now}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Seed() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seed
}

func (c *Coordinator) History() []Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transition(nil), c.history...)
}

func (c *Coordinator) transitionLocked(to State, seed int32, reason string) {
	c.history = append(c.history, Transition{
		From:   c.state,
		To:     to,
		Seed:   seed,
		At:     c.now(),
		Reason: reason,
	})
	c.state = to
	c.seed = seed
}

// Start moves the authority from Unset to Propagating with the chosen seed.
func (c *Coordinator) Start(seed int32) error {
	if c.role != ledger.RoleAuthority {
		return ErrNotAuthority
	}
	if seed == 0 {
		return ErrUnsetSeed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateUnset {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, c.state)
	}
	c.transitionLocked(StatePropagating, seed, "world start")
	return nil
}

// ObserveSeed reacts to a published seed value. It returns true when the
// caller must (re)initialize generation for the seed: on the first non-zero
// seed and on every later change. Zero and repeated values are ignored.
func (c *Coordinator) ObserveSeed(seed int32) (bool, error) {
	if seed == 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUnset:
		if c.role == ledger.RoleAuthority {
			return false, fmt.Errorf("%w: authority observed seed %d before starting", ErrInvalidTransition, seed)
		}
		c.transitionLocked(StateGenerating, seed, "seed received")
		return true, nil
	case StatePropagating:
		if seed != c.seed {
			return false, fmt.Errorf("%w: published seed %d differs from chosen %d", ErrInvalidTransition, seed, c.seed)
		}
		c.transitionLocked(StateGenerating, seed, "seed published")
		return true, nil
	default:
		if seed == c.seed {
			return false, nil
		}
		c.transitionLocked(StateGenerating, seed, fmt.Sprintf("seed changed from %d", c.seed))
		return true, nil
	}
}

// Complete marks the bootstrap disk as done.
func (c *Coordinator) Complete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateGenerating {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, c.state)
	}
	c.transitionLocked(StateReady, c.seed, "bootstrap complete")
	return nil
}

// Fail records that generation for the current seed cannot complete.
func (c *Coordinator) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	reason := "generation failed"
	if err != nil {
		reason = err.Error()
	}
	c.transitionLocked(StateFailed, c.seed, reason)
}
