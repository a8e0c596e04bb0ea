// Package display allocates X display slots for virtual display servers.
package display

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Default slot range. Low numbers are left to real X servers and desktop
// sessions.
const (
	DefaultFirst = 99
	DefaultLast  = 199
)

// ErrResourceExhausted is returned when every slot in the range is in use.
var ErrResourceExhausted = errors.New("no free display slot")

// Slot is an X display number.
type Slot int

// Name returns the display name used for DISPLAY and Xvfb, e.g. ":99".
func (s Slot) Name() string {
	return fmt.Sprintf(":%d", int(s))
}

// String implements fmt.Stringer.
func (s Slot) String() string {
	return s.Name()
}

// InUseFunc reports whether a slot carries an "in use" marker.
type InUseFunc func(slot Slot) bool

// X11InUse checks the markers an X server leaves behind: the lock file
// /tmp/.X<N>-lock and the socket /tmp/.X11-unix/X<N>.
func X11InUse(slot Slot) bool {
	for _, path := range []string{
		fmt.Sprintf("/tmp/.X%d-lock", int(slot)),
		fmt.Sprintf("/tmp/.X11-unix/X%d", int(slot)),
	} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}

// Config holds configuration for an Allocator.
type Config struct {
	// First and Last bound the scanned range, inclusive.
	First int
	Last  int

	// InUse checks the platform marker. Defaults to X11InUse.
	InUse InUseFunc
}

// Allocator hands out display slots. The on-disk check is read-only; the X
// server creates the marker when it starts on the slot. Slots handed out by
// this allocator are also remembered until Release, so that two allocations
// made before either server has started never collide.
type Allocator struct {
	first int
	last  int
	inUse InUseFunc

	mu       sync.Mutex
	reserved map[Slot]bool
}

// NewAllocator creates an allocator. Zero range bounds take the defaults.
func NewAllocator(cfg Config) *Allocator {
	if cfg.First == 0 && cfg.Last == 0 {
		cfg.First, cfg.Last = DefaultFirst, DefaultLast
	}
	if cfg.InUse == nil {
		cfg.InUse = X11InUse
	}
	return &Allocator{
		first:    cfg.First,
		last:     cfg.Last,
		inUse:    cfg.InUse,
		reserved: make(map[Slot]bool),
	}
}

// Allocate returns the lowest slot in range that is neither marked in use nor
// already handed out.
func (a *Allocator) Allocate() (Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for n := a.first; n <= a.last; n++ {
		slot := Slot(n)
		if a.reserved[slot] || a.inUse(slot) {
			continue
		}
		a.reserved[slot] = true
		return slot, nil
	}
	return 0, fmt.Errorf("%w in range :%d-:%d", ErrResourceExhausted, a.first, a.last)
}

// Release returns a slot to the pool. Releasing an unknown slot is a no-op.
func (a *Allocator) Release(slot Slot) {
	a.mu.Lock()
	delete(a.reserved, slot)
	a.mu.Unlock()
}

// Reserved returns the number of slots currently handed out.
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// Range returns the inclusive slot range.
func (a *Allocator) Range() (first, last int) {
	return a.first, a.last
}
