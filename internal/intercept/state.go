// Package intercept keeps one web application alive across rebuilds. The
// framework constructor is hooked so every program run receives the same
// wrapped application; its listen is suppressed after the first run and its
// middleware registrations replace positional routing slots instead of
// stacking up.
package intercept

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/hotswap/internal/webapp"
)

// Slot is one position in the routing table. The application forwards to
// whatever router the slot currently holds, so swapping the router replaces
// the behavior at that position without touching the application's stack.
type Slot struct {
	index     int
	router    atomic.Pointer[webapp.Router]
	installed bool
}

// Router returns the router currently held by the slot.
func (s *Slot) Router() *webapp.Router {
	return s.router.Load()
}

// Installed reports whether the application forwards to this slot.
func (s *Slot) Installed() bool {
	return s.installed
}

// forward is the permanent handler mounted on the application for the slot.
// A request serves the routers pinned when it entered, so it never mixes
// slots from two builds.
func (s *Slot) forward(w http.ResponseWriter, r *http.Request, next webapp.NextFunc) {
	rt := s.router.Load()
	if pinned, ok := webapp.Locals(r)[pinnedLocal].([]*webapp.Router); ok && s.index < len(pinned) {
		rt = pinned[s.index]
	}
	if rt == nil {
		next()
		return
	}
	rt.ServeNext(w, r, next)
}

const pinnedLocal = "intercept.routers"

// Locker runs fn while no build is in progress. sandbox.Loop is one.
type Locker interface {
	Do(fn func())
}

// State is the interception state that survives every rebuild. It lives for
// the whole process and is shared by every hooked constructor call.
type State struct {
	mu           sync.Mutex
	rebuildCount int
	slotCursor   int
	slots        []*Slot
	wrapped      *Wrapper
}

// NewState returns the state of a process that has not built yet.
func NewState() *State {
	return &State{}
}

// Snapshot is a read-only view of the state.
type Snapshot struct {
	RebuildCount   int
	SlotCursor     int
	Slots          int
	InstalledSlots int
	Constructed    bool
}

// Snapshot returns the current counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		RebuildCount: s.rebuildCount,
		SlotCursor:   s.slotCursor,
		Slots:        len(s.slots),
		Constructed:  s.wrapped != nil,
	}
	for _, slot := range s.slots {
		if slot.installed {
			snap.InstalledSlots++
		}
	}
	return snap
}

// RebuildCount returns how many times the constructor was invoked.
func (s *State) RebuildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildCount
}

// Slot returns the slot at index, nil when it was never reached.
func (s *State) Slot(index int) *Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return nil
	}
	return s.slots[index]
}

// beginBuild records a constructor call: the count goes up and positions
// are handed out from zero again.
func (s *State) beginBuild() (count int, wrapped *Wrapper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildCount++
	s.slotCursor = 0
	return s.rebuildCount, s.wrapped
}

// claimSlot hands out the next position with rt as its router. When the
// position is claimed during the first build for the first time, install is
// called with the slot's forwarding handler; positions first reached in a
// later build are never forwarded to.
func (s *State) claimSlot(rt *webapp.Router, install func(webapp.HandlerFunc) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := s.slotCursor
	s.slotCursor++

	for len(s.slots) <= index {
		s.slots = append(s.slots, &Slot{index: len(s.slots)})
	}
	slot := s.slots[index]
	slot.router.Store(rt)

	if s.rebuildCount == 1 && !slot.installed {
		if err := install(slot.forward); err != nil {
			return index, err
		}
		slot.installed = true
	}
	return index, nil
}

// routers returns the router of every slot, in position order.
func (s *State) routers() []*webapp.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*webapp.Router, len(s.slots))
	for i, slot := range s.slots {
		out[i] = slot.router.Load()
	}
	return out
}

// pin is mounted ahead of every slot. It records the current routers for
// the request, reading them under lock so a build in progress finishes
// first.
func (s *State) pin(lock Locker) webapp.HandlerFunc {
	return func(_ http.ResponseWriter, r *http.Request, next webapp.NextFunc) {
		var routers []*webapp.Router
		read := func() { routers = s.routers() }
		if lock != nil {
			lock.Do(read)
		} else {
			read()
		}
		if locals := webapp.Locals(r); locals != nil {
			locals[pinnedLocal] = routers
		}
		next()
	}
}
