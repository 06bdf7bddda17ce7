// Package registry implements the PBX registry: the bounded table mapping
// extensions to live telephone units, and the register/unregister/dial
// primitives built on it.
package registry

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/pbxcore/internal/tu"
)

var (
	// ErrFull is returned by Register when auto-assignment finds no free
	// extension.
	ErrFull = errors.New("registry: no free extension available")
	// ErrRange is returned when an explicit extension is outside
	// [0, MaxExt).
	ErrRange = errors.New("registry: extension out of range")
	// ErrOccupied is returned when an explicit extension is already
	// registered.
	ErrOccupied = errors.New("registry: extension already registered")
	// ErrNilTU is returned when a nil TU is passed to Register.
	ErrNilTU = errors.New("registry: nil telephone unit")
	// ErrNotRegistered is returned by Unregister when the TU is not the
	// current occupant of its own recorded extension.
	ErrNotRegistered = errors.New("registry: telephone unit not registered")
)

// AutoAssign requested as the extension in Register to have the registry
// pick the lowest free slot, instead of an explicit one.
const AutoAssign = -1

// pollInterval is how often Shutdown polls the registration count while
// waiting for workers to drain.
const pollInterval = 10 * time.Millisecond

// Entry is a read-only snapshot of one occupied extension, used by the
// metrics collector and the admin API. It never aliases TU internals.
type Entry struct {
	Extension int
	State     tu.State
}

// Registry is the bounded array of live TUs, indexed by extension.
type Registry struct {
	mu       sync.Mutex
	slots    []*tu.TU
	free     []int // sorted ascending; extensions with slots[i] == nil
	count    int
	shutdown atomic.Bool
}

// New creates a Registry with maxExt extension slots, all initially free.
func New(maxExt int) *Registry {
	free := make([]int, maxExt)
	for i := range free {
		free[i] = i
	}
	return &Registry{
		slots: make([]*tu.TU, maxExt),
		free:  free,
	}
}

// Register places t at ext (or, when ext == AutoAssign, at the lowest free
// extension), notifies its client of the assignment, and takes one
// reference on t held by the registry for as long as it stays registered.
// Returns the assigned extension.
func (r *Registry) Register(t *tu.TU, ext int) (int, error) {
	if t == nil {
		return -1, ErrNilTU
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	assigned, err := r.assignLocked(ext)
	if err != nil {
		return -1, err
	}
	r.slots[assigned] = t
	r.count++

	// SetExtension runs before the registry lock is released, so no Dial
	// can look t up before its extension and ON_HOOK state are set. It
	// acquires only t's own lock; t is not yet reachable by any other
	// goroutine, so this cannot block on contention.
	if err := t.SetExtension(assigned); err != nil {
		// Registration notification failed to write, but the slot is
		// committed — the state machine is authoritative per the write
		// failure semantics; the caller will learn of the error and may
		// choose to unregister.
		t.Ref("registered")
		return assigned, err
	}
	t.Ref("registered")
	return assigned, nil
}

// assignLocked must be called with r.mu held. It resolves ext to a
// concrete, currently-free extension, or returns an error.
func (r *Registry) assignLocked(ext int) (int, error) {
	if ext == AutoAssign {
		if len(r.free) == 0 {
			return -1, ErrFull
		}
		assigned := r.free[0]
		r.free = r.free[1:]
		return assigned, nil
	}

	if ext < 0 || ext >= len(r.slots) {
		return -1, ErrRange
	}
	if r.slots[ext] != nil {
		return -1, ErrOccupied
	}
	i := sort.SearchInts(r.free, ext)
	if i >= len(r.free) || r.free[i] != ext {
		// Should not happen (slot is free per slots[ext] == nil), but
		// guards against free-list/slots drifting out of sync.
		return -1, ErrOccupied
	}
	r.free = append(r.free[:i], r.free[i+1:]...)
	return ext, nil
}

// Unregister removes t from the registry, cancels any in-flight call by
// invoking Hangup, and releases the registry's reference. The TU-level
// Hangup call happens after the registry lock is released, so the registry
// lock is never held across a TU lock acquisition that could block.
func (r *Registry) Unregister(t *tu.TU) error {
	if t == nil {
		return ErrNilTU
	}
	ext := t.Extension()

	r.mu.Lock()
	if ext < 0 || ext >= len(r.slots) || r.slots[ext] != t {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	r.slots[ext] = nil
	r.count--
	i := sort.SearchInts(r.free, ext)
	r.free = append(r.free, 0)
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = ext
	r.mu.Unlock()

	_ = t.Hangup()
	t.Unref("unregistered")
	return nil
}

// Dial looks up the TU registered at ext (nil if ext is out of range or
// the slot is empty) and invokes source's Dial against it. All null /
// busy / self-dial interpretation happens inside tu.TU.Dial; the registry
// never inspects TU state itself.
func (r *Registry) Dial(source *tu.TU, ext int) error {
	if source == nil {
		return ErrNilTU
	}

	r.mu.Lock()
	var target *tu.TU
	if ext >= 0 && ext < len(r.slots) {
		target = r.slots[ext]
	}
	if target != nil {
		// A short-lived liveness ref: keeps target from being destroyed
		// by a racing Unregister between releasing the registry lock and
		// source.Dial returning. Released unconditionally below.
		target.Ref("dial lookup")
	}
	r.mu.Unlock()

	err := source.Dial(target)
	if target != nil {
		target.Unref("dial lookup")
	}
	return err
}

// Snapshot returns a point-in-time copy of every occupied extension and
// its TU's current state. Safe for metrics/admin-API consumption: it
// never calls back into a TU's state-changing methods.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	slots := make([]*tu.TU, len(r.slots))
	copy(slots, r.slots)
	r.mu.Unlock()

	entries := make([]Entry, 0, len(slots))
	for ext, t := range slots {
		if t == nil {
			continue
		}
		entries = append(entries, Entry{Extension: ext, State: t.State()})
	}
	return entries
}

// Count returns the number of currently occupied extensions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// ShuttingDown reports whether Shutdown has been invoked.
func (r *Registry) ShuttingDown() bool {
	return r.shutdown.Load()
}

// BeginShutdown flips the shutdown flag (and therefore the
// pbx_shutdown_in_progress gauge) without touching any TU transport.
// Callers that need the metrics/admin plane to observe shutdown before
// tearing down TU connections call this ahead of Shutdown; Shutdown
// itself calls it too, so calling Shutdown alone remains correct.
func (r *Registry) BeginShutdown() {
	r.shutdown.Store(true)
}

// Shutdown force-closes every registered TU's transport, which drives each
// worker's own read loop to end-of-stream and run its normal
// hangup-then-unregister path, then blocks until the registry has drained
// to zero registrations.
func (r *Registry) Shutdown() {
	r.BeginShutdown()

	r.mu.Lock()
	occupied := make([]*tu.TU, 0, r.count)
	for _, t := range r.slots {
		if t != nil {
			occupied = append(occupied, t)
		}
	}
	r.mu.Unlock()

	for _, t := range occupied {
		_ = t.CloseTransport()
	}

	for r.Count() > 0 {
		time.Sleep(pollInterval)
	}
}
