package tu

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// ErrDestroyed is returned by the state-changing operations (SetExtension,
// Pickup, Dial, Hangup, Chat) when a TU involved has a reference count that
// has already dropped to zero.
var ErrDestroyed = errors.New("tu: operation on destroyed telephone unit")

// ErrWrite wraps a transport write failure. The state transition that
// triggered it has already been committed; the caller's client will
// resynchronize on the next successful notification.
var ErrWrite = errors.New("tu: notification write failed")

// Transport is the client connection a TU writes notifications to and,
// on shutdown, is force-closed to unblock the worker's pending read.
type Transport interface {
	io.Writer
	io.Closer
}

// CallObserver is notified of pairing lifecycle events, strictly after the
// state transition that produced them has already been committed and
// written to both clients. Implementations must not block — the call
// happens while the TU lock(s) involved are still held — and must never
// call back into a TU or Registry method.
type CallObserver interface {
	OnRinging(caller, callee int)
	OnConnected(caller, callee int)
	OnDisconnected(a, b int, disposition string)
}

// nopObserver discards every event; used when no observer is configured.
type nopObserver struct{}

func (nopObserver) OnRinging(int, int)              {}
func (nopObserver) OnConnected(int, int)            {}
func (nopObserver) OnDisconnected(int, int, string) {}

var idSeq atomic.Int64

// TU is a telephone unit: the finite-state object owning one client
// connection. All state-changing operations are methods of TU and are the
// only places a transition occurs. The zero value is not usable; construct
// with New.
type TU struct {
	id int64 // stable ascending identity, used to order two-TU lock acquisition

	mu        sync.Mutex
	conn      Transport
	ext       int // -1 before registration
	state     State
	peer      *TU
	refcount  int
	destroyed bool
	observer  CallObserver
}

// New constructs a TU bound to conn, in ON_HOOK state with no extension and
// a reference count of 1 (held by the caller — conventionally the worker
// that accepted the connection). observer may be nil.
func New(conn Transport, observer CallObserver) *TU {
	if observer == nil {
		observer = nopObserver{}
	}
	return &TU{
		id:       idSeq.Add(1),
		conn:     conn,
		ext:      -1,
		state:    OnHook,
		refcount: 1,
		observer: observer,
	}
}

// CloseTransport force-closes the underlying transport. The transport
// reference is read under the TU's lock but closed outside it, so a slow
// close never stalls state transitions. A pending or future Read in the
// owning worker returns end-of-stream, driving that worker's normal
// hangup-then-unregister path.
func (t *TU) CloseTransport() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Fileno returns an opaque identifier for the underlying transport. It
// exists so callers (tests, logging) can refer to "which connection" a TU
// wraps without reaching into the transport itself.
func (t *TU) Fileno() int64 {
	return t.id
}

// Extension returns the TU's assigned extension, or -1 if not yet
// registered.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// State returns the TU's current state. Intended for read-only snapshots
// (metrics, admin API); never gates a transition.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ref increments the reference count. reason is diagnostic only; it has
// no behavioral effect.
func (t *TU) Ref(reason string) {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
}

// Unref decrements the reference count, marking the TU destroyed once it
// reaches zero. After that point every state-changing method returns
// ErrDestroyed; the accessors (Extension, State, Fileno) still answer.
func (t *TU) Unref(reason string) {
	t.mu.Lock()
	t.refcount--
	if t.refcount <= 0 {
		t.destroyed = true
	}
	t.mu.Unlock()
}

// SetExtension is a one-shot call made by the registry on successful
// registration. It assigns ext, forces state to ON_HOOK, and notifies the
// client of its new extension.
func (t *TU) SetExtension(ext int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	t.ext = ext
	t.state = OnHook
	return t.notifySelfLocked()
}

// lockOrder returns a, b reordered so the first element has the smaller
// identity. Two-TU operations always acquire locks in this order to avoid
// deadlock regardless of which side initiated the call.
func lockOrder(a, b *TU) (first, second *TU) {
	if a.id < b.id {
		return a, b
	}
	return b, a
}

// notifySelfLocked writes the notification line for t's current state to
// t's own transport. Must be called with t.mu held.
func (t *TU) notifySelfLocked() error {
	if _, err := io.WriteString(t.conn, formatNotify(t.state, t.ext, t.peerExtLocked())); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// notifyChatLocked writes a CONNECTED line carrying a chat payload to t's
// transport. Must be called with t.mu held.
func (t *TU) notifyChatLocked(msg string) error {
	if _, err := io.WriteString(t.conn, "CONNECTED "+msg+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

// peerExtLocked returns the peer's extension, or -1 if there is no peer.
// Must be called with t.mu (and, if a peer is present, the peer's mu) held.
func (t *TU) peerExtLocked() int {
	if t.peer == nil {
		return -1
	}
	return t.peer.ext
}

// formatNotify renders the wire line for state: CONNECTED carries the
// peer's extension, ON_HOOK carries the TU's own extension, everything
// else is bare.
func formatNotify(state State, ownExt, peerExt int) string {
	switch state {
	case Connected:
		return fmt.Sprintf("CONNECTED %d\n", peerExt)
	case OnHook:
		return fmt.Sprintf("ON_HOOK %d\n", ownExt)
	default:
		return state.String() + "\n"
	}
}

// Pickup takes the TU off-hook. From ON_HOOK it moves to DIAL_TONE; from
// RINGING it answers the call, moving both sides to CONNECTED; any other
// state is left unchanged and re-notified.
func (t *TU) Pickup() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}

	switch t.state {
	case OnHook:
		t.state = DialTone
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err

	case Ringing:
		p := t.peer
		t.mu.Unlock()
		first, second := lockOrder(t, p)
		first.mu.Lock()
		second.mu.Lock()
		defer second.mu.Unlock()
		defer first.mu.Unlock()

		if t.destroyed || p.destroyed {
			return ErrDestroyed
		}
		if t.state != Ringing || t.peer != p {
			// Preconditions changed while the locks were released (the
			// caller may have hung up first). Resynchronize instead.
			return t.notifySelfLocked()
		}

		t.state = Connected
		p.state = Connected
		err1 := t.notifySelfLocked()
		err2 := p.notifySelfLocked()
		t.observer.OnConnected(t.ext, p.ext)
		if err1 != nil {
			return err1
		}
		return err2

	default:
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err
	}
}

// Dial initiates a call from t to target. target is nil when the worker
// could not resolve the dialed extension to a live TU; the TU-level state
// machine — not the caller — interprets that as the null-target case so
// that no other caller has to reason about TU state.
func (t *TU) Dial(target *TU) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}

	if t.state != DialTone {
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err
	}

	if target == nil {
		t.state = Error
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err
	}

	if target == t {
		t.state = BusySignal
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err
	}

	t.mu.Unlock()

	first, second := lockOrder(t, target)
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if t.destroyed || target.destroyed {
		return ErrDestroyed
	}
	if t.state != DialTone {
		return t.notifySelfLocked()
	}

	if t.peer != nil || target.state != OnHook {
		t.state = BusySignal
		return t.notifySelfLocked()
	}

	t.peer = target
	target.peer = t
	t.state = RingBack
	target.state = Ringing
	t.refcount++
	target.refcount++

	err1 := t.notifySelfLocked()
	err2 := target.notifySelfLocked()
	t.observer.OnRinging(t.ext, target.ext)
	if err1 != nil {
		return err1
	}
	return err2
}

// Hangup replaces the handset, moving t to ON_HOOK. CONNECTED/RINGING/
// RING_BACK all unlink the peer (which moves to DIAL_TONE, or to ON_HOOK
// when it was RINGING) and release the reference pair established by Dial.
// DIAL_TONE/BUSY_SIGNAL/ERROR go straight to ON_HOOK; ON_HOOK is left
// unchanged and re-notified.
func (t *TU) Hangup() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}

	switch t.state {
	case Connected, Ringing, RingBack:
		p := t.peer
		t.mu.Unlock()
		first, second := lockOrder(t, p)
		first.mu.Lock()
		second.mu.Lock()
		defer second.mu.Unlock()
		defer first.mu.Unlock()
		return t.hangupPairedLocked(p)

	case DialTone, BusySignal, Error:
		t.state = OnHook
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err

	default: // OnHook
		err := t.notifySelfLocked()
		t.mu.Unlock()
		return err
	}
}

// hangupPairedLocked performs the peer-unlinking half of Hangup. Both
// t.mu and p.mu are held on entry (p is the peer observed before the
// locks were acquired). It re-verifies t's state against what is current
// now that both locks are held, since a concurrent hangup initiated from
// p's side may already have unlinked the pair.
func (t *TU) hangupPairedLocked(p *TU) error {
	if t.destroyed {
		return ErrDestroyed
	}
	if t.peer != p || (t.state != Connected && t.state != Ringing && t.state != RingBack) {
		// Someone else already tore the pairing down; resynchronize.
		return t.notifySelfLocked()
	}

	aExt, bExt := t.ext, p.ext
	disposition := "answered"
	switch t.state {
	case Connected:
		t.state = OnHook
		p.state = DialTone
	case Ringing:
		t.state = OnHook
		p.state = DialTone
		disposition = "cancelled"
	case RingBack:
		t.state = OnHook
		p.state = OnHook
		disposition = "no_answer"
	}

	t.peer = nil
	p.peer = nil
	t.refcount--
	if t.refcount <= 0 {
		t.destroyed = true
	}
	p.refcount--
	if p.refcount <= 0 {
		p.destroyed = true
	}

	err1 := t.notifySelfLocked()
	err2 := p.notifySelfLocked()
	t.observer.OnDisconnected(aExt, bExt, disposition)
	if err1 != nil {
		return err1
	}
	return err2
}

// Chat delivers msg to t's peer. It only succeeds while CONNECTED; any
// other state returns an error without writing to either client.
func (t *TU) Chat(msg string) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	if t.state != Connected {
		t.mu.Unlock()
		return errNotConnected
	}
	p := t.peer
	t.mu.Unlock()

	first, second := lockOrder(t, p)
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	if t.destroyed || p.destroyed {
		return ErrDestroyed
	}
	if t.state != Connected || t.peer != p {
		return errNotConnected
	}

	err1 := t.notifySelfLocked()
	err2 := p.notifyChatLocked(msg)
	if err1 != nil {
		return err1
	}
	return err2
}

var errNotConnected = errors.New("tu: chat requires CONNECTED state")
