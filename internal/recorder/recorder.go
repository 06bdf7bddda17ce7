package recorder

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// writeQueueSize bounds the number of pending CDR writes buffered between
// the TU lock holder and the background writer goroutine. A full queue
// drops the row rather than blocking a call transition, per the
// fire-and-forget recording contract.
const writeQueueSize = 256

// pairKey identifies one pairing by its two extensions in ascending order,
// so the same pairing yields the same key whichever side reports an event.
type pairKey struct {
	lo, hi int
}

func keyFor(a, b int) pairKey {
	if a < b {
		return pairKey{a, b}
	}
	return pairKey{b, a}
}

// pending tracks one in-flight pairing between OnRinging and OnDisconnected.
type pending struct {
	callerExt, calleeExt int
	startedAt            time.Time
	answeredAt           sql.NullTime
}

// Recorder is a tu.CallObserver that buffers in-flight pairing timing in
// memory and appends one CDR row per completed or abandoned pairing. Its
// observer methods never touch the database directly: they update the
// in-memory map and enqueue the eventual write, so they return immediately
// regardless of database latency.
type Recorder struct {
	store *Store
	log   *slog.Logger

	mu       sync.Mutex
	inFlight map[pairKey]*pending

	writeCh chan CDR
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Recorder writing to store. Call Close to stop the
// background writer once the PBX is shutting down.
func New(store *Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:    store,
		log:      log,
		inFlight: make(map[pairKey]*pending),
		writeCh:  make(chan CDR, writeQueueSize),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r
}

// OnRinging records the start of a pairing attempt.
func (r *Recorder) OnRinging(caller, callee int) {
	r.mu.Lock()
	r.inFlight[keyFor(caller, callee)] = &pending{
		callerExt: caller,
		calleeExt: callee,
		startedAt: time.Now(),
	}
	r.mu.Unlock()
}

// OnConnected marks a pairing as answered.
func (r *Recorder) OnConnected(caller, callee int) {
	r.mu.Lock()
	if p, ok := r.inFlight[keyFor(caller, callee)]; ok {
		p.answeredAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	r.mu.Unlock()
}

// OnDisconnected finalizes the pairing and enqueues its CDR row. If no
// matching OnRinging was ever observed (should not happen in practice, but
// observer methods must never panic on an inconsistent caller), it records
// a row anchored at the disconnect time.
func (r *Recorder) OnDisconnected(a, b int, disposition string) {
	key := keyFor(a, b)

	r.mu.Lock()
	p, ok := r.inFlight[key]
	delete(r.inFlight, key)
	r.mu.Unlock()

	now := time.Now()
	cdr := CDR{
		CallerExt:   a,
		CalleeExt:   b,
		StartedAt:   now,
		EndedAt:     now,
		Disposition: disposition,
	}
	if ok {
		cdr.CallerExt = p.callerExt
		cdr.CalleeExt = p.calleeExt
		cdr.StartedAt = p.startedAt
		cdr.AnsweredAt = p.answeredAt
	}

	select {
	case r.writeCh <- cdr:
	default:
		r.log.Warn("cdr write queue full, dropping record",
			"caller_ext", cdr.CallerExt, "callee_ext", cdr.CalleeExt)
	}
}

// writeLoop drains writeCh and persists each CDR, logging and swallowing
// any write error per the fire-and-forget recording contract.
func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	persist := func(cdr CDR) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.Insert(ctx, cdr)
		cancel()
		if err != nil {
			r.log.Error("failed to persist cdr", "error", err,
				"caller_ext", cdr.CallerExt, "callee_ext", cdr.CalleeExt)
		}
	}
	for {
		select {
		case cdr := <-r.writeCh:
			persist(cdr)
		case <-r.done:
			for {
				select {
				case cdr := <-r.writeCh:
					persist(cdr)
				default:
					return
				}
			}
		}
	}
}

// Close stops the background writer once any already-queued rows have
// been flushed.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()
}
