// Package progress fans step events out to the listeners of a publish session.
package progress

import (
	"container/list"
	"sync"
	"time"

	"github.com/ashureev/eventcast/internal/domain"
)

// Emitter owns the event feed of one session.
type Emitter struct {
	sessionID  string
	replaySize int
	now        func() time.Time

	mu         sync.Mutex
	seq        int64
	replay     *list.List
	subs       map[int64]*Subscription
	nextSubID  int64
	lastActive time.Time
	closed     bool
	done       chan struct{}
}

func newEmitter(sessionID string, replaySize int, now func() time.Time) *Emitter {
	return &Emitter{
		sessionID:  sessionID,
		replaySize: replaySize,
		now:        now,
		replay:     list.New(),
		subs:       make(map[int64]*Subscription),
		lastActive: now(),
		done:       make(chan struct{}),
	}
}

// SessionID returns the session this emitter belongs to.
func (e *Emitter) SessionID() string {
	return e.sessionID
}

// Done is closed once the emitter has expired or been removed.
func (e *Emitter) Done() <-chan struct{} {
	return e.done
}

// Emit stamps ev with the next sequence number, the session id and a
// timestamp, then queues it for every listener. Emitting on a closed
// emitter is a no-op.
func (e *Emitter) Emit(ev domain.StepEvent) domain.StepEvent {
	if e == nil {
		return ev
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ev
	}

	e.seq++
	ev.Seq = e.seq
	ev.SessionID = e.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.lastActive = e.now()

	e.replay.PushBack(ev)
	for e.replay.Len() > e.replaySize {
		e.replay.Remove(e.replay.Front())
	}
	for _, sub := range e.subs {
		sub.push(ev)
	}
	return ev
}

// Subscribe attaches a listener. Buffered events with Seq greater than
// afterSeq are delivered first, so a listener attaching late (or
// reconnecting with its last seen id) misses nothing still in the buffer.
// Subscribing to a closed emitter yields the buffered events and then a
// closed channel. An afterSeq beyond the latest event was issued by an
// earlier emitter of the same session, so everything buffered is replayed.
func (e *Emitter) Subscribe(afterSeq int64) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if afterSeq > e.seq {
		afterSeq = 0
	}

	e.nextSubID++
	sub := newSubscription(e.nextSubID, e)
	for el := e.replay.Front(); el != nil; el = el.Next() {
		if ev := el.Value.(domain.StepEvent); ev.Seq > afterSeq {
			sub.push(ev)
		}
	}
	if e.closed {
		sub.finish()
		return sub
	}
	e.subs[sub.id] = sub
	return sub
}

// ListenerCount returns the number of attached listeners.
func (e *Emitter) ListenerCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// LastSeq returns the sequence number of the latest event.
func (e *Emitter) LastSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

func (e *Emitter) unsubscribe(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.subs, id)
}

func (e *Emitter) idleSince() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActive
}

// close detaches every listener after their queues drain.
func (e *Emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		sub.finish()
		delete(e.subs, id)
	}
	close(e.done)
}
