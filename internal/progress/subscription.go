package progress

import (
	"container/list"
	"sync"

	"github.com/ashureev/eventcast/internal/domain"
)

// Subscription delivers one listener's copy of a session feed.
// Events are queued without bound and handed to the listener in emission
// order by a dedicated goroutine, so a slow reader never stalls the emitter.
type Subscription struct {
	id      int64
	emitter *Emitter
	out     chan domain.StepEvent

	mu      sync.Mutex
	queue   *list.List
	wake    chan struct{}
	closing bool          // no more pushes; drain then close out
	stop    chan struct{} // listener gone; drop the queue
	stopped bool
}

func newSubscription(id int64, e *Emitter) *Subscription {
	s := &Subscription{
		id:      id,
		emitter: e,
		out:     make(chan domain.StepEvent),
		queue:   list.New(),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the listener channel. It is closed when the emitter
// expires or is removed, or after Close.
func (s *Subscription) Events() <-chan domain.StepEvent {
	return s.out
}

// Close detaches the listener. Queued events are discarded.
func (s *Subscription) Close() {
	s.emitter.unsubscribe(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stop)
	}
}

func (s *Subscription) push(ev domain.StepEvent) {
	s.mu.Lock()
	if s.closing || s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue.PushBack(ev)
	s.mu.Unlock()
	s.signal()
}

// finish stops accepting events; whatever is queued is still delivered.
func (s *Subscription) finish() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		front := s.queue.Front()
		if front != nil {
			s.queue.Remove(front)
		}
		closing := s.closing
		s.mu.Unlock()

		if front == nil {
			if closing {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}

		select {
		case s.out <- front.Value.(domain.StepEvent):
		case <-s.stop:
			return
		}
	}
}
