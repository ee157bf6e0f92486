package terminal

import (
	"io"
	"sync"
)

// DefaultBacklog is the amount of recent output replayed to new viewers.
const DefaultBacklog = 64 * 1024

// subscriberQueue bounds, in bytes, the output waiting for one viewer.
const subscriberQueue = 256 * 1024

// Hub fans guest console output out to any number of viewers and keeps a
// backlog for late joiners. Write never fails and never blocks on a slow
// viewer. Output queued for a viewer is coalesced into one write, and a
// viewer more than subscriberQueue bytes behind loses output.
type Hub struct {
	mu      sync.Mutex
	backlog []byte
	limit   int
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	mu      sync.Mutex
	pending []byte
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// push queues p, keeping at most subscriberQueue bytes pending.
func (s *subscriber) push(p []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if room := subscriberQueue - len(s.pending); len(p) > room {
		p = p[:max(room, 0)]
	}
	s.pending = append(s.pending, p...)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// take returns everything queued so far and whether the viewer is closed.
func (s *subscriber) take() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunk := s.pending
	s.pending = nil
	return chunk, s.closed
}

// NewHub creates a hub keeping up to backlog bytes of history.
func NewHub(backlog int) *Hub {
	if backlog < 0 {
		backlog = 0
	}
	return &Hub{limit: backlog, subs: make(map[*subscriber]struct{})}
}

// Write records p and forwards it to every viewer.
func (h *Hub) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.remember(p)
	for s := range h.subs {
		s.push(p)
	}
	return len(p), nil
}

func (h *Hub) remember(p []byte) {
	if h.limit == 0 {
		return
	}
	if len(p) >= h.limit {
		h.backlog = append(h.backlog[:0], p[len(p)-h.limit:]...)
		return
	}
	if over := len(h.backlog) + len(p) - h.limit; over > 0 {
		h.backlog = append(h.backlog[:0], h.backlog[over:]...)
	}
	h.backlog = append(h.backlog, p...)
}

// Backlog returns a copy of the retained output.
func (h *Hub) Backlog() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.backlog...)
}

// Subscribe starts copying output to w, first replaying the backlog when
// replay is set. The returned func detaches w and waits for its pending
// output to be written. A write error detaches w on its own.
func (h *Hub) Subscribe(w io.Writer, replay bool) func() {
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if replay && len(h.backlog) > 0 {
		s.pending = append([]byte(nil), h.backlog...)
		s.signal()
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer close(s.done)
		failed := false
		for range s.wake {
			chunk, closed := s.take()
			if len(chunk) > 0 && !failed {
				if _, err := w.Write(chunk); err != nil {
					failed = true
					h.remove(s)
				}
			}
			if closed {
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.remove(s)
			<-s.done
		})
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Viewers returns the number of attached viewers.
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
