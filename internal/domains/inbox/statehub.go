package inbox

import "sync"

// StateHub broadcasts state transitions to any number of observers. A
// subscriber sees only states emitted after it subscribed; emission
// order is preserved per subscriber but broadcast is best-effort, not a
// barrier. A subscriber that stops draining is dropped. Closing the hub
// closes every subscriber channel.
type StateHub struct {
	mu      sync.Mutex
	subs    map[int]chan State
	nextSub int
	closed  bool
}

func NewStateHub() *StateHub {
	return &StateHub{subs: make(map[int]chan State)}
}

func (h *StateHub) Publish(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for id, ch := range h.subs {
		select {
		case ch <- state:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
}

func (h *StateHub) Subscribe() (<-chan State, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan State, 64)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return ch, cancel
}

func (h *StateHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
}
