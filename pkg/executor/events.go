package executor

import (
	"sync"
	"time"
)

// Subscriber receives lifecycle events. Callbacks run synchronously on
// the emitting goroutine so per-invocation ordering is preserved; slow
// subscribers must buffer on their side.
type Subscriber func(Event)

type eventHub struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func (h *eventHub) subscribe(fn Subscriber) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
}

func (h *eventHub) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	h.mu.RLock()
	subs := make([]Subscriber, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}
